package realtime

import (
	"sort"
	"time"

	"FlowScope/internal/model"
)

// counters is the additive part shared by every delta entry. Counters only
// grow between flushes; they are discarded wholesale by DrainFacts and
// ClearBackend, never decremented.
type counters struct {
	Upload      int64
	Download    int64
	Connections int64
	LastSeen    time.Time
}

func (c *counters) add(up, down, conns int64, ts time.Time) {
	c.Upload += up
	c.Download += down
	c.Connections += conns
	if ts.After(c.LastSeen) {
		c.LastSeen = ts
	}
}

// dimEntry is one keyed aggregate of a dimension map. The associated-value
// sets are created lazily; most dimensions only use one or two of them.
type dimEntry struct {
	counters
	domains map[string]struct{}
	ips     map[string]struct{}
	rules   map[string]struct{}
	chains  map[string]struct{}
}

func (e *dimEntry) addDomain(v string) {
	if v == "" {
		return
	}
	if e.domains == nil {
		e.domains = make(map[string]struct{})
	}
	e.domains[v] = struct{}{}
}

func (e *dimEntry) addIP(v string) {
	if v == "" {
		return
	}
	if e.ips == nil {
		e.ips = make(map[string]struct{})
	}
	e.ips[v] = struct{}{}
}

func (e *dimEntry) addRule(v string) {
	if v == "" {
		return
	}
	if e.rules == nil {
		e.rules = make(map[string]struct{})
	}
	e.rules[v] = struct{}{}
}

func (e *dimEntry) addChain(v string) {
	if v == "" {
		return
	}
	if e.chains == nil {
		e.chains = make(map[string]struct{})
	}
	e.chains[v] = struct{}{}
}

// hasDomain reports whether the entry was seen with a domain matching the
// lowercased needle as a substring.
func (e *dimEntry) hasDomain(needle string) bool {
	for d := range e.domains {
		if containsFold(d, needle) {
			return true
		}
	}
	return false
}

// row converts the entry into the exported result shape, with sorted sets.
func (e *dimEntry) row(key string) model.StatRow {
	return model.StatRow{
		Key:         key,
		Upload:      e.Upload,
		Download:    e.Download,
		Connections: e.Connections,
		LastSeen:    e.LastSeen,
		Domains:     sortedKeys(e.domains),
		IPs:         sortedKeys(e.ips),
		Rules:       sortedKeys(e.rules),
		Chains:      sortedKeys(e.chains),
	}
}

// deviceEntry aggregates traffic per source address, with nested per-domain
// and per-destination breakdowns for drill-down queries. The nested maps are
// bounded separately from the top-level dimension maps.
type deviceEntry struct {
	counters
	domains map[string]*dimEntry
	ips     map[string]*dimEntry
}

func (d *deviceEntry) domain(key string) *dimEntry {
	if d.domains == nil {
		d.domains = make(map[string]*dimEntry)
	}
	e, ok := d.domains[key]
	if !ok {
		e = &dimEntry{}
		d.domains[key] = e
	}
	return e
}

func (d *deviceEntry) ip(key string) *dimEntry {
	if d.ips == nil {
		d.ips = make(map[string]*dimEntry)
	}
	e, ok := d.ips[key]
	if !ok {
		e = &dimEntry{}
		d.ips[key] = e
	}
	return e
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func upsert(m map[string]*dimEntry, key string) *dimEntry {
	e, ok := m[key]
	if !ok {
		e = &dimEntry{}
		m[key] = e
	}
	return e
}
