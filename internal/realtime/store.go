package realtime

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"FlowScope/internal/config"
	"FlowScope/internal/model"
)

// factKey identifies one minute of traffic for one routing tuple. It mirrors
// the cold fact-table primary key so hot deltas and flushed rows always join.
type factKey struct {
	minute   string
	domain   string
	ip       string
	sourceIP string
	chain    string
	rule     string
}

type factDelta struct {
	upload      int64
	download    int64
	connections int64
}

// backendState is the complete hot state of one monitored backend. All
// mutation goes through its mutex; backends never contend with each other.
type backendState struct {
	mu sync.Mutex

	summary counters
	minutes map[string]*minuteBucket
	// Smallest key in minutes, so sparse backends can detect aged buckets
	// without walking the map on every write.
	minutesOldest string

	domains   map[string]*dimEntry
	ips       map[string]*dimEntry
	proxies   map[string]*dimEntry // keyed by chain head (terminal proxy)
	rules     map[string]*dimEntry
	countries map[string]*dimEntry
	devices   map[string]*deviceEntry

	facts map[factKey]*factDelta

	// Current policy selections ("now" pointers), refreshed by the probe.
	policies map[string]string

	recordsSinceSweep int
}

func newBackendState() *backendState {
	return &backendState{
		minutes:   make(map[string]*minuteBucket),
		domains:   make(map[string]*dimEntry),
		ips:       make(map[string]*dimEntry),
		proxies:   make(map[string]*dimEntry),
		rules:     make(map[string]*dimEntry),
		countries: make(map[string]*dimEntry),
		devices:   make(map[string]*deviceEntry),
		facts:     make(map[factKey]*factDelta),
	}
}

// Store is the in-memory delta-aggregation cache. One instance serves the
// whole process; per-backend state is created lazily on first record and
// dropped only by ClearBackend.
type Store struct {
	mu       sync.RWMutex
	backends map[string]*backendState

	cfg       config.RealtimeConfig
	retention time.Duration

	eventsIngested atomic.Int64
}

// New creates a Store with the given realtime configuration.
func New(cfg config.RealtimeConfig) *Store {
	return &Store{
		backends:  make(map[string]*backendState),
		cfg:       cfg,
		retention: time.Duration(cfg.RetentionMinutes) * time.Minute,
	}
}

// backend returns the state for id, creating it on first use.
func (s *Store) backend(id string) *backendState {
	s.mu.RLock()
	b, ok := s.backends[id]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.backends[id]; ok {
		return b
	}
	b = newBackendState()
	s.backends[id] = b
	return b
}

// peek returns the state for id without creating it.
func (s *Store) peek(id string) (*backendState, bool) {
	s.mu.RLock()
	b, ok := s.backends[id]
	s.mu.RUnlock()
	return b, ok
}

// EffectiveRuleName returns the name this traffic is aggregated under. It
// matches the naming used when the same traffic is flushed to cold storage,
// so hot and cold rule keys always join.
func EffectiveRuleName(ev model.TrafficEvent) string {
	if len(ev.Chains) > 1 {
		return ev.Chains[len(ev.Chains)-1]
	}
	if ev.RulePayload != "" {
		return fmt.Sprintf("%s(%s)", ev.Rule, ev.RulePayload)
	}
	return ev.Rule
}

// RecordTraffic folds one traffic event into the backend's hot state. An
// event with no upload and no download is a no-op. Missing fields skip their
// dimension; nothing here returns an error.
func (s *Store) RecordTraffic(backendID string, ev model.TrafficEvent) {
	if ev.Upload <= 0 && ev.Download <= 0 {
		return
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	rule := EffectiveRuleName(ev)
	chain := strings.Join(ev.Chains, " > ")
	var head string
	if len(ev.Chains) > 0 {
		head = ev.Chains[0]
	}

	b := s.backend(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.summary.add(ev.Upload, ev.Download, 1, ts)
	b.recordMinute(ts, ev.Upload, ev.Download, s.retention)

	if ev.Domain != "" {
		e := upsert(b.domains, ev.Domain)
		e.add(ev.Upload, ev.Download, 1, ts)
		e.addIP(ev.IP)
		e.addRule(rule)
		e.addChain(chain)
	}
	if ev.IP != "" {
		e := upsert(b.ips, ev.IP)
		e.add(ev.Upload, ev.Download, 1, ts)
		e.addDomain(ev.Domain)
		e.addRule(rule)
	}
	if head != "" {
		e := upsert(b.proxies, head)
		e.add(ev.Upload, ev.Download, 1, ts)
		e.addRule(rule)
		e.addChain(chain)
	}
	if rule != "" {
		e := upsert(b.rules, rule)
		e.add(ev.Upload, ev.Download, 1, ts)
		e.addDomain(ev.Domain)
		e.addIP(ev.IP)
		e.addChain(chain)
	}
	if ev.SourceIP != "" {
		d := b.devices[ev.SourceIP]
		if d == nil {
			d = &deviceEntry{}
			b.devices[ev.SourceIP] = d
		}
		d.add(ev.Upload, ev.Download, 1, ts)
		if ev.Domain != "" {
			d.domain(ev.Domain).add(ev.Upload, ev.Download, 1, ts)
		}
		if ev.IP != "" {
			d.ip(ev.IP).add(ev.Upload, ev.Download, 1, ts)
		}
	}

	fk := factKey{
		minute:   model.MinuteKey(ts),
		domain:   ev.Domain,
		ip:       ev.IP,
		sourceIP: ev.SourceIP,
		chain:    chain,
		rule:     rule,
	}
	fd, ok := b.facts[fk]
	if !ok {
		fd = &factDelta{}
		b.facts[fk] = fd
	}
	fd.upload += ev.Upload
	fd.download += ev.Download
	fd.connections++

	b.recordsSinceSweep++
	if b.recordsSinceSweep >= s.cfg.EvictCheckEvery {
		b.recordsSinceSweep = 0
		b.sweep(s.cfg.MaxEntries, s.cfg.DeviceMaxEntries)
	}

	s.eventsIngested.Add(1)
}

// RecordCountryTraffic folds geo-attributed traffic into the country
// dimension. Unattributed traffic (empty country) is skipped.
func (s *Store) RecordCountryTraffic(backendID string, geo model.GeoInfo, upload, download int64) {
	if geo.Country == "" || (upload <= 0 && download <= 0) {
		return
	}
	b := s.backend(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()
	upsert(b.countries, geo.Country).add(upload, download, 1, time.Now())
}

// ClearBackend drops all hot state for a backend.
func (s *Store) ClearBackend(backendID string) {
	s.mu.Lock()
	delete(s.backends, backendID)
	s.mu.Unlock()
}

// SummaryDelta returns the backend's hot totals, covering traffic recorded
// since the last flush. The distinct-key counts cover hot data only; the
// caller reconciles them with cold counts.
func (s *Store) SummaryDelta(backendID string) (model.Summary, bool) {
	b, ok := s.peek(backendID)
	if !ok {
		return model.Summary{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.Summary{
		TotalUpload:      b.summary.Upload,
		TotalDownload:    b.summary.Download,
		TotalConnections: b.summary.Connections,
		TotalDomains:     len(b.domains),
		TotalIPs:         len(b.ips),
		TotalRules:       len(b.rules),
		LastUpdated:      b.summary.LastSeen,
	}, true
}

// RuleChainDeltas returns the hot (rule, chain) totals used by the chain-flow
// graph when the query window includes live data.
func (s *Store) RuleChainDeltas(backendID string) []model.RuleChainRow {
	b, ok := s.peek(backendID)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make(map[[2]string]*factDelta)
	for fk, fd := range b.facts {
		if fk.chain == "" || fk.rule == "" {
			continue
		}
		k := [2]string{fk.rule, fk.chain}
		d, ok := merged[k]
		if !ok {
			d = &factDelta{}
			merged[k] = d
		}
		d.upload += fd.upload
		d.download += fd.download
		d.connections += fd.connections
	}

	out := make([]model.RuleChainRow, 0, len(merged))
	for k, d := range merged {
		out = append(out, model.RuleChainRow{
			Rule:        k[0],
			Chain:       k[1],
			Upload:      d.upload,
			Download:    d.download,
			Connections: d.connections,
		})
	}
	return out
}

// DrainFacts swaps out and returns the accumulated fact deltas for one
// backend, and resets the summary, dimension, and minute-ledger deltas with
// them: the drained traffic is about to live in cold storage, so hot state
// must stop covering it or merged reads would count it twice. Countries and
// policies survive the drain; neither has a cold counterpart. The reset
// happens under the backend lock; converting to rows does not, so flushing
// barely blocks ingestion.
func (s *Store) DrainFacts(backendID string) []model.FactRow {
	b, ok := s.peek(backendID)
	if !ok {
		return nil
	}

	b.mu.Lock()
	old := b.facts
	if len(old) > 0 {
		b.facts = make(map[factKey]*factDelta)
		b.summary = counters{}
		b.minutes = make(map[string]*minuteBucket)
		b.minutesOldest = ""
		b.domains = make(map[string]*dimEntry)
		b.ips = make(map[string]*dimEntry)
		b.proxies = make(map[string]*dimEntry)
		b.rules = make(map[string]*dimEntry)
		b.devices = make(map[string]*deviceEntry)
	}
	b.mu.Unlock()

	if len(old) == 0 {
		return nil
	}
	rows := make([]model.FactRow, 0, len(old))
	for fk, fd := range old {
		bucket, err := time.Parse("2006-01-02T15:04:05", fk.minute)
		if err != nil {
			continue
		}
		rows = append(rows, model.FactRow{
			Bucket:      bucket.UTC(),
			Domain:      fk.domain,
			IP:          fk.ip,
			SourceIP:    fk.sourceIP,
			Chain:       fk.chain,
			Rule:        fk.rule,
			Upload:      fd.upload,
			Download:    fd.download,
			Connections: fd.connections,
		})
	}
	return rows
}

// SetPolicies replaces the backend's policy "now" map, as published by the
// probe alongside traffic events.
func (s *Store) SetPolicies(backendID string, policies map[string]string) {
	if len(policies) == 0 {
		return
	}
	b := s.backend(backendID)
	b.mu.Lock()
	b.policies = policies
	b.mu.Unlock()
}

// Policies returns a copy of the backend's current policy "now" map.
func (s *Store) Policies(backendID string) map[string]string {
	b, ok := s.peek(backendID)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.policies))
	for k, v := range b.policies {
		out[k] = v
	}
	return out
}

// BackendIDs returns the ids of all backends with hot state.
func (s *Store) BackendIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.backends))
	for id := range s.backends {
		ids = append(ids, id)
	}
	return ids
}

// EventsIngested returns the process-lifetime event count, for the metrics log.
func (s *Store) EventsIngested() int64 {
	return s.eventsIngested.Load()
}
