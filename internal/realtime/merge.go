package realtime

import (
	"sort"
	"strings"

	"FlowScope/internal/model"
)

// The merge engine combines a cold (persisted) result set with the current
// hot deltas. Keys present in both are summed in place; keys only present in
// hot data are injected, but only for the first page, so page boundaries
// stay stable for callers walking through results. The injected-row count is
// returned so paginated callers can correct the cold total.

// MergeDomains merges hot domain deltas into cold rows.
func (s *Store) MergeDomains(backendID string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		return snapshotDim(b.domains, keyFilter(opts.Search))
	})
}

// MergeIPs merges hot IP deltas into cold rows. The search filter matches
// the address itself or any domain the address was seen with.
func (s *Store) MergeIPs(backendID string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	needle := strings.ToLower(opts.Search)
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		return snapshotDim(b.ips, func(key string, e *dimEntry) bool {
			if needle == "" {
				return true
			}
			return containsFold(key, needle) || e.hasDomain(needle)
		})
	})
}

// MergeProxies merges hot per-proxy (chain head) deltas into cold rows.
func (s *Store) MergeProxies(backendID string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		return snapshotDim(b.proxies, keyFilter(opts.Search))
	})
}

// MergeRules merges hot per-rule deltas into cold rows.
func (s *Store) MergeRules(backendID string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		return snapshotDim(b.rules, keyFilter(opts.Search))
	})
}

// MergeCountries merges hot per-country deltas into cold rows.
func (s *Store) MergeCountries(backendID string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		return snapshotDim(b.countries, keyFilter(opts.Search))
	})
}

// MergeDevices merges hot per-source-address deltas into cold rows.
func (s *Store) MergeDevices(backendID string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		filter := keyFilter(opts.Search)
		rows := make([]model.StatRow, 0, len(b.devices))
		for key, d := range b.devices {
			if !filter(key, nil) {
				continue
			}
			rows = append(rows, model.StatRow{
				Key:         key,
				Upload:      d.Upload,
				Download:    d.Download,
				Connections: d.Connections,
				LastSeen:    d.LastSeen,
			})
		}
		return rows
	})
}

// MergeDeviceDomains merges one device's nested per-domain deltas.
func (s *Store) MergeDeviceDomains(backendID, device string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		d, ok := b.devices[device]
		if !ok {
			return nil
		}
		return snapshotDim(d.domains, keyFilter(opts.Search))
	})
}

// MergeDeviceIPs merges one device's nested per-destination deltas.
func (s *Store) MergeDeviceIPs(backendID, device string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		d, ok := b.devices[device]
		if !ok {
			return nil
		}
		return snapshotDim(d.ips, keyFilter(opts.Search))
	})
}

// MergeRuleDomains merges the hot domains seen under one rule. Hot rows for
// a rule drill-down carry only membership and totals of the domain entry.
func (s *Store) MergeRuleDomains(backendID, rule string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		filter := keyFilter(opts.Search)
		var rows []model.StatRow
		for key, e := range b.domains {
			if _, ok := e.rules[rule]; !ok {
				continue
			}
			if !filter(key, e) {
				continue
			}
			rows = append(rows, e.row(key))
		}
		return rows
	})
}

// MergeRuleIPs merges the hot addresses seen under one rule.
func (s *Store) MergeRuleIPs(backendID, rule string, cold []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	return s.mergeDim(backendID, cold, opts, func(b *backendState) []model.StatRow {
		filter := keyFilter(opts.Search)
		var rows []model.StatRow
		for key, e := range b.ips {
			if _, ok := e.rules[rule]; !ok {
				continue
			}
			if !filter(key, e) {
				continue
			}
			rows = append(rows, e.row(key))
		}
		return rows
	})
}

// mergeDim snapshots the hot rows under the backend lock and merges them
// into cold as a pure function. An idle backend makes this the identity on
// the cold input.
func (s *Store) mergeDim(backendID string, cold []model.StatRow, opts model.ListOptions, snapshot func(*backendState) []model.StatRow) ([]model.StatRow, int) {
	opts = opts.Normalize()

	b, ok := s.peek(backendID)
	if !ok {
		return cold, 0
	}

	b.mu.Lock()
	hot := snapshot(b)
	b.mu.Unlock()

	if len(hot) == 0 {
		return cold, 0
	}
	return mergeRows(cold, hot, opts)
}

// mergeRows implements the shared merge algorithm: seed from cold, add or
// (first page only) inject hot rows, re-sort, truncate.
func mergeRows(cold, hot []model.StatRow, opts model.ListOptions) ([]model.StatRow, int) {
	merged := make([]model.StatRow, len(cold))
	copy(merged, cold)
	index := make(map[string]int, len(merged))
	for i, row := range merged {
		index[row.Key] = i
	}

	injected := 0
	for _, h := range hot {
		if i, ok := index[h.Key]; ok {
			row := &merged[i]
			row.Upload += h.Upload
			row.Download += h.Download
			row.Connections += h.Connections
			if h.LastSeen.After(row.LastSeen) {
				row.LastSeen = h.LastSeen
			}
			row.Domains = unionSorted(row.Domains, h.Domains)
			row.IPs = unionSorted(row.IPs, h.IPs)
			row.Rules = unionSorted(row.Rules, h.Rules)
			row.Chains = unionSorted(row.Chains, h.Chains)
		} else if opts.Offset == 0 {
			index[h.Key] = len(merged)
			merged = append(merged, h)
			injected++
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return opts.SortBy.Less(merged[i], merged[j])
	})
	if opts.Limit > 0 && len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}
	return merged, injected
}

func snapshotDim(m map[string]*dimEntry, filter func(string, *dimEntry) bool) []model.StatRow {
	if len(m) == 0 {
		return nil
	}
	rows := make([]model.StatRow, 0, len(m))
	for key, e := range m {
		if !filter(key, e) {
			continue
		}
		rows = append(rows, e.row(key))
	}
	return rows
}

// keyFilter builds a case-insensitive substring filter on the row key.
func keyFilter(search string) func(string, *dimEntry) bool {
	needle := strings.ToLower(search)
	return func(key string, _ *dimEntry) bool {
		return needle == "" || containsFold(key, needle)
	}
}

// containsFold reports whether s contains the already-lowercased needle.
func containsFold(s, needle string) bool {
	return strings.Contains(strings.ToLower(s), needle)
}

// unionSorted merges two sorted string sets into one sorted set.
func unionSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
