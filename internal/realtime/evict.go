package realtime

import "sort"

// The eviction governor bounds each dimension map to a configured entry cap.
// It runs opportunistically after ingest bursts rather than on every insert,
// so the O(n log n) sort is paid rarely while the size check stays O(1).
// Eviction is by cumulative traffic only, never recency: the cap bounds
// worst-case memory, it does not implement an LRU.

// sweep trims every over-cap map for this backend. Caller holds b.mu.
func (b *backendState) sweep(maxEntries, deviceMaxEntries int) {
	trimDim(b.domains, maxEntries)
	trimDim(b.ips, maxEntries)
	trimDim(b.proxies, maxEntries)
	trimDim(b.rules, maxEntries)
	trimDim(b.countries, maxEntries)

	if len(b.devices) > deviceMaxEntries {
		ranked := make([]rankedKey, 0, len(b.devices))
		for key, d := range b.devices {
			ranked = append(ranked, rankedKey{key, d.Upload + d.Download})
		}
		evictQuartile(ranked, func(key string) { delete(b.devices, key) })
	}
	for _, d := range b.devices {
		trimDim(d.domains, deviceMaxEntries)
		trimDim(d.ips, deviceMaxEntries)
	}
}

type rankedKey struct {
	key     string
	traffic int64
}

func trimDim(m map[string]*dimEntry, limit int) {
	if limit <= 0 || len(m) <= limit {
		return
	}
	ranked := make([]rankedKey, 0, len(m))
	for key, e := range m {
		ranked = append(ranked, rankedKey{key, e.Upload + e.Download})
	}
	evictQuartile(ranked, func(key string) { delete(m, key) })
}

// evictQuartile removes the lowest-traffic 25% of the ranked entries.
func evictQuartile(ranked []rankedKey, remove func(string)) {
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].traffic < ranked[j].traffic
	})
	for _, r := range ranked[:len(ranked)/4] {
		remove(r.key)
	}
}
