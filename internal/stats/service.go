package stats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"FlowScope/internal/chainflow"
	"FlowScope/internal/model"
	"FlowScope/internal/realtime"
)

// ErrBadTimeRange reports a caller-supplied range that cannot be honored.
var ErrBadTimeRange = errors.New("invalid time range")

// Service is the public read surface. Every read assembles cold rollup rows
// through the router and, when the range reaches into the present, merges
// the in-memory deltas on top.
type Service struct {
	hot    *realtime.Store
	router *Router
	cache  *resultCache

	tolerance        time.Duration
	retentionMinutes int
	now              func() time.Time
}

// NewService wires the read surface over the hot store and query router.
func NewService(hot *realtime.Store, router *Router, tolerance time.Duration, retentionMinutes int) *Service {
	return &Service{
		hot:              hot,
		router:           router,
		cache:            newResultCache(),
		tolerance:        tolerance,
		retentionMinutes: retentionMinutes,
		now:              time.Now,
	}
}

// includeRealtime reports whether hot deltas belong in the result: the
// range is open-ended, or its end is within the tolerance window of now.
func (s *Service) includeRealtime(r model.TimeRange) bool {
	if r.End.IsZero() {
		return true
	}
	return s.now().Sub(r.End) <= s.tolerance
}

// ParseTimeRange interprets optional start/end query parameters. Values are
// RFC 3339 timestamps or unix milliseconds. A single missing or malformed
// bound degrades to the open side; both bounds present but unparsable, or
// start after end, is a caller error.
func ParseTimeRange(startStr, endStr string) (model.TimeRange, error) {
	start, startErr := parseTimestamp(startStr)
	end, endErr := parseTimestamp(endStr)

	if startStr != "" && endStr != "" && startErr != nil && endErr != nil {
		return model.TimeRange{}, fmt.Errorf("%w: %q .. %q", ErrBadTimeRange, startStr, endStr)
	}
	if startErr != nil {
		start = time.Time{}
	}
	if endErr != nil {
		end = time.Time{}
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return model.TimeRange{}, fmt.Errorf("%w: start %s after end %s", ErrBadTimeRange, start, end)
	}
	return model.TimeRange{Start: start, End: end}, nil
}

func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC(), nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", v)
}

func rangeKey(r model.TimeRange) string {
	return strconv.FormatInt(r.Start.UnixMilli(), 10) + "-" + strconv.FormatInt(r.End.UnixMilli(), 10)
}

func optsKey(opts model.ListOptions) string {
	return fmt.Sprintf("%d:%d:%s:%s", opts.Limit, opts.Offset, opts.SortBy, strings.ToLower(opts.Search))
}

// page carries a paginated result through the cache.
type page struct {
	Rows  []model.StatRow `json:"rows"`
	Total int             `json:"total"`
}

// Summary returns backend totals for the range. Hot and cold byte counters
// add exactly; the distinct domain/IP/rule counts cannot be unioned across
// tiers without the underlying sets, so the larger tier's count is used.
func (s *Service) Summary(ctx context.Context, backendID string, r model.TimeRange) (model.Summary, error) {
	live := s.includeRealtime(r)
	key := backendID + "|summary|" + rangeKey(r)
	return cached(s.cache, key, live, func() (model.Summary, error) {
		out, err := s.router.Summary(ctx, backendID, r)
		if err != nil {
			return model.Summary{}, err
		}
		if !live {
			return out, nil
		}
		hot, ok := s.hot.SummaryDelta(backendID)
		if !ok {
			return out, nil
		}
		out.TotalUpload += hot.TotalUpload
		out.TotalDownload += hot.TotalDownload
		out.TotalConnections += hot.TotalConnections
		out.TotalDomains = max(out.TotalDomains, hot.TotalDomains)
		out.TotalIPs = max(out.TotalIPs, hot.TotalIPs)
		out.TotalRules = max(out.TotalRules, hot.TotalRules)
		if hot.LastUpdated.After(out.LastUpdated) {
			out.LastUpdated = hot.LastUpdated
		}
		return out, nil
	})
}

// topStats is the shared cold-page + hot-merge path for the paginated
// dimension reads.
func (s *Service) topStats(ctx context.Context, backendID string, dim model.Dimension, r model.TimeRange, opts model.ListOptions,
	merge func(string, []model.StatRow, model.ListOptions) ([]model.StatRow, int)) ([]model.StatRow, int, error) {

	opts = opts.Normalize()
	live := s.includeRealtime(r)
	key := backendID + "|top:" + string(dim) + "|" + rangeKey(r) + "|" + optsKey(opts)

	out, err := cached(s.cache, key, live, func() (page, error) {
		rows, total, err := s.router.TopStats(ctx, backendID, dim, r, opts)
		if err != nil {
			return page{}, err
		}
		if live {
			merged, injected := merge(backendID, rows, opts)
			rows, total = merged, total+injected
		}
		return page{Rows: rows, Total: total}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out.Rows, out.Total, nil
}

// DomainStats lists per-domain totals, paginated.
func (s *Service) DomainStats(ctx context.Context, backendID string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	return s.topStats(ctx, backendID, model.DimensionDomain, r, opts, s.hot.MergeDomains)
}

// IPStats lists per-IP totals, paginated. Search matches the IP itself or
// any domain that resolved to it.
func (s *Service) IPStats(ctx context.Context, backendID string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	return s.topStats(ctx, backendID, model.DimensionIP, r, opts, s.hot.MergeIPs)
}

// RuleStats lists per-rule totals, paginated.
func (s *Service) RuleStats(ctx context.Context, backendID string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	return s.topStats(ctx, backendID, model.DimensionRule, r, opts, s.hot.MergeRules)
}

// DeviceStats lists per-source-IP totals, paginated.
func (s *Service) DeviceStats(ctx context.Context, backendID string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	return s.topStats(ctx, backendID, model.DimensionSourceIP, r, opts, s.hot.MergeDevices)
}

// ProxyStats lists per-exit-proxy totals. The proxy is the first hop of the
// terminal-first chain; cold rows are keyed by the full chain string, so
// they are folded down to their first hop here. Chain cardinality is small,
// so the whole set is aggregated in memory and paginated afterwards.
func (s *Service) ProxyStats(ctx context.Context, backendID string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	opts = opts.Normalize()
	live := s.includeRealtime(r)
	key := backendID + "|proxies|" + rangeKey(r) + "|" + optsKey(opts)

	out, err := cached(s.cache, key, live, func() (page, error) {
		chainOpts := model.ListOptions{Limit: 1000, SortBy: opts.SortBy}
		chains, _, err := s.router.TopStats(ctx, backendID, model.DimensionChain, r, chainOpts)
		if err != nil {
			return page{}, err
		}
		cold := foldChainsToProxies(chains)
		if live {
			cold, _ = s.hot.MergeProxies(backendID, cold, model.ListOptions{Limit: 1000, SortBy: opts.SortBy})
		}
		return paginate(cold, opts), nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out.Rows, out.Total, nil
}

// CountryStats lists per-country totals. Country is not part of the fact
// key, so the breakdown covers the live window only.
func (s *Service) CountryStats(ctx context.Context, backendID string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	opts = opts.Normalize()
	if !s.includeRealtime(r) {
		return nil, 0, nil
	}
	rows, total := s.hot.MergeCountries(backendID, nil, opts)
	return rows, total, nil
}

// RuleDomains lists the domains routed by one rule, paginated.
func (s *Service) RuleDomains(ctx context.Context, backendID, rule string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	return s.ruleBreakdown(ctx, backendID, rule, model.DimensionDomain, r, opts, s.hot.MergeRuleDomains)
}

// RuleIPs lists the IPs routed by one rule, paginated.
func (s *Service) RuleIPs(ctx context.Context, backendID, rule string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	return s.ruleBreakdown(ctx, backendID, rule, model.DimensionIP, r, opts, s.hot.MergeRuleIPs)
}

func (s *Service) ruleBreakdown(ctx context.Context, backendID, rule string, dim model.Dimension, r model.TimeRange, opts model.ListOptions,
	merge func(string, string, []model.StatRow, model.ListOptions) ([]model.StatRow, int)) ([]model.StatRow, int, error) {

	opts = opts.Normalize()
	live := s.includeRealtime(r)
	key := backendID + "|rule:" + rule + ":" + string(dim) + "|" + rangeKey(r) + "|" + optsKey(opts)

	out, err := cached(s.cache, key, live, func() (page, error) {
		rows, err := s.router.RuleBreakdown(ctx, backendID, rule, dim, r, opts)
		if err != nil {
			return page{}, err
		}
		total := opts.Offset + len(rows)
		if live {
			merged, injected := merge(backendID, rule, rows, opts)
			rows, total = merged, total+injected
		}
		return page{Rows: rows, Total: total}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out.Rows, out.Total, nil
}

// DeviceDomains lists the domains one device visited. Per-device nesting is
// not part of the fact key, so the drill-down covers the live window only.
func (s *Service) DeviceDomains(ctx context.Context, backendID, device string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	opts = opts.Normalize()
	if !s.includeRealtime(r) {
		return nil, 0, nil
	}
	rows, total := s.hot.MergeDeviceDomains(backendID, device, nil, opts)
	return rows, total, nil
}

// DeviceIPs lists the IPs one device connected to, live window only.
func (s *Service) DeviceIPs(ctx context.Context, backendID, device string, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	opts = opts.Normalize()
	if !s.includeRealtime(r) {
		return nil, 0, nil
	}
	rows, total := s.hot.MergeDeviceIPs(backendID, device, nil, opts)
	return rows, total, nil
}

// ruleChainRows assembles the merged (rule, chain) totals for the range:
// cold rollup rows plus hot deltas, then short chains remapped onto the
// full chains observed in the same window.
func (s *Service) ruleChainRows(ctx context.Context, backendID string, r model.TimeRange) ([]model.RuleChainRow, error) {
	rows, err := s.router.RuleChainTotals(ctx, backendID, r)
	if err != nil {
		return nil, err
	}
	if s.includeRealtime(r) {
		rows = mergeRuleChainRows(rows, s.hot.RuleChainDeltas(backendID))
	}
	return chainflow.RemapToFullChains(rows, rows), nil
}

// AllRuleChainFlows builds the routing graph over every rule in the range.
func (s *Service) AllRuleChainFlows(ctx context.Context, backendID string, r model.TimeRange) (model.FlowGraph, error) {
	live := s.includeRealtime(r)
	key := backendID + "|chainflows|" + rangeKey(r)
	return cached(s.cache, key, live, func() (model.FlowGraph, error) {
		rows, err := s.ruleChainRows(ctx, backendID, r)
		if err != nil {
			return model.FlowGraph{}, err
		}
		return chainflow.BuildGraph(rows, s.hot.Policies(backendID)), nil
	})
}

// RuleChainFlow builds the routing graph restricted to one rule.
func (s *Service) RuleChainFlow(ctx context.Context, backendID, rule string, r model.TimeRange) (model.FlowGraph, error) {
	live := s.includeRealtime(r)
	key := backendID + "|chainflow:" + rule + "|" + rangeKey(r)
	return cached(s.cache, key, live, func() (model.FlowGraph, error) {
		rows, err := s.ruleChainRows(ctx, backendID, r)
		if err != nil {
			return model.FlowGraph{}, err
		}
		kept := rows[:0]
		for _, row := range rows {
			if row.Rule == rule {
				kept = append(kept, row)
			}
		}
		return chainflow.BuildGraph(kept, s.hot.Policies(backendID)), nil
	})
}

// TrafficTrend returns the time-bucketed byte series for the trailing
// window of `minutes`, re-bucketed to bucketMinutes.
func (s *Service) TrafficTrend(ctx context.Context, backendID string, minutes, bucketMinutes int) ([]model.TrendPoint, error) {
	if minutes <= 0 {
		minutes = s.retentionMinutes
	}
	if bucketMinutes <= 0 {
		bucketMinutes = 1
	}
	// Both bounds set, so short trailing windows route to the minute rollup
	// and cold bucket keys line up with the re-bucketed hot minutes.
	now := s.now().UTC()
	r := model.TimeRange{Start: now.Add(-time.Duration(minutes) * time.Minute), End: now}

	key := backendID + "|trend|" + strconv.Itoa(minutes) + ":" + strconv.Itoa(bucketMinutes)
	return cached(s.cache, key, true, func() ([]model.TrendPoint, error) {
		cold, err := s.router.Trend(ctx, backendID, r, bucketMinutes)
		if err != nil {
			return nil, err
		}
		return s.hot.MergeTrend(backendID, cold, minutes, bucketMinutes), nil
	})
}

// Clear wipes one backend: hot state, local rollups, and cached results.
// The columnar mirror keeps its history.
func (s *Service) Clear(ctx context.Context, backendID string) error {
	s.hot.ClearBackend(backendID)
	s.cache.invalidate(backendID + "|")
	return s.router.ClearBackend(ctx, backendID)
}

// BackendIDs lists the backends with live state.
func (s *Service) BackendIDs() []string {
	return s.hot.BackendIDs()
}

// StartMetricsLogger logs throughput counters on a fixed interval until the
// returned stop function is called. dropped reports cumulative mirror batch
// drops; pass nil when no mirror is configured.
func (s *Service) StartMetricsLogger(interval time.Duration, dropped func() int64) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				var dropCount int64
				if dropped != nil {
					dropCount = dropped()
				}
				hits, misses := s.cache.stats()
				ratio := 0.0
				if hits+misses > 0 {
					ratio = float64(hits) / float64(hits+misses)
				}
				log.Printf("Stats: events_ingested=%d mirror_batches_dropped=%d cache_hit_ratio=%.2f",
					s.hot.EventsIngested(), dropCount, ratio)
			}
		}
	}()
	return func() { close(done) }
}

// foldChainsToProxies collapses full-chain rows onto their first hop.
func foldChainsToProxies(chains []model.StatRow) []model.StatRow {
	byProxy := make(map[string]int)
	var out []model.StatRow
	for _, row := range chains {
		proxy := row.Key
		if segs := chainflow.SplitChain(row.Key); len(segs) > 0 {
			proxy = segs[0]
		}
		i, ok := byProxy[proxy]
		if !ok {
			byProxy[proxy] = len(out)
			row.Key = proxy
			out = append(out, row)
			continue
		}
		agg := &out[i]
		agg.Upload += row.Upload
		agg.Download += row.Download
		agg.Connections += row.Connections
		if row.LastSeen.After(agg.LastSeen) {
			agg.LastSeen = row.LastSeen
		}
	}
	return out
}

// paginate sorts and slices an in-memory row set the way the SQL path does.
func paginate(rows []model.StatRow, opts model.ListOptions) page {
	if opts.Search != "" {
		needle := strings.ToLower(opts.Search)
		kept := rows[:0]
		for _, row := range rows {
			if strings.Contains(strings.ToLower(row.Key), needle) {
				kept = append(kept, row)
			}
		}
		rows = kept
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return opts.SortBy.Less(rows[i], rows[j])
	})
	total := len(rows)
	if opts.Offset >= len(rows) {
		return page{Rows: []model.StatRow{}, Total: total}
	}
	rows = rows[opts.Offset:]
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return page{Rows: rows, Total: total}
}

// mergeRuleChainRows adds hot (rule, chain) deltas onto the cold rows.
func mergeRuleChainRows(cold, hot []model.RuleChainRow) []model.RuleChainRow {
	if len(hot) == 0 {
		return cold
	}
	index := make(map[[2]string]int, len(cold))
	for i, row := range cold {
		index[[2]string{row.Rule, row.Chain}] = i
	}
	for _, h := range hot {
		k := [2]string{h.Rule, h.Chain}
		if i, ok := index[k]; ok {
			cold[i].Upload += h.Upload
			cold[i].Download += h.Download
			cold[i].Connections += h.Connections
		} else {
			index[k] = len(cold)
			cold = append(cold, h)
		}
	}
	sort.Slice(cold, func(i, j int) bool {
		if cold[i].Rule != cold[j].Rule {
			return cold[i].Rule < cold[j].Rule
		}
		return cold[i].Chain < cold[j].Chain
	})
	return cold
}
