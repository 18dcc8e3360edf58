package stats

import (
	"context"
	"fmt"
	"log"
	"time"

	"FlowScope/internal/model"
)

const (
	// Ranges at or under this read the minute rollup; longer ranges read
	// the hour rollup with the start floored to the hour.
	minuteRollupMaxRange = 6 * time.Hour

	// Ranges longer than this that reach into the current, not-yet-completed
	// hour are split into an hour segment plus a minute tail.
	splitThreshold = 2 * time.Hour
)

// Segment is one contiguous slice of a query range bound to a rollup
// granularity.
type Segment struct {
	Range       model.TimeRange
	Granularity model.Granularity
}

// PickGranularity chooses the rollup table for a range. Flooring the start
// of an hour-granularity query admits up to ~59 minutes of extra data; that
// is a documented approximation which shrinks as a fraction of the total
// range as the range grows.
func PickGranularity(r model.TimeRange, minuteHorizon time.Duration, now time.Time) Segment {
	if r.IsZero() {
		return Segment{Range: r, Granularity: model.GranularityHour}
	}
	if !r.End.IsZero() && minuteHorizon > 0 && r.End.Before(now.Add(-minuteHorizon)) {
		// The fine rollup has been pruned for this window.
		return hourSegment(r)
	}
	if r.Duration() > 0 && r.Duration() <= minuteRollupMaxRange {
		return Segment{Range: r, Granularity: model.GranularityMinute}
	}
	return hourSegment(r)
}

func hourSegment(r model.TimeRange) Segment {
	if !r.Start.IsZero() {
		r.Start = r.Start.UTC().Truncate(time.Hour)
	}
	return Segment{Range: r, Granularity: model.GranularityHour}
}

// SplitFactRange splits a range that is longer than two hours and extends
// into the current hour into an hour-rollup segment covering the completed
// hours plus a minute-rollup segment covering the partial hour. The two
// segments share a boundary, so nothing is double counted and nothing falls
// into a gap. Ranges that do not qualify come back as a single segment.
func SplitFactRange(r model.TimeRange, minuteHorizon time.Duration, now time.Time) []Segment {
	hourStart := now.UTC().Truncate(time.Hour)
	qualifies := !r.Start.IsZero() && !r.End.IsZero() &&
		r.Duration() > splitThreshold &&
		r.End.After(hourStart) &&
		r.Start.Before(hourStart)
	if !qualifies {
		return []Segment{PickGranularity(r, minuteHorizon, now)}
	}

	return []Segment{
		{
			Range:       model.TimeRange{Start: r.Start.UTC().Truncate(time.Hour), End: hourStart},
			Granularity: model.GranularityHour,
		},
		{
			Range:       model.TimeRange{Start: hourStart, End: r.End},
			Granularity: model.GranularityMinute,
		},
	}
}

// Router picks the cheapest correct data source for each cold query: fine
// or coarse rollup, local store or the columnar accelerator. The
// accelerator is an optional cache of the same facts, never a second source
// of truth: any failed or partial response falls back to the local store
// wholesale, unless strict mode turns that fallback into a surfaced error.
type Router struct {
	local    model.FactStore
	columnar model.FactReader // nil when the accelerator is disabled

	strict        bool
	freshness     time.Duration
	minuteHorizon time.Duration
	now           func() time.Time
}

// NewRouter wires a router over the local store and optional accelerator.
func NewRouter(local model.FactStore, accel model.FactReader, strict bool, freshness, minuteHorizon time.Duration) *Router {
	return &Router{
		local:         local,
		columnar:      accel,
		strict:        strict,
		freshness:     freshness,
		minuteHorizon: minuteHorizon,
		now:           time.Now,
	}
}

// useColumnar reports whether the accelerator should serve this range: it
// must be configured, and the range must end far enough in the past that
// the mirror lag cannot under-report it.
func (rt *Router) useColumnar(r model.TimeRange) bool {
	if rt.columnar == nil {
		return false
	}
	if r.End.IsZero() {
		return false
	}
	return rt.now().Sub(r.End) >= rt.freshness
}

// tiered runs the query against the accelerator when the range is eligible,
// falling back to the local store on any failure; in strict mode the failure
// surfaces instead.
func tiered[T any](rt *Router, r model.TimeRange, what string, fn func(model.FactReader) (T, error)) (T, error) {
	if rt.useColumnar(r) {
		out, err := fn(rt.columnar)
		if err == nil {
			return out, nil
		}
		if rt.strict {
			var zero T
			return zero, fmt.Errorf("columnar %s failed in strict mode: %w", what, err)
		}
		log.Printf("QueryRouter: columnar %s failed, falling back to local store: %v", what, err)
	}
	return fn(rt.local)
}

// ClearBackend wipes a backend's rows from the local store. The columnar
// mirror is append-only and keeps its copy.
func (rt *Router) ClearBackend(ctx context.Context, backendID string) error {
	return rt.local.ClearBackend(ctx, backendID)
}

// Summary sums backend totals across the range's segments. Byte and
// connection counters add exactly; distinct-key counts cannot be unioned
// across segments without the underlying sets, so the largest segment's
// count is used, matching the hot/cold reconciliation upstream.
func (rt *Router) Summary(ctx context.Context, backendID string, r model.TimeRange) (model.Summary, error) {
	segments := SplitFactRange(r, rt.minuteHorizon, rt.now())

	var out model.Summary
	for _, seg := range segments {
		part, err := tiered(rt, seg.Range, "summary",
			func(reader model.FactReader) (model.Summary, error) {
				return reader.Summary(ctx, backendID, seg.Granularity, seg.Range)
			})
		if err != nil {
			return model.Summary{}, err
		}
		out.TotalUpload += part.TotalUpload
		out.TotalDownload += part.TotalDownload
		out.TotalConnections += part.TotalConnections
		out.TotalDomains = max(out.TotalDomains, part.TotalDomains)
		out.TotalIPs = max(out.TotalIPs, part.TotalIPs)
		out.TotalRules = max(out.TotalRules, part.TotalRules)
		if part.LastUpdated.After(out.LastUpdated) {
			out.LastUpdated = part.LastUpdated
		}
	}
	return out, nil
}

// TopStats serves a dimension query from a single rollup segment; top-N
// pagination cannot be stitched across segments, so the granularity pick
// covers the whole range.
func (rt *Router) TopStats(ctx context.Context, backendID string, dim model.Dimension, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	seg := PickGranularity(r, rt.minuteHorizon, rt.now())

	type page struct {
		rows  []model.StatRow
		total int
	}
	out, err := tiered(rt, seg.Range, "top stats",
		func(reader model.FactReader) (page, error) {
			rows, total, err := reader.TopStats(ctx, backendID, dim, seg.Granularity, seg.Range, opts)
			return page{rows, total}, err
		})
	if err != nil {
		return nil, 0, err
	}
	return out.rows, out.total, nil
}

// RuleBreakdown serves per-rule domain/IP rows.
func (rt *Router) RuleBreakdown(ctx context.Context, backendID, rule string, dim model.Dimension, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, error) {
	seg := PickGranularity(r, rt.minuteHorizon, rt.now())
	return tiered(rt, seg.Range, "rule breakdown",
		func(reader model.FactReader) ([]model.StatRow, error) {
			return reader.RuleBreakdown(ctx, backendID, rule, dim, seg.Granularity, seg.Range, opts)
		})
}

// RuleChainTotals serves (rule, chain) historical totals.
func (rt *Router) RuleChainTotals(ctx context.Context, backendID string, r model.TimeRange) ([]model.RuleChainRow, error) {
	seg := PickGranularity(r, rt.minuteHorizon, rt.now())
	return tiered(rt, seg.Range, "rule chain totals",
		func(reader model.FactReader) ([]model.RuleChainRow, error) {
			return reader.RuleChainTotals(ctx, backendID, seg.Granularity, seg.Range)
		})
}

// Trend merges trend series across the range's segments.
func (rt *Router) Trend(ctx context.Context, backendID string, r model.TimeRange, bucketMinutes int) ([]model.TrendPoint, error) {
	segments := SplitFactRange(r, rt.minuteHorizon, rt.now())

	var out []model.TrendPoint
	for _, seg := range segments {
		part, err := tiered(rt, seg.Range, "trend",
			func(reader model.FactReader) ([]model.TrendPoint, error) {
				return reader.Trend(ctx, backendID, seg.Granularity, seg.Range, bucketMinutes)
			})
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}
