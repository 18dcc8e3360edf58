package stats

import (
	"context"
	"testing"
	"time"

	"FlowScope/internal/model"
)

var testNow = time.Date(2026, 8, 30, 14, 37, 12, 0, time.UTC)

func TestPickGranularityShortRangeUsesMinutes(t *testing.T) {
	r := model.TimeRange{Start: testNow.Add(-2 * time.Hour), End: testNow}
	seg := PickGranularity(r, 48*time.Hour, testNow)
	if seg.Granularity != model.GranularityMinute {
		t.Errorf("granularity = %s, want minute for a 2h range", seg.Granularity)
	}
	if !seg.Range.Start.Equal(r.Start) {
		t.Errorf("minute segment must not floor its start: %v", seg.Range.Start)
	}
}

func TestPickGranularityLongRangeUsesHoursWithFlooredStart(t *testing.T) {
	start := testNow.Add(-30 * time.Hour)
	r := model.TimeRange{Start: start, End: testNow}
	seg := PickGranularity(r, 48*time.Hour, testNow)
	if seg.Granularity != model.GranularityHour {
		t.Errorf("granularity = %s, want hour for a 30h range", seg.Granularity)
	}
	if !seg.Range.Start.Equal(start.Truncate(time.Hour)) {
		t.Errorf("hour segment start = %v, want floored to the hour", seg.Range.Start)
	}
}

func TestPickGranularityPrunedWindowFallsBackToHours(t *testing.T) {
	// A 1h range ending 3 days ago: short, but its minute rows are pruned.
	end := testNow.Add(-72 * time.Hour)
	r := model.TimeRange{Start: end.Add(-time.Hour), End: end}
	seg := PickGranularity(r, 48*time.Hour, testNow)
	if seg.Granularity != model.GranularityHour {
		t.Errorf("granularity = %s, want hour for a pruned window", seg.Granularity)
	}
}

func TestPickGranularityOpenRange(t *testing.T) {
	seg := PickGranularity(model.TimeRange{}, 48*time.Hour, testNow)
	if seg.Granularity != model.GranularityHour {
		t.Errorf("granularity = %s, want hour for an all-time range", seg.Granularity)
	}
}

func TestSplitFactRangeContiguous(t *testing.T) {
	// 3 hours ago to now, reaching into the current hour.
	r := model.TimeRange{Start: testNow.Add(-3 * time.Hour), End: testNow}
	segs := SplitFactRange(r, 48*time.Hour, testNow)

	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Granularity != model.GranularityHour {
		t.Errorf("first segment granularity = %s, want hour", segs[0].Granularity)
	}
	if segs[1].Granularity != model.GranularityMinute {
		t.Errorf("second segment granularity = %s, want minute", segs[1].Granularity)
	}

	// Contiguous, no overlap: the hour segment ends exactly where the
	// minute segment starts, at the current hour boundary.
	hourStart := testNow.Truncate(time.Hour)
	if !segs[0].Range.End.Equal(hourStart) || !segs[1].Range.Start.Equal(hourStart) {
		t.Errorf("segments not contiguous at %v: %v / %v", hourStart, segs[0].Range, segs[1].Range)
	}
	if !segs[1].Range.End.Equal(testNow) {
		t.Errorf("minute segment end = %v, want the original range end", segs[1].Range.End)
	}
}

func TestSplitFactRangeShortRangeStaysWhole(t *testing.T) {
	r := model.TimeRange{Start: testNow.Add(-90 * time.Minute), End: testNow}
	segs := SplitFactRange(r, 48*time.Hour, testNow)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1 for a 90m range", len(segs))
	}
	if segs[0].Granularity != model.GranularityMinute {
		t.Errorf("granularity = %s, want minute", segs[0].Granularity)
	}
}

func TestSplitFactRangeHistoricalRangeStaysWhole(t *testing.T) {
	// Long, but fully in the past: nothing reaches the current hour.
	r := model.TimeRange{Start: testNow.Add(-30 * time.Hour), End: testNow.Add(-10 * time.Hour)}
	segs := SplitFactRange(r, 48*time.Hour, testNow)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Granularity != model.GranularityHour {
		t.Errorf("granularity = %s, want hour", segs[0].Granularity)
	}
}

func TestRouterSummarySplitRangeReconcilesDistinctCounts(t *testing.T) {
	cold := &fakeFactStore{summary: model.Summary{TotalUpload: 100, TotalDomains: 3}}
	rt := NewRouter(cold, nil, false, 5*time.Minute, 48*time.Hour)
	rt.now = func() time.Time { return testNow }

	// 3 hours ago to now: splits into an hour segment plus a minute tail.
	r := model.TimeRange{Start: testNow.Add(-3 * time.Hour), End: testNow}
	got, err := rt.Summary(context.Background(), "default", r)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if cold.summaryCalls != 2 {
		t.Fatalf("summaryCalls = %d, want one per segment", cold.summaryCalls)
	}

	// Byte counters add across segments.
	if got.TotalUpload != 200 {
		t.Errorf("TotalUpload = %d, want 200", got.TotalUpload)
	}
	// A domain active in both segments must not be counted twice: distinct
	// counts take the largest segment, same as the hot/cold reconciliation.
	if got.TotalDomains != 3 {
		t.Errorf("TotalDomains = %d, want 3", got.TotalDomains)
	}
}

func TestParseTimeRange(t *testing.T) {
	// RFC3339 bounds.
	r, err := ParseTimeRange("2026-08-29T10:00:00Z", "2026-08-29T12:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Duration() != 2*time.Hour {
		t.Errorf("duration = %v, want 2h", r.Duration())
	}

	// Unix milliseconds.
	r, err = ParseTimeRange("1756450800000", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Start.IsZero() || !r.End.IsZero() {
		t.Errorf("range = %+v, want open end", r)
	}

	// A single malformed bound degrades to the open side.
	r, err = ParseTimeRange("garbage", "2026-08-29T12:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Start.IsZero() {
		t.Errorf("malformed start should degrade to open, got %v", r.Start)
	}

	// Both bounds present and unparsable is a caller error.
	if _, err := ParseTimeRange("garbage", "junk"); err == nil {
		t.Error("expected an error for two unparsable bounds")
	}

	// Start after end is a caller error.
	if _, err := ParseTimeRange("2026-08-29T12:00:00Z", "2026-08-29T10:00:00Z"); err == nil {
		t.Error("expected an error for start after end")
	}
}

func TestResultCache(t *testing.T) {
	c := newResultCache()

	calls := 0
	fn := func() (int, error) {
		calls++
		return 42, nil
	}

	v, err := cached(c, "k", false, fn)
	if err != nil || v != 42 {
		t.Fatalf("cached = %d, %v", v, err)
	}
	v, _ = cached(c, "k", false, fn)
	if v != 42 || calls != 1 {
		t.Errorf("second lookup recomputed: calls=%d", calls)
	}

	hits, misses := c.stats()
	if hits != 1 || misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", hits, misses)
	}

	c.invalidate("k")
	cached(c, "k", false, fn)
	if calls != 2 {
		t.Errorf("invalidate did not evict: calls=%d", calls)
	}
}
