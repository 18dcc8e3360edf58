package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"FlowScope/internal/config"
	"FlowScope/internal/model"
	"FlowScope/internal/realtime"
)

// fakeFactStore is a canned-answer FactStore for service-level tests.
type fakeFactStore struct {
	summary   model.Summary
	rows      []model.StatRow
	total     int
	chainRows []model.RuleChainRow
	trend     []model.TrendPoint
	err       error

	summaryCalls     int
	cleared          []string
	trendGranularity model.Granularity
	trendRange       model.TimeRange
}

func (f *fakeFactStore) Summary(ctx context.Context, backendID string, g model.Granularity, r model.TimeRange) (model.Summary, error) {
	f.summaryCalls++
	return f.summary, f.err
}

func (f *fakeFactStore) TopStats(ctx context.Context, backendID string, dim model.Dimension, g model.Granularity, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	return f.rows, f.total, f.err
}

func (f *fakeFactStore) RuleBreakdown(ctx context.Context, backendID, rule string, dim model.Dimension, g model.Granularity, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, error) {
	return f.rows, f.err
}

func (f *fakeFactStore) RuleChainTotals(ctx context.Context, backendID string, g model.Granularity, r model.TimeRange) ([]model.RuleChainRow, error) {
	return f.chainRows, f.err
}

func (f *fakeFactStore) Trend(ctx context.Context, backendID string, g model.Granularity, r model.TimeRange, bucketMinutes int) ([]model.TrendPoint, error) {
	f.trendGranularity = g
	f.trendRange = r
	return f.trend, f.err
}

func (f *fakeFactStore) WriteFacts(ctx context.Context, backendID string, rows []model.FactRow) error {
	for _, row := range rows {
		f.summary.TotalUpload += row.Upload
		f.summary.TotalDownload += row.Download
		f.summary.TotalConnections += row.Connections
	}
	return nil
}

func (f *fakeFactStore) PruneMinutes(ctx context.Context, backendID string) error { return nil }

func (f *fakeFactStore) ClearBackend(ctx context.Context, backendID string) error {
	f.cleared = append(f.cleared, backendID)
	return nil
}

func (f *fakeFactStore) Close() error { return nil }

func newTestService(cold *fakeFactStore) (*Service, *realtime.Store) {
	hot := realtime.New(config.RealtimeConfig{
		RetentionMinutes: 180,
		MaxEntries:       50000,
		DeviceMaxEntries: 10000,
		EvictCheckEvery:  64,
	})
	router := NewRouter(cold, nil, false, 5*time.Minute, 48*time.Hour)
	return NewService(hot, router, 2*time.Minute, 180), hot
}

func TestServiceSummaryAddsHotAndCold(t *testing.T) {
	cold := &fakeFactStore{summary: model.Summary{
		TotalUpload: 1000, TotalDownload: 2000, TotalConnections: 10,
		TotalDomains: 3,
	}}
	svc, hot := newTestService(cold)

	hot.RecordTraffic("default", model.TrafficEvent{
		Domain: "google.com", Rule: "Match", Upload: 500, Download: 3000, Timestamp: time.Now(),
	})
	hot.RecordTraffic("default", model.TrafficEvent{
		Domain: "github.com", Rule: "Match", Upload: 200, Download: 1500, Timestamp: time.Now(),
	})

	got, err := svc.Summary(context.Background(), "default", model.TimeRange{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got.TotalUpload != 1700 || got.TotalDownload != 6500 || got.TotalConnections != 12 {
		t.Errorf("totals = %d/%d/%d, want 1700/6500/12", got.TotalUpload, got.TotalDownload, got.TotalConnections)
	}
	// Distinct counts take the larger tier: 3 cold vs 2 hot.
	if got.TotalDomains != 3 {
		t.Errorf("TotalDomains = %d, want 3", got.TotalDomains)
	}
}

func TestServiceSummaryAfterFlushCycle(t *testing.T) {
	cold := &fakeFactStore{}
	svc, hot := newTestService(cold)

	hot.RecordTraffic("default", model.TrafficEvent{
		Domain: "google.com", Rule: "Match", Upload: 500, Download: 3000, Timestamp: time.Now(),
	})
	hot.RecordTraffic("default", model.TrafficEvent{
		Domain: "github.com", Rule: "Match", Upload: 200, Download: 1500, Timestamp: time.Now(),
	})

	// One flush cycle: the drained deltas land in cold storage.
	rows := hot.DrainFacts("default")
	if len(rows) == 0 {
		t.Fatal("drain returned no fact rows")
	}
	if err := cold.WriteFacts(context.Background(), "default", rows); err != nil {
		t.Fatalf("WriteFacts: %v", err)
	}

	got, err := svc.Summary(context.Background(), "default", model.TimeRange{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	// Flushed traffic now lives cold-side only; the merged totals must
	// equal the recorded sums exactly, not twice.
	if got.TotalUpload != 700 || got.TotalDownload != 4500 || got.TotalConnections != 2 {
		t.Errorf("totals after flush = %d/%d/%d, want 700/4500/2",
			got.TotalUpload, got.TotalDownload, got.TotalConnections)
	}
}

func TestServiceSummaryHistoricalRangeSkipsHot(t *testing.T) {
	cold := &fakeFactStore{summary: model.Summary{TotalUpload: 1000}}
	svc, hot := newTestService(cold)

	hot.RecordTraffic("default", model.TrafficEvent{
		Domain: "google.com", Rule: "Match", Upload: 999, Download: 999, Timestamp: time.Now(),
	})

	end := time.Now().Add(-1 * time.Hour)
	r := model.TimeRange{Start: end.Add(-1 * time.Hour), End: end}
	got, err := svc.Summary(context.Background(), "default", r)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got.TotalUpload != 1000 {
		t.Errorf("TotalUpload = %d, want cold-only 1000", got.TotalUpload)
	}
}

func TestServiceDomainStatsInjectsHotRows(t *testing.T) {
	cold := &fakeFactStore{
		rows:  []model.StatRow{{Key: "cold.example.com", Download: 100}},
		total: 1,
	}
	svc, hot := newTestService(cold)
	hot.RecordTraffic("default", model.TrafficEvent{
		Domain: "hot.example.com", Rule: "Match", Upload: 1, Download: 500, Timestamp: time.Now(),
	})

	rows, total, err := svc.DomainStats(context.Background(), "default", model.TimeRange{}, model.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("DomainStats: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want cold total plus one injected row", total)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// Default sort is download descending; the hot row is heavier.
	if rows[0].Key != "hot.example.com" {
		t.Errorf("rows[0] = %q", rows[0].Key)
	}
}

func TestServiceProxyStatsFoldsChains(t *testing.T) {
	cold := &fakeFactStore{
		rows: []model.StatRow{
			{Key: "HK-01 > Proxy > Rules", Download: 100},
			{Key: "HK-01 > Media > Rules", Download: 50},
			{Key: "US-02 > Proxy > Rules", Download: 30},
		},
		total: 3,
	}
	svc, _ := newTestService(cold)

	rows, total, err := svc.ProxyStats(context.Background(), "default", model.TimeRange{}, model.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ProxyStats: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want chains folded to 2 proxies", total)
	}
	if len(rows) != 2 || rows[0].Key != "HK-01" || rows[0].Download != 150 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestServiceChainFlowFiltersByRule(t *testing.T) {
	cold := &fakeFactStore{chainRows: []model.RuleChainRow{
		{Rule: "Rules", Chain: "HK-01 > Proxy > Rules", Upload: 10, Download: 100, Connections: 1},
		{Rule: "Media", Chain: "US-02 > Media > Rules", Upload: 5, Download: 50, Connections: 1},
	}}
	svc, _ := newTestService(cold)

	g, err := svc.RuleChainFlow(context.Background(), "default", "Rules", model.TimeRange{})
	if err != nil {
		t.Fatalf("RuleChainFlow: %v", err)
	}
	for _, n := range g.Nodes {
		if n.Name == "Media" {
			t.Error("graph for rule 'Rules' contains another rule's nodes")
		}
	}
	if len(g.Nodes) == 0 {
		t.Error("graph for rule 'Rules' is empty")
	}
}

func TestServiceTrafficTrendReadsMinuteRollup(t *testing.T) {
	cold := &fakeFactStore{}
	svc, hot := newTestService(cold)

	now := time.Now().UTC()
	bucket := model.MinuteKey(now.Truncate(5 * time.Minute))
	cold.trend = []model.TrendPoint{{Timestamp: bucket, Upload: 100, Download: 1000}}

	hot.RecordTraffic("default", model.TrafficEvent{
		Domain: "a.com", Rule: "Match", Upload: 1, Download: 2, Timestamp: now,
	})

	points, err := svc.TrafficTrend(context.Background(), "default", 120, 5)
	if err != nil {
		t.Fatalf("TrafficTrend: %v", err)
	}
	if cold.trendGranularity != model.GranularityMinute {
		t.Errorf("trailing 2h window read the %s rollup, want minute", cold.trendGranularity)
	}
	if cold.trendRange.End.IsZero() {
		t.Error("trend range must be closed at now")
	}

	// The cold bucket and the re-bucketed hot minute share a key, so they
	// merge into a single point instead of interleaving.
	found := false
	for _, p := range points {
		if p.Timestamp != bucket {
			continue
		}
		found = true
		if p.Upload != 101 || p.Download != 1002 {
			t.Errorf("merged bucket = %d/%d, want 101/1002", p.Upload, p.Download)
		}
	}
	if !found {
		t.Errorf("cold bucket %q missing from merged series: %+v", bucket, points)
	}
}

func TestServiceSummaryErrorPropagates(t *testing.T) {
	cold := &fakeFactStore{err: errors.New("disk gone")}
	svc, _ := newTestService(cold)

	if _, err := svc.Summary(context.Background(), "default", model.TimeRange{}); err == nil {
		t.Error("expected the store error to surface")
	}
}

func TestServiceSummaryCachesLiveResults(t *testing.T) {
	cold := &fakeFactStore{summary: model.Summary{TotalUpload: 1}}
	svc, _ := newTestService(cold)

	ctx := context.Background()
	if _, err := svc.Summary(ctx, "default", model.TimeRange{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Summary(ctx, "default", model.TimeRange{}); err != nil {
		t.Fatal(err)
	}
	if cold.summaryCalls != 1 {
		t.Errorf("summaryCalls = %d, want the second read served from cache", cold.summaryCalls)
	}
}

func TestServiceClearWipesEverything(t *testing.T) {
	cold := &fakeFactStore{summary: model.Summary{TotalUpload: 7}}
	svc, hot := newTestService(cold)
	hot.RecordTraffic("default", model.TrafficEvent{Domain: "a.com", Rule: "Match", Upload: 1, Download: 1, Timestamp: time.Now()})

	if err := svc.Clear(context.Background(), "default"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(cold.cleared) != 1 || cold.cleared[0] != "default" {
		t.Errorf("cold store not cleared: %v", cold.cleared)
	}
	if _, ok := hot.SummaryDelta("default"); ok {
		t.Error("hot state survived clear")
	}
}
