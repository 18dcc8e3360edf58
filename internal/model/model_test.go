package model

import (
	"testing"
	"time"
)

func TestMinuteKey(t *testing.T) {
	ts := time.Date(2026, 8, 30, 10, 15, 42, 999, time.FixedZone("CST", 8*3600))
	got := MinuteKey(ts)
	if got != "2026-08-30T02:15:00" {
		t.Errorf("MinuteKey = %q, want UTC minute truncation", got)
	}
}

func TestListOptionsNormalize(t *testing.T) {
	opts := ListOptions{}.Normalize()
	if opts.Limit != 50 || opts.Offset != 0 || opts.SortBy != SortByDownload {
		t.Errorf("defaults = %+v", opts)
	}

	opts = ListOptions{Limit: 100000, Offset: -3, SortBy: "bogus"}.Normalize()
	if opts.Limit != 1000 {
		t.Errorf("Limit = %d, want clamp to 1000", opts.Limit)
	}
	if opts.Offset != 0 {
		t.Errorf("Offset = %d, want clamp to 0", opts.Offset)
	}
	if opts.SortBy != SortByDownload {
		t.Errorf("SortBy = %q, want fallback to download", opts.SortBy)
	}
}

func TestSortKeyLessDescending(t *testing.T) {
	a := StatRow{Key: "a", Upload: 10, Download: 100, Connections: 1, LastSeen: time.Unix(100, 0)}
	b := StatRow{Key: "b", Upload: 20, Download: 50, Connections: 2, LastSeen: time.Unix(200, 0)}

	if !SortByDownload.Less(a, b) {
		t.Error("download sort must put the heavier download first")
	}
	if SortByUpload.Less(a, b) {
		t.Error("upload sort must put b first")
	}
	if SortByConnections.Less(a, b) {
		t.Error("connections sort must put b first")
	}
	if SortByLastSeen.Less(a, b) {
		t.Error("last-seen sort must put the newer row first")
	}
}

func TestTimeRange(t *testing.T) {
	if !(TimeRange{}).IsZero() {
		t.Error("empty range must be zero")
	}
	r := TimeRange{Start: time.Unix(0, 0).Add(time.Hour)}
	if r.IsZero() {
		t.Error("half-open range is not zero")
	}
	r = TimeRange{Start: time.Unix(1000, 0), End: time.Unix(4600, 0)}
	if r.Duration() != time.Hour {
		t.Errorf("Duration = %v, want 1h", r.Duration())
	}
}
