package rollup

import (
	"context"
	"errors"
	"testing"
	"time"

	"FlowScope/internal/config"
	"FlowScope/internal/model"
	"FlowScope/internal/realtime"
)

// flakyFactStore fails the first N writes, then records everything.
type flakyFactStore struct {
	model.FactStore
	failWrites int
	written    []model.FactRow
}

func (f *flakyFactStore) WriteFacts(ctx context.Context, backendID string, rows []model.FactRow) error {
	if f.failWrites > 0 {
		f.failWrites--
		return errors.New("database is locked")
	}
	f.written = append(f.written, rows...)
	return nil
}

func (f *flakyFactStore) PruneMinutes(ctx context.Context, backendID string) error { return nil }

func newFlusherTestHot() *realtime.Store {
	return realtime.New(config.RealtimeConfig{
		RetentionMinutes: 180,
		MaxEntries:       1000,
		DeviceMaxEntries: 100,
		EvictCheckEvery:  64,
	})
}

func writtenTotals(rows []model.FactRow) (up, down int64) {
	for _, row := range rows {
		up += row.Upload
		down += row.Download
	}
	return up, down
}

func TestFlusherHoldsFailedBatchForRetry(t *testing.T) {
	hot := newFlusherTestHot()
	hot.RecordTraffic("default", model.TrafficEvent{
		Domain: "google.com", Rule: "Match", Upload: 100, Download: 200, Timestamp: time.Now(),
	})

	store := &flakyFactStore{failWrites: 1}
	f := NewFlusher(hot, store, nil, time.Minute)

	// The first cycle drains the hot store and the write fails. Once
	// drained, the hot store no longer covers this traffic, so the batch
	// must be held rather than dropped.
	f.flushAll()
	if len(store.written) != 0 {
		t.Fatalf("failed write recorded %d rows", len(store.written))
	}
	if len(f.pending["default"]) == 0 {
		t.Fatal("failed batch was dropped instead of held")
	}

	// The next cycle retries the held batch even with no new traffic.
	f.flushAll()
	if up, down := writtenTotals(store.written); up != 100 || down != 200 {
		t.Errorf("retried batch totals = %d/%d, want 100/200", up, down)
	}
	if len(f.pending) != 0 {
		t.Errorf("batch still pending after a successful write: %v", f.pending)
	}

	// Once written, the batch must not be replayed.
	f.flushAll()
	if up, down := writtenTotals(store.written); up != 100 || down != 200 {
		t.Errorf("batch replayed: totals = %d/%d, want 100/200", up, down)
	}
}

func TestFlusherDropsPendingForClearedBackend(t *testing.T) {
	hot := newFlusherTestHot()
	hot.RecordTraffic("default", model.TrafficEvent{
		Domain: "google.com", Rule: "Match", Upload: 7, Download: 7, Timestamp: time.Now(),
	})

	store := &flakyFactStore{failWrites: 1}
	f := NewFlusher(hot, store, nil, time.Minute)
	f.flushAll()

	// Clearing the backend through the API invalidates the held batch;
	// rewriting it would resurrect deleted data.
	hot.ClearBackend("default")
	f.flushAll()
	if len(store.written) != 0 {
		t.Errorf("cleared backend's pending batch was written: %d rows", len(store.written))
	}
	if len(f.pending) != 0 {
		t.Errorf("pending batch survived backend clear: %v", f.pending)
	}
}
