package rollup

import (
	"context"
	"log"
	"sync"
	"time"

	"FlowScope/internal/model"
	"FlowScope/internal/realtime"
)

// Mirror receives each flushed batch for asynchronous forwarding to the
// columnar accelerator. Enqueue must never block; it reports whether the
// batch was accepted.
type Mirror interface {
	Enqueue(backendID string, rows []model.FactRow) bool
}

// Flusher periodically drains the hot store's fact deltas into the local
// rollup tables, mirrors the same batches to the columnar writer when one
// is configured, and prunes aged minute rows.
type Flusher struct {
	hot    *realtime.Store
	facts  model.FactStore
	mirror Mirror

	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup

	// Batches whose local write failed, held for retry on the next tick.
	// Once drained, the hot store no longer covers this traffic, so
	// dropping a batch here would lose it for good. Only the flush
	// goroutine touches this map.
	pending map[string][]model.FactRow

	lastCompact time.Time
}

// NewFlusher creates a Flusher; mirror may be nil.
func NewFlusher(hot *realtime.Store, facts model.FactStore, mirror Mirror, interval time.Duration) *Flusher {
	return &Flusher{
		hot:      hot,
		facts:    facts,
		mirror:   mirror,
		interval: interval,
		done:     make(chan struct{}),
		pending:  make(map[string][]model.FactRow),
	}
}

// Start launches the flush loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop flushes one final time and waits for the loop to exit.
func (f *Flusher) Stop() {
	close(f.done)
	f.wg.Wait()
}

func (f *Flusher) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flushAll()
		case <-f.done:
			f.flushAll()
			return
		}
	}
}

func (f *Flusher) flushAll() {
	ctx, cancel := context.WithTimeout(context.Background(), f.interval)
	defer cancel()

	ids := f.hot.BackendIDs()

	// Pending batches for backends that no longer have hot state were
	// cleared through the API; rewriting them would resurrect the data.
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}
	for id := range f.pending {
		if !live[id] {
			delete(f.pending, id)
		}
	}

	for _, backendID := range ids {
		rows := f.hot.DrainFacts(backendID)
		if held := f.pending[backendID]; len(held) > 0 {
			rows = append(held, rows...)
			delete(f.pending, backendID)
		}
		if len(rows) == 0 {
			continue
		}
		if err := f.facts.WriteFacts(ctx, backendID, rows); err != nil {
			// Duplicate keys across held batches are harmless: the rollup
			// write is an additive upsert over disjoint drains.
			f.pending[backendID] = rows
			log.Printf("Flusher: failed to write %d fact rows for backend %s, holding for retry: %v", len(rows), backendID, err)
			continue
		}
		if f.mirror != nil {
			f.mirror.Enqueue(backendID, rows)
		}
	}

	// Minute pruning is cheap but pointless to run every flush.
	if time.Since(f.lastCompact) >= time.Hour {
		f.lastCompact = time.Now()
		for _, backendID := range f.hot.BackendIDs() {
			if err := f.facts.PruneMinutes(ctx, backendID); err != nil {
				log.Printf("Flusher: minute pruning failed for backend %s: %v", backendID, err)
			}
		}
	}
}
