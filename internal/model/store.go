package model

import "context"

// FactReader is the read contract shared by the local rollup store and the
// columnar accelerator. Implementations answer from pre-aggregated rollup
// tables, never by scanning raw logs.
type FactReader interface {
	// Summary returns backend-level totals over the range.
	Summary(ctx context.Context, backendID string, g Granularity, r TimeRange) (Summary, error)

	// TopStats returns aggregated rows for one dimension, ordered by the
	// requested sort key, plus the total number of matching keys.
	TopStats(ctx context.Context, backendID string, dim Dimension, g Granularity, r TimeRange, opts ListOptions) ([]StatRow, int, error)

	// RuleBreakdown returns per-domain or per-IP rows for a single rule.
	RuleBreakdown(ctx context.Context, backendID, rule string, dim Dimension, g Granularity, r TimeRange, opts ListOptions) ([]StatRow, error)

	// RuleChainTotals returns historical totals per (rule, chain) pair.
	RuleChainTotals(ctx context.Context, backendID string, g Granularity, r TimeRange) ([]RuleChainRow, error)

	// Trend returns the time-bucketed series at bucketMinutes granularity.
	Trend(ctx context.Context, backendID string, g Granularity, r TimeRange, bucketMinutes int) ([]TrendPoint, error)
}

// FactStore is the durable local rollup store.
type FactStore interface {
	FactReader

	// WriteFacts additively upserts rows into both the minute and hour
	// rollup tables, so either granularity answers any range by itself.
	WriteFacts(ctx context.Context, backendID string, rows []FactRow) error

	// PruneMinutes drops minute rows older than the fine-grained horizon;
	// the hour rollup remains the long-term record.
	PruneMinutes(ctx context.Context, backendID string) error

	// ClearBackend removes all persisted rows for a backend.
	ClearBackend(ctx context.Context, backendID string) error

	Close() error
}
