package rollup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"FlowScope/internal/model"
)

// Bucket keys are stored as RFC3339 UTC strings, so lexicographic order is
// chronological and range filters are plain string comparisons.
const bucketLayout = "2006-01-02T15:04:05Z"

const createTablesStatement = `
CREATE TABLE IF NOT EXISTS traffic_facts_minute (
	backend_id  TEXT NOT NULL,
	bucket      TEXT NOT NULL,
	domain      TEXT NOT NULL DEFAULT '',
	ip          TEXT NOT NULL DEFAULT '',
	source_ip   TEXT NOT NULL DEFAULT '',
	chain       TEXT NOT NULL DEFAULT '',
	rule        TEXT NOT NULL DEFAULT '',
	upload      INTEGER NOT NULL DEFAULT 0,
	download    INTEGER NOT NULL DEFAULT 0,
	connections INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_id, bucket, domain, ip, source_ip, chain, rule)
);
CREATE INDEX IF NOT EXISTS idx_facts_minute_backend_bucket ON traffic_facts_minute(backend_id, bucket);

CREATE TABLE IF NOT EXISTS traffic_facts_hour (
	backend_id  TEXT NOT NULL,
	bucket      TEXT NOT NULL,
	domain      TEXT NOT NULL DEFAULT '',
	ip          TEXT NOT NULL DEFAULT '',
	source_ip   TEXT NOT NULL DEFAULT '',
	chain       TEXT NOT NULL DEFAULT '',
	rule        TEXT NOT NULL DEFAULT '',
	upload      INTEGER NOT NULL DEFAULT 0,
	download    INTEGER NOT NULL DEFAULT 0,
	connections INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (backend_id, bucket, domain, ip, source_ip, chain, rule)
);
CREATE INDEX IF NOT EXISTS idx_facts_hour_backend_bucket ON traffic_facts_hour(backend_id, bucket);
`

const upsertFactStatement = `
INSERT INTO %s (backend_id, bucket, domain, ip, source_ip, chain, rule, upload, download, connections)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (backend_id, bucket, domain, ip, source_ip, chain, rule) DO UPDATE SET
	upload = upload + excluded.upload,
	download = download + excluded.download,
	connections = connections + excluded.connections
`

// Store is the durable local rollup store, backed by SQLite. It implements
// model.FactStore.
type Store struct {
	db               *sql.DB
	hourCompactAfter time.Duration
}

// New opens (creating if needed) the rollup database at path.
func New(path string, hourCompactAfter time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create rollup directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open rollup database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTablesStatement); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create rollup tables: %w", err)
	}

	return &Store{db: db, hourCompactAfter: hourCompactAfter}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func tableFor(g model.Granularity) string {
	if g == model.GranularityHour {
		return "traffic_facts_hour"
	}
	return "traffic_facts_minute"
}

// WriteFacts additively upserts a drained batch into both rollup tables.
// The hour bucket is the minute bucket truncated to the hour, so the hour
// rollup stays current through the not-yet-completed hour.
func (s *Store) WriteFacts(ctx context.Context, backendID string, rows []model.FactRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin fact transaction: %w", err)
	}
	defer tx.Rollback()

	minuteStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(upsertFactStatement, "traffic_facts_minute"))
	if err != nil {
		return fmt.Errorf("failed to prepare minute upsert: %w", err)
	}
	defer minuteStmt.Close()
	hourStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(upsertFactStatement, "traffic_facts_hour"))
	if err != nil {
		return fmt.Errorf("failed to prepare hour upsert: %w", err)
	}
	defer hourStmt.Close()

	for _, row := range rows {
		minute := row.Bucket.UTC().Truncate(time.Minute)
		_, err := minuteStmt.ExecContext(ctx,
			backendID, minute.Format(bucketLayout),
			row.Domain, row.IP, row.SourceIP, row.Chain, row.Rule,
			row.Upload, row.Download, row.Connections,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert minute fact: %w", err)
		}
		_, err = hourStmt.ExecContext(ctx,
			backendID, minute.Truncate(time.Hour).Format(bucketLayout),
			row.Domain, row.IP, row.SourceIP, row.Chain, row.Rule,
			row.Upload, row.Download, row.Connections,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert hour fact: %w", err)
		}
	}
	return tx.Commit()
}

// PruneMinutes drops minute rows older than the fine-grained horizon. The
// hour rollup already carries the same traffic, so nothing is folded here.
func (s *Store) PruneMinutes(ctx context.Context, backendID string) error {
	cutoff := time.Now().Add(-s.hourCompactAfter).UTC().Truncate(time.Hour).Format(bucketLayout)
	_, err := s.db.ExecContext(ctx, `DELETE FROM traffic_facts_minute WHERE backend_id = ? AND bucket < ?`, backendID, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune minute rows: %w", err)
	}
	return nil
}

// ClearBackend removes all persisted rows for a backend.
func (s *Store) ClearBackend(ctx context.Context, backendID string) error {
	for _, table := range []string{"traffic_facts_minute", "traffic_facts_hour"} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE backend_id = ?", table), backendID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// rangeClause appends bucket bounds for a time range to a where clause.
func rangeClause(r model.TimeRange, where *[]string, args *[]interface{}) {
	if !r.Start.IsZero() {
		*where = append(*where, "bucket >= ?")
		*args = append(*args, r.Start.UTC().Format(bucketLayout))
	}
	if !r.End.IsZero() {
		*where = append(*where, "bucket < ?")
		*args = append(*args, r.End.UTC().Format(bucketLayout))
	}
}

// Summary returns backend-level totals over the range.
func (s *Store) Summary(ctx context.Context, backendID string, g model.Granularity, r model.TimeRange) (model.Summary, error) {
	where := []string{"backend_id = ?"}
	args := []interface{}{backendID}
	rangeClause(r, &where, &args)

	query := fmt.Sprintf(`
SELECT COALESCE(SUM(upload), 0), COALESCE(SUM(download), 0), COALESCE(SUM(connections), 0),
       COUNT(DISTINCT CASE WHEN domain != '' THEN domain END),
       COUNT(DISTINCT CASE WHEN ip != '' THEN ip END),
       COUNT(DISTINCT CASE WHEN rule != '' THEN rule END),
       COALESCE(MAX(bucket), '')
FROM %s WHERE %s`, tableFor(g), strings.Join(where, " AND "))

	var summary model.Summary
	var last string
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&summary.TotalUpload, &summary.TotalDownload, &summary.TotalConnections,
		&summary.TotalDomains, &summary.TotalIPs, &summary.TotalRules, &last); err != nil {
		return model.Summary{}, fmt.Errorf("failed to query summary: %w", err)
	}
	if last != "" {
		if t, err := time.Parse(bucketLayout, last); err == nil {
			summary.LastUpdated = t
		}
	}
	return summary, nil
}

func dimensionColumn(dim model.Dimension) (string, bool) {
	switch dim {
	case model.DimensionDomain:
		return "domain", true
	case model.DimensionIP:
		return "ip", true
	case model.DimensionChain:
		return "chain", true
	case model.DimensionRule:
		return "rule", true
	case model.DimensionSourceIP:
		return "source_ip", true
	default:
		// Country is not part of the fact-table key; it lives hot-side only.
		return "", false
	}
}

func sortColumn(k model.SortKey) string {
	switch k {
	case model.SortByUpload:
		return "SUM(upload)"
	case model.SortByConnections:
		return "SUM(connections)"
	case model.SortByLastSeen:
		return "MAX(bucket)"
	default:
		return "SUM(download)"
	}
}

// TopStats returns aggregated rows for one dimension plus the total number
// of matching keys.
func (s *Store) TopStats(ctx context.Context, backendID string, dim model.Dimension, g model.Granularity, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	col, ok := dimensionColumn(dim)
	if !ok {
		return nil, 0, nil
	}
	opts = opts.Normalize()
	table := tableFor(g)

	where := []string{"backend_id = ?", col + " != ''"}
	args := []interface{}{backendID}
	rangeClause(r, &where, &args)

	if opts.Search != "" {
		pattern := "%" + opts.Search + "%"
		if dim == model.DimensionIP {
			// An address matches on itself or on any domain it served.
			where = append(where, fmt.Sprintf(
				"(ip LIKE ? OR ip IN (SELECT DISTINCT ip FROM %s WHERE backend_id = ? AND domain LIKE ?))", table))
			args = append(args, pattern, backendID, pattern)
		} else {
			where = append(where, col+" LIKE ?")
			args = append(args, pattern)
		}
	}

	cond := strings.Join(where, " AND ")

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s WHERE %s", col, table, cond)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count %s stats: %w", dim, err)
	}

	query := fmt.Sprintf(`
SELECT %s, SUM(upload), SUM(download), SUM(connections), MAX(bucket)
FROM %s WHERE %s
GROUP BY %s
ORDER BY %s DESC
LIMIT ? OFFSET ?`, col, table, cond, col, sortColumn(opts.SortBy))
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query %s stats: %w", dim, err)
	}
	defer rows.Close()

	out, err := scanStatRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// RuleBreakdown returns per-domain or per-IP rows for a single rule.
func (s *Store) RuleBreakdown(ctx context.Context, backendID, rule string, dim model.Dimension, g model.Granularity, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, error) {
	col, ok := dimensionColumn(dim)
	if !ok {
		return nil, nil
	}
	opts = opts.Normalize()

	where := []string{"backend_id = ?", "rule = ?", col + " != ''"}
	args := []interface{}{backendID, rule}
	rangeClause(r, &where, &args)
	if opts.Search != "" {
		where = append(where, col+" LIKE ?")
		args = append(args, "%"+opts.Search+"%")
	}

	query := fmt.Sprintf(`
SELECT %s, SUM(upload), SUM(download), SUM(connections), MAX(bucket)
FROM %s WHERE %s
GROUP BY %s
ORDER BY %s DESC
LIMIT ? OFFSET ?`, col, tableFor(g), strings.Join(where, " AND "), col, sortColumn(opts.SortBy))
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule breakdown: %w", err)
	}
	defer rows.Close()

	return scanStatRows(rows)
}

// RuleChainTotals returns historical totals per (rule, chain) pair, used by
// the chain-flow graph and the short-chain remapper.
func (s *Store) RuleChainTotals(ctx context.Context, backendID string, g model.Granularity, r model.TimeRange) ([]model.RuleChainRow, error) {
	where := []string{"backend_id = ?", "chain != ''", "rule != ''"}
	args := []interface{}{backendID}
	rangeClause(r, &where, &args)

	query := fmt.Sprintf(`
SELECT rule, chain, SUM(upload), SUM(download), SUM(connections)
FROM %s WHERE %s
GROUP BY rule, chain
ORDER BY rule, chain`, tableFor(g), strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule chain totals: %w", err)
	}
	defer rows.Close()

	var out []model.RuleChainRow
	for rows.Next() {
		var rc model.RuleChainRow
		if err := rows.Scan(&rc.Rule, &rc.Chain, &rc.Upload, &rc.Download, &rc.Connections); err != nil {
			return nil, fmt.Errorf("failed to scan rule chain row: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Trend returns the time series over the range, re-bucketed to bucketMinutes.
func (s *Store) Trend(ctx context.Context, backendID string, g model.Granularity, r model.TimeRange, bucketMinutes int) ([]model.TrendPoint, error) {
	if bucketMinutes <= 0 {
		bucketMinutes = 1
	}
	where := []string{"backend_id = ?"}
	args := []interface{}{backendID}
	rangeClause(r, &where, &args)

	query := fmt.Sprintf(`
SELECT bucket, SUM(upload), SUM(download)
FROM %s WHERE %s
GROUP BY bucket
ORDER BY bucket`, tableFor(g), strings.Join(where, " AND "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trend: %w", err)
	}
	defer rows.Close()

	buckets := make(map[string]*model.TrendPoint)
	for rows.Next() {
		var bucket string
		var up, down int64
		if err := rows.Scan(&bucket, &up, &down); err != nil {
			return nil, fmt.Errorf("failed to scan trend row: %w", err)
		}
		t, err := time.Parse(bucketLayout, bucket)
		if err != nil {
			continue
		}
		key := model.MinuteKey(t.Truncate(time.Duration(bucketMinutes) * time.Minute))
		p, ok := buckets[key]
		if !ok {
			p = &model.TrendPoint{Timestamp: key}
			buckets[key] = p
		}
		p.Upload += up
		p.Download += down
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.TrendPoint, 0, len(buckets))
	for _, p := range buckets {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func scanStatRows(rows *sql.Rows) ([]model.StatRow, error) {
	var out []model.StatRow
	for rows.Next() {
		var row model.StatRow
		var last string
		if err := rows.Scan(&row.Key, &row.Upload, &row.Download, &row.Connections, &last); err != nil {
			return nil, fmt.Errorf("failed to scan stat row: %w", err)
		}
		if t, err := time.Parse(bucketLayout, last); err == nil {
			row.LastSeen = t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
