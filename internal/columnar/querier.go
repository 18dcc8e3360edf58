package columnar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"FlowScope/internal/config"
	"FlowScope/internal/model"
)

// ErrPartialResult marks a response where some parallel sub-queries returned
// data and others did not. The caller must discard the whole response: a
// dashboard stitched from half an answer silently under-reports.
var ErrPartialResult = errors.New("columnar: partial result set")

// Querier reads pre-aggregated facts from ClickHouse. It implements
// model.FactReader. Every call carries an explicit timeout so a slow engine
// cannot starve the request path; on failure the router falls back to the
// local store.
type Querier struct {
	conn    driver.Conn
	timeout time.Duration
}

// NewQuerier connects a read-side ClickHouse session.
func NewQuerier(cfg config.ClickHouseConfig) (*Querier, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	timeout, err := time.ParseDuration(cfg.QueryTimeout)
	if err != nil || timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Querier{conn: conn, timeout: timeout}, nil
}

// Close closes the connection.
func (q *Querier) Close() error {
	return q.conn.Close()
}

func (q *Querier) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.timeout)
}

func buildWhere(backendID string, r model.TimeRange) ([]string, []interface{}) {
	where := []string{"BackendID = ?"}
	args := []interface{}{backendID}
	if !r.Start.IsZero() {
		where = append(where, "Bucket >= ?")
		args = append(args, r.Start.UTC())
	}
	if !r.End.IsZero() {
		where = append(where, "Bucket < ?")
		args = append(args, r.End.UTC())
	}
	return where, args
}

// Summary runs the totals and distinct-count sub-queries in parallel and
// combines them, all-or-nothing.
func (q *Querier) Summary(ctx context.Context, backendID string, g model.Granularity, r model.TimeRange) (model.Summary, error) {
	ctx, cancel := q.queryCtx(ctx)
	defer cancel()

	where, args := buildWhere(backendID, r)
	cond := strings.Join(where, " AND ")

	var (
		wg       sync.WaitGroup
		summary  model.Summary
		last     time.Time
		totalErr error
		countErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		query := fmt.Sprintf(`SELECT SUM(Upload), SUM(Download), SUM(Connections), MAX(Bucket) FROM traffic_facts WHERE %s`, cond)
		row := q.conn.QueryRow(ctx, query, args...)
		totalErr = row.Scan(&summary.TotalUpload, &summary.TotalDownload, &summary.TotalConnections, &last)
	}()
	go func() {
		defer wg.Done()
		query := fmt.Sprintf(`
SELECT uniqExactIf(Domain, Domain != ''), uniqExactIf(IP, IP != ''), uniqExactIf(Rule, Rule != '')
FROM traffic_facts WHERE %s`, cond)
		var domains, ips, rules uint64
		row := q.conn.QueryRow(ctx, query, args...)
		countErr = row.Scan(&domains, &ips, &rules)
		summary.TotalDomains = int(domains)
		summary.TotalIPs = int(ips)
		summary.TotalRules = int(rules)
	}()
	wg.Wait()

	if totalErr != nil || countErr != nil {
		return model.Summary{}, fmt.Errorf("%w: totals=%v counts=%v", ErrPartialResult, totalErr, countErr)
	}
	summary.LastUpdated = last
	return summary, nil
}

func chColumn(dim model.Dimension) (string, bool) {
	switch dim {
	case model.DimensionDomain:
		return "Domain", true
	case model.DimensionIP:
		return "IP", true
	case model.DimensionChain:
		return "Chain", true
	case model.DimensionRule:
		return "Rule", true
	case model.DimensionSourceIP:
		return "SourceIP", true
	default:
		return "", false
	}
}

func chSortColumn(k model.SortKey) string {
	switch k {
	case model.SortByUpload:
		return "SUM(Upload)"
	case model.SortByConnections:
		return "SUM(Connections)"
	case model.SortByLastSeen:
		return "MAX(Bucket)"
	default:
		return "SUM(Download)"
	}
}

// TopStats runs the row and count sub-queries in parallel; a response where
// one side failed is discarded whole.
func (q *Querier) TopStats(ctx context.Context, backendID string, dim model.Dimension, g model.Granularity, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, int, error) {
	col, ok := chColumn(dim)
	if !ok {
		return nil, 0, nil
	}
	opts = opts.Normalize()

	ctx, cancel := q.queryCtx(ctx)
	defer cancel()

	where, args := buildWhere(backendID, r)
	where = append(where, col+" != ''")
	if opts.Search != "" {
		if dim == model.DimensionIP {
			where = append(where,
				"(positionCaseInsensitive(IP, ?) > 0 OR IP IN (SELECT DISTINCT IP FROM traffic_facts WHERE BackendID = ? AND positionCaseInsensitive(Domain, ?) > 0))")
			args = append(args, opts.Search, backendID, opts.Search)
		} else {
			where = append(where, fmt.Sprintf("positionCaseInsensitive(%s, ?) > 0", col))
			args = append(args, opts.Search)
		}
	}
	cond := strings.Join(where, " AND ")

	var (
		wg       sync.WaitGroup
		out      []model.StatRow
		total    uint64
		rowsErr  error
		countErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		query := fmt.Sprintf(`
SELECT %s, SUM(Upload), SUM(Download), SUM(Connections), MAX(Bucket)
FROM traffic_facts WHERE %s
GROUP BY %s
ORDER BY %s DESC
LIMIT %d OFFSET %d`, col, cond, col, chSortColumn(opts.SortBy), opts.Limit, opts.Offset)
		rows, err := q.conn.Query(ctx, query, args...)
		if err != nil {
			rowsErr = err
			return
		}
		defer rows.Close()
		for rows.Next() {
			var row model.StatRow
			var last time.Time
			if err := rows.Scan(&row.Key, &row.Upload, &row.Download, &row.Connections, &last); err != nil {
				rowsErr = err
				return
			}
			row.LastSeen = last
			out = append(out, row)
		}
		rowsErr = rows.Err()
	}()
	go func() {
		defer wg.Done()
		query := fmt.Sprintf("SELECT uniqExact(%s) FROM traffic_facts WHERE %s", col, cond)
		countErr = q.conn.QueryRow(ctx, query, args...).Scan(&total)
	}()
	wg.Wait()

	if rowsErr != nil || countErr != nil {
		return nil, 0, fmt.Errorf("%w: rows=%v count=%v", ErrPartialResult, rowsErr, countErr)
	}
	// A populated page with a zero total is internally inconsistent; treat
	// it as a failed response rather than hand the caller half an answer.
	if len(out) > 0 && total == 0 {
		return nil, 0, ErrPartialResult
	}
	return out, int(total), nil
}

// RuleBreakdown returns per-domain or per-IP rows for one rule.
func (q *Querier) RuleBreakdown(ctx context.Context, backendID, rule string, dim model.Dimension, g model.Granularity, r model.TimeRange, opts model.ListOptions) ([]model.StatRow, error) {
	col, ok := chColumn(dim)
	if !ok {
		return nil, nil
	}
	opts = opts.Normalize()

	ctx, cancel := q.queryCtx(ctx)
	defer cancel()

	where, args := buildWhere(backendID, r)
	where = append(where, "Rule = ?", col+" != ''")
	args = append(args, rule)
	if opts.Search != "" {
		where = append(where, fmt.Sprintf("positionCaseInsensitive(%s, ?) > 0", col))
		args = append(args, opts.Search)
	}

	query := fmt.Sprintf(`
SELECT %s, SUM(Upload), SUM(Download), SUM(Connections), MAX(Bucket)
FROM traffic_facts WHERE %s
GROUP BY %s
ORDER BY %s DESC
LIMIT %d OFFSET %d`, col, strings.Join(where, " AND "), col, chSortColumn(opts.SortBy), opts.Limit, opts.Offset)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule breakdown: %w", err)
	}
	defer rows.Close()

	var out []model.StatRow
	for rows.Next() {
		var row model.StatRow
		var last time.Time
		if err := rows.Scan(&row.Key, &row.Upload, &row.Download, &row.Connections, &last); err != nil {
			return nil, fmt.Errorf("failed to scan rule breakdown row: %w", err)
		}
		row.LastSeen = last
		out = append(out, row)
	}
	return out, rows.Err()
}

// RuleChainTotals returns historical totals per (rule, chain) pair.
func (q *Querier) RuleChainTotals(ctx context.Context, backendID string, g model.Granularity, r model.TimeRange) ([]model.RuleChainRow, error) {
	ctx, cancel := q.queryCtx(ctx)
	defer cancel()

	where, args := buildWhere(backendID, r)
	where = append(where, "Chain != ''", "Rule != ''")

	query := fmt.Sprintf(`
SELECT Rule, Chain, SUM(Upload), SUM(Download), SUM(Connections)
FROM traffic_facts WHERE %s
GROUP BY Rule, Chain
ORDER BY Rule, Chain`, strings.Join(where, " AND "))
	rows, err := q.conn.Query(ctx, query, args...)
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

// Trend returns the time series bucketed at bucketMinutes granularity.
func (q *Querier) Trend(ctx context.Context, backendID string, g model.Granularity, r model.TimeRange, bucketMinutes int) ([]model.TrendPoint, error) {
	if bucketMinutes <= 0 {
		bucketMinutes = 1
	}
	ctx, cancel := q.queryCtx(ctx)
	defer cancel()

	where, args := buildWhere(backendID, r)

	query := fmt.Sprintf(`
SELECT toStartOfInterval(Bucket, INTERVAL %d minute) AS b, SUM(Upload), SUM(Download)
FROM traffic_facts WHERE %s
GROUP BY b
ORDER BY b`, bucketMinutes, strings.Join(where, " AND "))
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trend: %w", err)
	}
	defer rows.Close()

	var out []model.TrendPoint
	for rows.Next() {
		var bucket time.Time
		var up, down int64
		if err := rows.Scan(&bucket, &up, &down); err != nil {
			return nil, fmt.Errorf("failed to scan trend row: %w", err)
		}
		out = append(out, model.TrendPoint{
			Timestamp: model.MinuteKey(bucket),
			Upload:    up,
			Download:  down,
		})
	}
	return out, rows.Err()
}
