package columnar

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"FlowScope/internal/config"
	"FlowScope/internal/model"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS traffic_facts (
    BackendID   String,
    Bucket      DateTime,
    Domain      String,
    IP          String,
    SourceIP    String,
    Chain       String,
    Rule        String,
    Upload      Int64,
    Download    Int64,
    Connections Int64
) ENGINE = SummingMergeTree((Upload, Download, Connections))
PARTITION BY toYYYYMM(Bucket)
ORDER BY (BackendID, Bucket, Domain, IP, SourceIP, Chain, Rule);
`

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

type pendingBatch struct {
	backendID string
	rows      []model.FactRow
}

// Writer mirrors flushed fact batches into ClickHouse. The pending queue is
// bounded: when the engine is slow or down, new batches are dropped and
// counted rather than blocking or buffering without limit. The accelerator
// is never the source of truth, so a dropped batch is a bounded, logged
// degradation.
type Writer struct {
	conn    driver.Conn
	pending chan pendingBatch
	timeout time.Duration

	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewWriter connects to ClickHouse, ensures the fact table exists, and
// starts the background sender.
func NewWriter(cfg config.ClickHouseConfig) (*Writer, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create clickhouse table: %w", err)
	}

	timeout, err := time.ParseDuration(cfg.QueryTimeout)
	if err != nil || timeout <= 0 {
		timeout = 5 * time.Second
	}

	w := &Writer{
		conn:    conn,
		pending: make(chan pendingBatch, cfg.PendingBatchCap),
		timeout: timeout,
	}
	w.wg.Add(1)
	go w.sender()

	log.Println("Connected to ClickHouse and ensured traffic_facts exists.")
	return w, nil
}

// Enqueue offers a batch to the pending queue. It never blocks the caller;
// a full queue drops the batch and counts it.
func (w *Writer) Enqueue(backendID string, rows []model.FactRow) bool {
	if len(rows) == 0 {
		return true
	}
	select {
	case w.pending <- pendingBatch{backendID: backendID, rows: rows}:
		return true
	default:
		n := w.dropped.Add(1)
		log.Printf("ColumnarWriter: pending queue full, dropped batch of %d rows (total dropped batches: %d)", len(rows), n)
		return false
	}
}

// Dropped returns the number of batches dropped so far.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops accepting batches, drains the queue, and closes the connection.
func (w *Writer) Close() {
	close(w.pending)
	w.wg.Wait()
	w.conn.Close()
}

func (w *Writer) sender() {
	defer w.wg.Done()
	for batch := range w.pending {
		if err := w.send(batch); err != nil {
			log.Printf("ColumnarWriter: failed to send batch for backend %s: %v", batch.backendID, err)
		}
	}
}

func (w *Writer) send(pb pendingBatch) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO traffic_facts")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range pb.rows {
		err := batch.Append(
			pb.backendID,
			row.Bucket,
			row.Domain,
			row.IP,
			row.SourceIP,
			row.Chain,
			row.Rule,
			row.Upload,
			row.Download,
			row.Connections,
		)
		if err != nil {
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}
