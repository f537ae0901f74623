package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/domain"
	"referralfees/internal/metrics"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

var ErrWriterClosed = errors.New("clickhouse writer closed")

type MirrorRow struct {
	DepositAddress   string
	CreatedAt        time.Time
	Referral         string
	OriginAsset      string
	DestinationAsset string
	AmountIn         string // minor units, sent as string
	AmountInUSD      string
	AmountOut        string
	AmountOutUSD     string
	FeesBps          []uint32
	FeeRecipients    []string
	Recipient        string
	Status           string
	IngestedAt       time.Time
}

func NewMirrorRow(rec *domain.TransactionRecord, ingestedAt time.Time) MirrorRow {
	created, _ := rec.CreatedTime()

	bps := make([]uint32, 0, len(rec.AppFees))
	recipients := make([]string, 0, len(rec.AppFees))
	for _, f := range rec.AppFees {
		if f.Fee < 0 {
			continue
		}
		bps = append(bps, uint32(f.Fee))
		recipients = append(recipients, f.Recipient)
	}

	return MirrorRow{
		DepositAddress:   rec.DepositAddress,
		CreatedAt:        created,
		Referral:         rec.Referral,
		OriginAsset:      rec.OriginAsset,
		DestinationAsset: rec.DestinationAsset,
		AmountIn:         rec.AmountIn,
		AmountInUSD:      rec.AmountInUSD,
		AmountOut:        rec.AmountOut,
		AmountOutUSD:     rec.AmountOutUSD,
		FeesBps:          bps,
		FeeRecipients:    recipients,
		Recipient:        rec.Recipient,
		Status:           rec.Status,
		IngestedAt:       ingestedAt,
	}
}

// Inserter writes one batch; an error means nothing of the batch is guaranteed stored
type Inserter interface {
	Insert(ctx context.Context, rows []MirrorRow) error
}

// Writer async batcher: flushes on batch size, on the interval tick and on Close
type Writer struct {
	log     *zap.SugaredLogger
	ins     Inserter
	cfg     config.ClickHouseWriterConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex // guards closed against in-flight sends
	closed   bool
	inCh     chan MirrorRow
	closedCh chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewWriter(log *zap.SugaredLogger, ins Inserter, cfg config.ClickHouseWriterConfig, m *metrics.Metrics) *Writer {
	// sane defaults
	if cfg.BatchMaxRows <= 0 {
		cfg.BatchMaxRows = 1000
	}
	if cfg.BatchMaxInterval <= 0 {
		cfg.BatchMaxInterval = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if m == nil {
		m = metrics.New()
	}

	w := &Writer{
		log:      log,
		ins:      ins,
		cfg:      cfg,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		inCh:     make(chan MirrorRow, 8192),
		closedCh: make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w
}

// Enqueue blocks only while the buffer is full
func (w *Writer) Enqueue(ctx context.Context, records []domain.TransactionRecord) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrWriterClosed
	}

	ingestedAt := w.now()
	for i := range records {
		select {
		case w.inCh <- NewMirrorRow(&records[i], ingestedAt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close flushes what was enqueued; safe to call more than once
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.closedCh)
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()

	batch := make([]MirrorRow, 0, w.cfg.BatchMaxRows)
	ticker := time.NewTicker(w.cfg.BatchMaxInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		if err := w.insertBatch(context.Background(), batch); err != nil {
			w.metrics.MirrorRows.WithLabelValues("error").Add(float64(len(batch)))
			w.log.Errorf("Failed insert [%d] rows by batch to clickhouse, error=%v", len(batch), err)
		} else {
			w.metrics.MirrorRows.WithLabelValues("ok").Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-w.inCh:
			batch = append(batch, row)
			if len(batch) >= w.cfg.BatchMaxRows {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.closedCh:
			// no sender is left once closedCh is closed
			for {
				select {
				case row := <-w.inCh:
					batch = append(batch, row)
					if len(batch) >= w.cfg.BatchMaxRows {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// insertBatch repeats with exponential delay
func (w *Writer) insertBatch(ctx context.Context, rows []MirrorRow) error {
	backoff := w.cfg.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if lastErr = w.ins.Insert(ctx, rows); lastErr == nil {
			return nil
		}
		if attempt == w.cfg.MaxRetries {
			break
		}
		w.log.Warnf("Clickhouse insert attempt %d failed, retry in %s, error=%v", attempt+1, backoff, lastErr)
		time.Sleep(backoff)
		backoff *= 2
	}

	return lastErr
}

var _ Inserter = (*TableInserter)(nil)

// TableInserter native batch insert into the mirror table
type TableInserter struct {
	conn  ch.Conn
	query string
}

func NewTableInserter(conn ch.Conn, table string) (*TableInserter, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	return &TableInserter{
		conn: conn,
		query: fmt.Sprintf(`
			INSERT INTO %s (
				deposit_address,
				created_at,
				referral,
				origin_asset,
				destination_asset,
				amount_in,
				amount_in_usd,
				amount_out,
				amount_out_usd,
				app_fees_bps,
				app_fee_recipients,
				recipient,
				status,
				ingested_at
			)
		`, table),
	}, nil
}

func (t *TableInserter) Insert(ctx context.Context, rows []MirrorRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := t.conn.PrepareBatch(ctx, t.query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for i := range rows {
		r := &rows[i]
		if err = batch.Append(
			r.DepositAddress,
			r.CreatedAt,
			r.Referral,
			r.OriginAsset,
			r.DestinationAsset,
			r.AmountIn,
			r.AmountInUSD,
			r.AmountOut,
			r.AmountOutUSD,
			r.FeesBps,
			r.FeeRecipients,
			r.Recipient,
			r.Status,
			r.IngestedAt,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row %s: %w", r.DepositAddress, err)
		}
	}

	if err = batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}
