// Package ledger is the append-only CSV store of ingested transactions, deduplicated by deposit address.
package ledger

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"referralfees/internal/config"
	"referralfees/internal/dedupe"
	"referralfees/internal/domain"

	"go.uber.org/zap"
)

const tailChunk = 4096

// Row one stored row as seen by Scan. Err is a *domain.MalformedRowError when the row cannot be decoded
type Row struct {
	Line    int
	Key     string
	Entries []domain.FeeEntry
	Err     error
}

// Reader streams rows of a ledger file without touching the seen-key index
type Reader struct {
	path   string
	schema Schema
}

func NewReader(cfg *config.LedgerConfig) (*Reader, error) {
	schema, err := SchemaByName(cfg.Schema)
	if err != nil {
		return nil, err
	}
	return &Reader{path: cfg.Path, schema: schema}, nil
}

// Scan calls fn for every data row in file order. A missing file is an empty ledger.
// Malformed rows are passed to fn with Err set and never stop the scan; an error from fn does
func (r *Reader) Scan(ctx context.Context, fn func(Row) error) error {
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open ledger %s: %w", r.path, err)
	}
	defer f.Close()

	return scanRows(ctx, f, r.schema, func(line int, rec []string, parseErr error) error {
		row := Row{Line: line}
		if parseErr != nil {
			row.Err = &domain.MalformedRowError{Line: line, Err: parseErr}
			return fn(row)
		}

		if k := r.schema.KeyColumn(); k < len(rec) {
			row.Key = rec[k]
		}
		entries, err := r.schema.Decode(rec)
		if err != nil {
			row.Err = &domain.MalformedRowError{Line: line, Err: err}
		} else {
			row.Entries = entries
		}
		return fn(row)
	})
}

// scanRows verifies the header and hands every following record to fn
func scanRows(ctx context.Context, src io.Reader, schema Schema, fn func(line int, rec []string, parseErr error) error) error {
	cr := csv.NewReader(bufio.NewReader(src))
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read ledger header: %w", err)
	}
	if !slices.Equal(header, schema.Header()) {
		return fmt.Errorf("ledger header %v does not match schema %s", header, schema.Name())
	}

	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err = ctx.Err(); err != nil {
				return err
			}
		}

		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}

		var pe *csv.ParseError
		if errors.As(err, &pe) {
			if err = fn(pe.StartLine, nil, pe); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}

		line, _ := cr.FieldPos(0)
		if err = fn(line, rec, nil); err != nil {
			return err
		}
	}
}

// Ledger single writer; concurrent writers against one file are unsupported
type Ledger struct {
	*Reader

	log   *zap.SugaredLogger
	index dedupe.Index

	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	bw   *bufio.Writer
	rows int64
}

// Open repairs a torn tail, writes the header into an empty file and seeds index with every stored key
func Open(ctx context.Context, log *zap.SugaredLogger, cfg *config.LedgerConfig, index dedupe.Index) (*Ledger, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, errors.New("ledger path is required")
	}
	reader, err := NewReader(cfg)
	if err != nil {
		return nil, err
	}
	if index == nil {
		index = dedupe.NewInMemoryDedupe(log)
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", cfg.Path, err)
	}

	l := &Ledger{
		Reader: reader,
		log:    log,
		index:  index,
		f:      f,
	}
	l.bw = bufio.NewWriter(f)
	l.w = csv.NewWriter(l.bw)

	if err = l.load(ctx); err != nil {
		_ = f.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) load(ctx context.Context) error {
	size, err := l.repairTail()
	if err != nil {
		return err
	}

	if size == 0 {
		if err = l.writeRows([][]string{l.schema.Header()}); err != nil {
			return fmt.Errorf("failed to write ledger header: %w", err)
		}
	}

	if err = l.index.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset seen-key index: %w", err)
	}

	if _, err = l.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind ledger: %w", err)
	}

	var malformed int64
	err = scanRows(ctx, l.f, l.schema, func(line int, rec []string, parseErr error) error {
		l.rows++
		if parseErr != nil {
			malformed++
			return nil
		}
		k := l.schema.KeyColumn()
		if k >= len(rec) || rec[k] == "" {
			malformed++
			return nil
		}
		if _, err := l.index.Seen(ctx, rec[k]); err != nil {
			return fmt.Errorf("failed to seed seen-key index: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.log.Infof("Ledger opened, path=%s, schema=%s, rows=%d, malformed=%d", l.path, l.schema.Name(), l.rows, malformed)
	return nil
}

// repairTail truncates a partial trailing line left by a crash; returns the resulting size
func (l *Ledger) repairTail() (int64, error) {
	st, err := l.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat ledger: %w", err)
	}
	size := st.Size()
	if size == 0 {
		return 0, nil
	}

	last := make([]byte, 1)
	if _, err = l.f.ReadAt(last, size-1); err != nil {
		return 0, fmt.Errorf("failed to read ledger tail: %w", err)
	}
	if last[0] == '\n' {
		return size, nil
	}

	keep, err := lastNewline(l.f, size)
	if err != nil {
		return 0, err
	}
	if err = l.f.Truncate(keep); err != nil {
		return 0, fmt.Errorf("failed to truncate torn ledger tail: %w", err)
	}
	if err = l.f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync ledger: %w", err)
	}

	l.log.Warnf("Ledger had a torn trailing line, truncated %d bytes", size-keep)
	return keep, nil
}

// lastNewline size of the prefix ending with the last '\n', 0 if there is none
func lastNewline(f *os.File, size int64) (int64, error) {
	buf := make([]byte, tailChunk)
	end := size
	for end > 0 {
		start := end - tailChunk
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("failed to read ledger tail: %w", err)
		}
		for i := len(chunk) - 1; i >= 0; i-- {
			if chunk[i] == '\n' {
				return start + int64(i) + 1, nil
			}
		}
		end = start
	}
	return 0, nil
}

// AppendResult outcome of one Append batch
type AppendResult struct {
	// Appended records written to the store, in input order
	Appended []domain.TransactionRecord
	// Fresh keys never seen before, including records the schema stores no rows for
	Fresh int
	// Rejected records without a deposit address or with unencodable fields
	Rejected int
}

// Append stores records whose deposit address was never seen, in one flushed and synced write
func (l *Ledger) Append(ctx context.Context, records []domain.TransactionRecord) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		res     AppendResult
		pending [][]string
	)
	for i := range records {
		tx := &records[i]
		if tx.DepositAddress == "" {
			res.Rejected++
			continue
		}

		rows, err := l.schema.Encode(tx)
		if err != nil {
			res.Rejected++
			l.log.Warnf("Rejected transaction %s, error=%v", tx.DepositAddress, err)
			continue
		}

		seen, err := l.index.Seen(ctx, tx.DepositAddress)
		if err != nil {
			return AppendResult{}, fmt.Errorf("seen-key index failed: %w", err)
		}
		if seen {
			continue
		}

		res.Fresh++
		if len(rows) == 0 {
			continue
		}
		pending = append(pending, rows...)
		res.Appended = append(res.Appended, *tx)
	}

	if len(pending) == 0 {
		return res, nil
	}
	if err := l.writeRows(pending); err != nil {
		return AppendResult{}, err
	}
	l.rows += int64(len(pending))

	return res, nil
}

// writeRows flush + fsync per batch
func (l *Ledger) writeRows(rows [][]string) error {
	if err := l.w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write ledger rows: %w", err)
	}
	if err := l.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush ledger: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return nil
}

// StoresEveryKey false when the schema keeps no row for some transactions (fees schema,
// transactions without fees); such keys look fresh again on every later pass
func (l *Ledger) StoresEveryKey() bool {
	_, lossy := l.schema.(FeesSchema)
	return !lossy
}

// Rows data rows currently stored, malformed ones included
func (l *Ledger) Rows() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
