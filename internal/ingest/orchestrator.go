// Package ingest drives one resumable pass over the upstream history into the ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"referralfees/internal/checkpoint"
	"referralfees/internal/config"
	"referralfees/internal/domain"
	"referralfees/internal/ledger"
	"referralfees/internal/metrics"
	"referralfees/internal/upstream"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type State int

const (
	StateFresh State = iota
	StateBounded
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "FRESH"
	case StateBounded:
		return "BOUNDED"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Ledger interface {
	Append(ctx context.Context, records []domain.TransactionRecord) (ledger.AppendResult, error)
}

// keyStore implemented by ledgers that may skip storing some keys
type keyStore interface {
	StoresEveryKey() bool
}

type rowCounter interface {
	Rows() int64
}

// Sink optional mirror of appended records; failures never stop ingestion
type Sink interface {
	Enqueue(ctx context.Context, records []domain.TransactionRecord) error
}

// Summary totals of one Run
type Summary struct {
	PagesFetched     int
	RecordsSeen      int
	Appended         int
	BeyondBoundary   int
	Rejected         int
	LedgerRows       int64 // rows stored after the run, when the ledger reports it
	AlreadyCompleted bool
	State            State
	Checkpoint       domain.Checkpoint
}

type Orchestrator struct {
	log        *zap.SugaredLogger
	fetcher    upstream.Fetcher
	ledger     Ledger
	store      checkpoint.Store
	sink       Sink
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	emptyLimit int
	restart    bool
	now        func() time.Time
}

func New(
	log *zap.SugaredLogger,
	cfg *config.UpstreamConfig,
	fetcher upstream.Fetcher,
	led Ledger,
	store checkpoint.Store,
	sink Sink,
	m *metrics.Metrics,
) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("upstream config is required to the orchestrator")
	}
	if fetcher == nil || led == nil || store == nil {
		return nil, errors.New("fetcher, ledger and checkpoint store are required to the orchestrator")
	}
	if m == nil {
		m = metrics.New()
	}

	// sane defaults
	delay := cfg.PageDelay
	if delay <= 0 {
		delay = time.Second
	}
	emptyLimit := cfg.EmptyPageLimit
	if emptyLimit < 0 {
		emptyLimit = 0
	}
	// unstored keys never stop counting as new, the guard could not fire reliably
	if ks, ok := led.(keyStore); ok && !ks.StoresEveryKey() && emptyLimit > 0 {
		log.Warnf("Ledger schema does not store every transaction, empty page guard (limit=%d) disabled", emptyLimit)
		emptyLimit = 0
	}

	return &Orchestrator{
		log:        log,
		fetcher:    fetcher,
		ledger:     led,
		store:      store,
		sink:       sink,
		metrics:    m,
		limiter:    rate.NewLimiter(rate.Every(delay), 1),
		emptyLimit: emptyLimit,
		restart:    cfg.RestartCompleted,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run advances the checkpoint until DONE or the first error. Progress up to the last saved
// page survives any failure; calling Run again resumes from there
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	cp, err := o.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	sum := &Summary{State: StateFresh}

	if cp.Completed {
		if !o.restart {
			o.log.Infof("Checkpoint already completed, nothing to do, totalProcessed=%d", cp.TotalProcessed)
			sum.AlreadyCompleted = true
			sum.State = StateDone
			sum.Checkpoint = *cp
			return sum, nil
		}
		carried := cp.TotalProcessed
		cp = domain.NewCheckpoint()
		cp.TotalProcessed = carried
		o.log.Infof("Starting a new pass over a completed checkpoint, totalProcessed=%d", carried)
	}

	if cp.Locked() {
		sum.State = StateBounded
	}
	o.log.Infof("Ingestion started, state=%s, cursor=%d, boundary=%v", sum.State, cp.Cursor, boundaryValue(cp))

	emptyPages := 0
	for sum.State != StateDone {
		if err = ctx.Err(); err != nil {
			return o.finish(sum, cp), err
		}

		switch sum.State {
		case StateFresh:
			sum.State, err = o.fresh(ctx, cp, sum)

		case StateBounded:
			var fresh int
			sum.State, fresh, err = o.bounded(ctx, cp, sum)
			if err != nil {
				break
			}
			if fresh == 0 {
				emptyPages++
			} else {
				emptyPages = 0
			}
			if sum.State == StateBounded && o.emptyLimit > 0 && emptyPages >= o.emptyLimit {
				o.log.Warnf("%d consecutive pages added nothing new, draining at cursor=%d", emptyPages, cp.Cursor)
				sum.State = StateDraining
			}

		case StateDraining:
			cp.Completed = true
			err = o.save(ctx, cp)
			sum.State = StateDone
		}

		if err != nil {
			return o.finish(sum, cp), err
		}
	}

	return o.finish(sum, cp), nil
}

// fresh locks the boundary from the newest page. The cursor stays put: the filtered view
// numbers its pages differently, so the same page is read again under the filter
func (o *Orchestrator) fresh(ctx context.Context, cp *domain.Checkpoint, sum *Summary) (State, error) {
	page, err := o.fetch(ctx, cp.Cursor, nil, sum)
	if err != nil {
		return StateFresh, err
	}
	if len(page.Records) == 0 {
		o.log.Infof("Upstream returned no records at cursor=%d, nothing to ingest", cp.Cursor)
		return StateDone, nil
	}

	oldest := 0
	for i := range page.Records {
		if page.Records[i].CreatedAtTimestamp < page.Records[oldest].CreatedAtTimestamp {
			oldest = i
		}
	}
	boundary := page.Records[oldest].CreatedAtTimestamp
	cp.SnapshotBoundary = &boundary
	cp.LastKey = page.Records[oldest].DepositAddress

	if _, err = o.append(ctx, cp, page.Records, sum); err != nil {
		return StateFresh, err
	}
	if err = o.save(ctx, cp); err != nil {
		return StateFresh, err
	}

	o.log.Infof("Snapshot boundary locked, boundary=%d, lastKey=%s", boundary, cp.LastKey)
	return StateBounded, nil
}

func (o *Orchestrator) bounded(ctx context.Context, cp *domain.Checkpoint, sum *Summary) (State, int, error) {
	boundary := *cp.SnapshotBoundary

	page, err := o.fetch(ctx, cp.Cursor, &boundary, sum)
	if err != nil {
		return StateBounded, 0, err
	}

	// the upstream filter is a hint, the locked boundary decides
	kept := page.Records[:0:0]
	for _, rec := range page.Records {
		if rec.CreatedAtTimestamp > boundary {
			sum.BeyondBoundary++
			o.metrics.RecordsBeyond.Inc()
			continue
		}
		kept = append(kept, rec)
	}

	fresh, err := o.append(ctx, cp, kept, sum)
	if err != nil {
		return StateBounded, 0, err
	}

	if page.NextPage == nil || *page.NextPage <= cp.Cursor {
		if page.NextPage != nil {
			o.log.Warnf("Upstream nextPage=%d does not advance past cursor=%d, treating as the last page", *page.NextPage, cp.Cursor)
		}
		cp.Completed = true
		if err = o.save(ctx, cp); err != nil {
			return StateBounded, fresh, err
		}
		return StateDone, fresh, nil
	}

	cp.Cursor = *page.NextPage
	if err = o.save(ctx, cp); err != nil {
		return StateBounded, fresh, err
	}
	return StateBounded, fresh, nil
}

func (o *Orchestrator) fetch(ctx context.Context, cursor int, boundary *int64, sum *Summary) (*domain.Page, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	page, err := o.fetcher.FetchPage(ctx, cursor, boundary)
	if err != nil {
		o.metrics.FetchErrors.Inc()
		return nil, fmt.Errorf("ingestion stopped at cursor=%d: %w", cursor, err)
	}

	sum.PagesFetched++
	sum.RecordsSeen += len(page.Records)
	o.metrics.PagesFetched.Inc()
	o.metrics.RecordsSeen.Add(float64(len(page.Records)))

	o.log.Debugf("Fetched page=%d, records=%d, totalPages=%d", cursor, len(page.Records), page.TotalPages)
	return page, nil
}

// append returns the number of keys never seen before
func (o *Orchestrator) append(ctx context.Context, cp *domain.Checkpoint, records []domain.TransactionRecord, sum *Summary) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	res, err := o.ledger.Append(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("ledger append failed at cursor=%d: %w", cp.Cursor, err)
	}

	n := len(res.Appended)
	cp.TotalProcessed += int64(n)
	sum.Appended += n
	sum.Rejected += res.Rejected
	o.metrics.RecordsAppended.Add(float64(n))
	o.metrics.RecordsRejected.Add(float64(res.Rejected))

	if o.sink != nil && n > 0 {
		if err = o.sink.Enqueue(ctx, res.Appended); err != nil {
			o.log.Errorf("Mirror enqueue failed, records=%d, error=%v", n, err)
		}
	}

	return res.Fresh, nil
}

func (o *Orchestrator) save(ctx context.Context, cp *domain.Checkpoint) error {
	cp.LastUpdated = o.now()
	if err := o.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint at cursor=%d: %w", cp.Cursor, err)
	}
	o.metrics.CheckpointCursor.Set(float64(cp.Cursor))
	return nil
}

func (o *Orchestrator) finish(sum *Summary, cp *domain.Checkpoint) *Summary {
	sum.Checkpoint = *cp
	if rc, ok := o.ledger.(rowCounter); ok {
		sum.LedgerRows = rc.Rows()
	}
	o.log.Infof(
		"Ingestion finished, state=%s, pages=%d, seen=%d, appended=%d, beyondBoundary=%d, rejected=%d, ledgerRows=%d, cursor=%d, totalProcessed=%d, completed=%t",
		sum.State, sum.PagesFetched, sum.RecordsSeen, sum.Appended, sum.BeyondBoundary, sum.Rejected,
		sum.LedgerRows, cp.Cursor, cp.TotalProcessed, cp.Completed,
	)
	return sum
}

func boundaryValue(cp *domain.Checkpoint) any {
	if cp.SnapshotBoundary == nil {
		return nil
	}
	return *cp.SnapshotBoundary
}
