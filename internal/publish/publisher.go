package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/domain"
	"referralfees/internal/metrics"
	"referralfees/internal/pubsub"

	"go.uber.org/zap"
)

// SnapshotPublished notice sent after a successful put
type SnapshotPublished struct {
	URL         string    `json:"url"`
	Key         string    `json:"key"`
	GeneratedAt time.Time `json:"generatedAt"`
	Totals      Totals    `json:"totals"`
}

type Totals struct {
	Fees         float64 `json:"fees"`
	InflowUSD    float64 `json:"inflowUSD"`
	OutflowUSD   float64 `json:"outflowUSD"`
	Referrals    int     `json:"referrals"`
	Transactions int64   `json:"transactions"`
}

type Publisher struct {
	log      *zap.SugaredLogger
	store    ArtifactStore
	key      string
	timeout  time.Duration
	notifier pubsub.Broadcaster
	subject  string
	metrics  *metrics.Metrics
}

// New notifier may be nil; subject is only used with a notifier
func New(
	log *zap.SugaredLogger,
	cfg *config.PublishConfig,
	store ArtifactStore,
	notifier pubsub.Broadcaster,
	subject string,
	m *metrics.Metrics,
) (*Publisher, error) {
	if cfg == nil {
		return nil, errors.New("publish config is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if m == nil {
		m = metrics.New()
	}

	// sane defaults
	key := cfg.Key
	if key == "" {
		key = "referral-fees.json"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	if subject == "" {
		subject = "referralfees.snapshot"
	}

	return &Publisher{
		log:      log,
		store:    store,
		key:      key,
		timeout:  timeout,
		notifier: notifier,
		subject:  subject,
		metrics:  m,
	}, nil
}

// Publish writes the snapshot; any store failure comes back as *domain.ArtifactPublishError
func (p *Publisher) Publish(ctx context.Context, res *domain.AggregationResult) (string, error) {
	if res == nil {
		return "", errors.New("nothing to publish")
	}

	data, err := json.Marshal(res)
	if err != nil {
		p.metrics.Publishes.WithLabelValues("error").Inc()
		return "", &domain.ArtifactPublishError{Target: p.key, Err: fmt.Errorf("encode snapshot: %w", err)}
	}

	putCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url, err := p.store.Put(putCtx, p.key, data)
	if err != nil {
		p.metrics.Publishes.WithLabelValues("error").Inc()
		return "", &domain.ArtifactPublishError{Target: p.key, Err: err}
	}
	p.metrics.Publishes.WithLabelValues("ok").Inc()
	p.log.Infof("Snapshot published, key=%s, url=%s, bytes=%d", p.key, url, len(data))

	p.notify(ctx, url, res)
	return url, nil
}

func (p *Publisher) notify(ctx context.Context, url string, res *domain.AggregationResult) {
	if p.notifier == nil {
		return
	}

	notice := SnapshotPublished{
		URL:         url,
		Key:         p.key,
		GeneratedAt: res.LastUpdated,
		Totals: Totals{
			Fees:         res.TotalFees,
			InflowUSD:    res.TotalInflowUSD,
			OutflowUSD:   res.TotalOutflowUSD,
			Referrals:    res.TotalReferrals,
			Transactions: res.TotalTransactions,
		},
	}

	nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.notifier.Publish(nctx, p.subject, notice); err != nil {
		p.log.Warnf("Failed to announce snapshot, subject=%s, error=%v", p.subject, err)
	}
}
