package app

import (
	"context"
	"fmt"

	"referralfees/internal/aggregate"
	"referralfees/internal/api/http"
	"referralfees/internal/api/http/handlers"
	"referralfees/internal/api/http/mw"
	"referralfees/internal/checkpoint"
	"referralfees/internal/dedupe"
	"referralfees/internal/domain"
	rdbdedupe "referralfees/internal/dedupe/redis"
	"referralfees/internal/ingest"
	"referralfees/internal/ledger"
	"referralfees/internal/publish"
	"referralfees/internal/pubsub"
	"referralfees/internal/service"
	"referralfees/internal/tokens"
	"referralfees/internal/upstream"
)

// Ingest one resumable pass from the upstream into the ledger
func (c *Container) Ingest(ctx context.Context) (*ingest.Summary, error) {
	index, err := c.dedupeIndex(ctx)
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(ctx, c.log, &c.cfg.Ledger, index)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := led.Close(); err != nil {
			c.log.Errorf("Failed to close ledger: %v", err)
		}
	}()

	store, err := c.checkpointStore()
	if err != nil {
		return nil, err
	}

	client, err := upstream.NewClient(c.log, &c.cfg.Upstream)
	if err != nil {
		return nil, err
	}

	var sink ingest.Sink
	if c.chWriter != nil {
		sink = c.chWriter
	}

	o, err := ingest.New(c.log, &c.cfg.Upstream, client, led, store, sink, c.metrics)
	if err != nil {
		return nil, err
	}

	return o.Run(ctx)
}

// Publish aggregates the whole ledger and writes the snapshot artifact
func (c *Container) Publish(ctx context.Context) (string, error) {
	// the store goes first: a bad target fails before the ledger is scanned
	store, err := c.artifactStore(ctx)
	if err != nil {
		return "", &domain.ArtifactPublishError{Target: c.cfg.Publish.Key, Err: err}
	}

	reader, err := ledger.NewReader(&c.cfg.Ledger)
	if err != nil {
		return "", err
	}

	loader, err := tokens.NewLoader(c.log, &c.cfg.Tokens)
	if err != nil {
		return "", err
	}
	reg, err := loader.Load(ctx)
	if err != nil {
		return "", err
	}

	res, err := aggregate.New(c.log, &c.cfg.Aggregate, c.metrics).Run(ctx, reader, reg)
	if err != nil {
		return "", err
	}

	var notifier pubsub.Broadcaster
	if c.nc != nil {
		notifier = c.nc
	}

	p, err := publish.New(c.log, &c.cfg.Publish, store, notifier, c.cfg.PubSub.NATS.Subject, c.metrics)
	if err != nil {
		return "", err
	}

	return p.Publish(ctx, res)
}

// Serve the read API until ctx is cancelled
func (c *Container) Serve(ctx context.Context) error {
	reader, err := ledger.NewReader(&c.cfg.Ledger)
	if err != nil {
		return err
	}
	loader, err := tokens.NewLoader(c.log, &c.cfg.Tokens)
	if err != nil {
		return err
	}

	deps := make(map[string]service.HealthChecker)
	if c.redis != nil {
		deps["Redis"] = c.redis
	}
	if c.nc != nil {
		deps["NATS"] = c.nc
	}

	snapshots, err := service.NewSnapshotService(c.log, aggregate.New(c.log, &c.cfg.Aggregate, c.metrics), reader, loader, deps)
	if err != nil {
		return err
	}
	if err = snapshots.Refresh(ctx); err != nil {
		c.log.Errorf("Initial snapshot failed, serving not-ready until the next refresh, error=%v", err)
	}

	var rateLimitMW *mw.RateLimitMiddleware
	if c.redis != nil && c.cfg.RateLimit.ByIP.Burst > 0 {
		rateLimitMW = mw.NewRateLimit(c.log, &c.cfg.RateLimit, c.redis)
	}

	router := http.BuildRouter(
		handlers.NewHandler(c.log, snapshots),
		c.metrics.Handler(),
		mw.NewLogging(c.log, c.metrics),
		mw.NewGzip(0, c.log),
		rateLimitMW,
		mw.NewCORS(&c.cfg.API.CORS),
	)
	httpSrv := http.NewServer(c.log, &c.cfg.API.HTTP, router)

	interval := c.cfg.App.RefreshInterval
	a := NewApp(c.log, httpSrv, func(ctx context.Context) { snapshots.Run(ctx, interval) })
	if err = a.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-a.Errors():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.App.ShutdownTimeout)
	defer cancel()
	if err = a.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app shutdown is failed, error=%w", err)
	}
	return runErr
}

func (c *Container) dedupeIndex(ctx context.Context) (dedupe.Index, error) {
	if c.cfg.Dedupe.Backend != "redis" {
		return dedupe.NewInMemoryDedupe(c.log), nil
	}
	if c.redis == nil {
		return nil, fmt.Errorf("dedupe backend redis requires a redis client")
	}

	var bloom *rdbdedupe.Bloom
	if c.cfg.Dedupe.Bloom.Enabled {
		b, err := rdbdedupe.NewBloom(&c.cfg.Dedupe.Bloom, c.redis)
		if err != nil {
			return nil, err
		}
		if err = b.Ensure(ctx); err != nil {
			c.log.Warnf("Bloom filter unavailable, falling back to SETNX only, error=%v", err)
		} else {
			bloom = b
			c.log.Infof("Successfully initialize Bloom by key=%s, cap=%d, errRate=%f", b.Key, b.Capacity, b.ErrRate)
		}
	}

	return rdbdedupe.NewRedisDeduper(c.log, &c.cfg.Dedupe, c.redis, bloom)
}

func (c *Container) checkpointStore() (checkpoint.Store, error) {
	if c.cfg.Checkpoint.Backend == "redis" {
		if c.redis == nil {
			return nil, fmt.Errorf("checkpoint backend redis requires a redis client")
		}
		return checkpoint.NewRedisStore(c.redis, c.cfg.Checkpoint.RedisKey)
	}
	return checkpoint.NewFileStore(c.cfg.Checkpoint.Path)
}

func (c *Container) artifactStore(ctx context.Context) (publish.ArtifactStore, error) {
	switch c.cfg.Publish.Backend {
	case "s3":
		return publish.NewS3Store(ctx, &c.cfg.Publish.S3)
	case "file":
		return publish.NewFileStore(&c.cfg.Publish.File)
	default:
		return nil, fmt.Errorf("unknown publish backend %q", c.cfg.Publish.Backend)
	}
}

