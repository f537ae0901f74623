package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/metrics"
	"referralfees/internal/pubsub/nats"
	"referralfees/internal/stores/clickhouse"
	"referralfees/internal/stores/redis"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"
)

type Container struct {
	log     *zap.SugaredLogger
	cfg     *config.Config
	metrics *metrics.Metrics

	// infra, nil when not configured for the mode
	redis    *redis.Client
	ch       *clickhouse.Conn
	chWriter *clickhouse.Writer
	nc       *nats.Client

	profiler *pyroscope.Profiler
}

// Build connects only what mode needs; the returned cleanup releases everything in reverse order
func Build(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, mode string) (*Container, func(), error) {
	c := &Container{
		log:     log,
		cfg:     cfg,
		metrics: metrics.New(),
	}

	var closers []func(ctx context.Context)
	cleanup := func() {
		ctxClean, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()

		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](ctxClean)
		}
		log.Info("Successfully cleaned up dependency")
	}
	fail := func(err error) (*Container, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	// Pyroscope
	profiler, err := metrics.InitPProf(log, &cfg.Metrics.Pyroscope, cfg.App.InstanceID)
	if err != nil {
		return fail(fmt.Errorf("pyroscope initialize failed: %w", err))
	}
	if profiler != nil {
		c.profiler = profiler
		log.Infof("Successfully initialize Pyroscope to %s", cfg.Metrics.Pyroscope.ServerAddr)
		closers = append(closers, func(context.Context) {
			if err := profiler.Stop(); err != nil {
				log.Errorf("Failed to stop profiler: %v", err)
			}
		})
	}

	// Redis client
	if needsRedis(cfg, mode) {
		rdb, err := redis.New(ctx, &cfg.Stores.Redis)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize redis client: %w", err))
		}
		c.redis = rdb
		log.Infof("Successfully initialize redis client, addr=%s", cfg.Stores.Redis.Addr)
		closers = append(closers, func(context.Context) {
			if err := rdb.Close(); err != nil {
				log.Errorf("Failed to close by cleanupF redis client: %v", err)
			}
		})
	}

	// NATS notifier
	if cfg.PubSub.NATS.URL != "" && mode != config.ModeIngest {
		natsCl, err := nats.New(log, &cfg.PubSub.NATS)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize nats client: %w", err))
		}
		c.nc = natsCl
		closers = append(closers, func(context.Context) {
			if err := natsCl.Close(); err != nil {
				log.Errorf("Failed to close by cleanupF nats client: %v", err)
			}
		})
	}

	// ClickHouse ledger mirror
	if cfg.Stores.ClickHouse.DSN != "" && mode == config.ModeIngest {
		ch, err := clickhouse.New(ctx, &cfg.Stores.ClickHouse)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize clickhouse client: %w", err))
		}
		c.ch = ch
		closers = append(closers, func(context.Context) {
			if err := ch.Close(); err != nil {
				log.Errorf("Failed to close by cleanupF clickhouse client: %v", err)
			}
		})
		url := strings.Split(cfg.Stores.ClickHouse.DSN, "?")
		log.Infof("Successfully initialize clickhouse client, url=%s", url[0])

		if err = ch.EnsureMirrorTable(ctx, cfg.Stores.ClickHouse.Table); err != nil {
			return fail(err)
		}
		ins, err := clickhouse.NewTableInserter(ch.Native, cfg.Stores.ClickHouse.Table)
		if err != nil {
			return fail(err)
		}

		w := clickhouse.NewWriter(log, ins, cfg.Stores.ClickHouse.Writer, c.metrics)
		c.chWriter = w
		// registered after the conn: flushed before it closes
		closers = append(closers, func(ctx context.Context) {
			if err := w.Close(ctx); err != nil {
				log.Errorf("Failed to close by cleanupF clickhouse writer: %v", err)
			}
		})
		log.Info("Successfully initialize clickhouse writer")
	}

	log.Info("Successfully initialize Wiring")
	return c, cleanup, nil
}

func needsRedis(cfg *config.Config, mode string) bool {
	if cfg.Stores.Redis.Addr == "" {
		return false
	}
	switch mode {
	case config.ModeIngest:
		return cfg.Checkpoint.Backend == "redis" || cfg.Dedupe.Backend == "redis"
	case config.ModeServe:
		return true
	default:
		return false
	}
}

// pushMetrics batch modes only; serve is scraped on /metrics
func (c *Container) pushMetrics(mode string) {
	if mode == config.ModeServe || c.cfg.Metrics.PushgatewayURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.metrics.Push(ctx, c.cfg.Metrics.PushgatewayURL, c.cfg.Metrics.Job, c.cfg.App.InstanceID); err != nil {
		c.log.Warnf("Metrics push failed: %v", err)
	}
}
