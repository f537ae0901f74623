package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/logger"
)

// Run validates config, assembles the container for mode and runs it until done or signalled
func Run(mode string, cfg *config.Config) error {
	if err := cfg.Validate(mode); err != nil {
		return err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctxBuild, cancelBuild := context.WithTimeout(sigCtx, 30*time.Second)
	defer cancelBuild()

	container, cleanup, err := Build(ctxBuild, log, cfg, mode)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Infof("Running mode=%s, instance=%s", mode, cfg.App.InstanceID)

	switch mode {
	case config.ModeIngest:
		_, err = container.Ingest(sigCtx)
	case config.ModePublish:
		_, err = container.Publish(sigCtx)
	case config.ModeServe:
		err = container.Serve(sigCtx)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}

	container.pushMetrics(mode)
	return err
}
