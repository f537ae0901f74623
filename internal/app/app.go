package app

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// App serve-mode process: HTTP server plus background workers bound to one context
type App struct {
	log     *zap.SugaredLogger
	httpSrv HTTPServer
	workers []func(ctx context.Context)

	cancel context.CancelFunc
	errCh  chan error
	done   chan struct{}
}

func NewApp(log *zap.SugaredLogger, httpSrv HTTPServer, workers ...func(ctx context.Context)) *App {
	return &App{
		log:     log,
		httpSrv: httpSrv,
		workers: workers,
		errCh:   make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.log.Debug("App started begin...")

	wctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	finished := make(chan struct{}, len(a.workers))
	for _, w := range a.workers {
		go func(w func(context.Context)) {
			w(wctx)
			finished <- struct{}{}
		}(w)
	}
	go func() {
		for range a.workers {
			<-finished
		}
		close(a.done)
	}()

	go func() {
		if err := a.httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorf("Start HTTP server is error=%v", err)
			a.errCh <- err
		}
	}()

	a.log.Info("App started")
	return nil
}

// Errors receives a fatal server error, if any
func (a *App) Errors() <-chan error {
	return a.errCh
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Debug("App stopped begin...")

	if a.cancel != nil {
		a.cancel()
	}

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		return err
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.log.Info("App stopped")
	return nil
}
