// Package service keeps the latest aggregation snapshot for the read API.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"referralfees/internal/aggregate"
	"referralfees/internal/domain"
	"referralfees/internal/tokens"

	"go.uber.org/zap"
)

var ErrSnapshotNotReady = errors.New("snapshot not computed yet")

type RegistryLoader interface {
	Load(ctx context.Context) (*tokens.Registry, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

// SnapshotService recomputes the snapshot from the ledger; readers always see a complete one
type SnapshotService struct {
	log      *zap.SugaredLogger
	engine   *aggregate.Engine
	source   aggregate.Source
	registry RegistryLoader
	deps     map[string]HealthChecker

	current atomic.Pointer[domain.AggregationResult]
}

// NewSnapshotService deps are optional named dependencies reported by CheckDependency
func NewSnapshotService(
	log *zap.SugaredLogger,
	engine *aggregate.Engine,
	source aggregate.Source,
	registry RegistryLoader,
	deps map[string]HealthChecker,
) (*SnapshotService, error) {
	if engine == nil || source == nil || registry == nil {
		return nil, errors.New("engine, ledger source and token registry are required to the snapshot service")
	}

	return &SnapshotService{
		log:      log,
		engine:   engine,
		source:   source,
		registry: registry,
		deps:     deps,
	}, nil
}

// Refresh on failure the previous snapshot stays in place
func (s *SnapshotService) Refresh(ctx context.Context) error {
	start := time.Now()

	reg, err := s.registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load token registry: %w", err)
	}

	res, err := s.engine.Run(ctx, s.source, reg)
	if err != nil {
		return err
	}

	s.current.Store(res)
	s.log.Infof("Snapshot refreshed in %s, tokens=%d, transactions=%d", time.Since(start), reg.Len(), res.TotalTransactions)
	return nil
}

// Run refreshes every interval until ctx is done
func (s *SnapshotService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.log.Errorf("Snapshot refresh failed, keeping the previous one, error=%v", err)
			}
		}
	}
}

func (s *SnapshotService) Current() (*domain.AggregationResult, error) {
	res := s.current.Load()
	if res == nil {
		return nil, ErrSnapshotNotReady
	}
	return res, nil
}

func (s *SnapshotService) Provider(id string) (*domain.ProviderFlow, bool, error) {
	res, err := s.Current()
	if err != nil {
		return nil, false, err
	}
	for i := range res.ProviderFlows {
		if res.ProviderFlows[i].Provider == id {
			p := res.ProviderFlows[i]
			return &p, true, nil
		}
	}
	return nil, false, nil
}

func (s *SnapshotService) CheckDependency(ctx context.Context) error {
	errDependency := make([]string, 0, len(s.deps)+1)

	if s.current.Load() == nil {
		errDependency = append(errDependency, ErrSnapshotNotReady.Error())
	}

	for name, dep := range s.deps {
		if dep == nil {
			continue
		}
		if err := dep.Health(ctx); err != nil {
			errDependency = append(errDependency, fmt.Sprintf("%s connection error: %v", name, err))
		}
	}

	if len(errDependency) > 0 {
		return fmt.Errorf("dependency check failed: %v", strings.Join(errDependency, "; "))
	}

	s.log.Debugf("All dependency check passed")
	return nil
}
