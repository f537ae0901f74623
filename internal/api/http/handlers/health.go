package handlers

import (
	"context"
	"net/http"
	"time"

	"referralfees/internal/domain"
	"referralfees/pkg/httputil"

	"go.uber.org/zap"
)

// Snapshots read side of the snapshot service
type Snapshots interface {
	Current() (*domain.AggregationResult, error)
	Provider(id string) (*domain.ProviderFlow, bool, error)
	CheckDependency(ctx context.Context) error
}

type Handler struct {
	Log       *zap.SugaredLogger
	Snapshots Snapshots
}

func NewHandler(log *zap.SugaredLogger, snapshots Snapshots) *Handler {
	if snapshots == nil {
		panic("snapshot service cannot be nil")
	}

	return &Handler{Log: log, Snapshots: snapshots}
}

func (a *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	if err := httputil.JSON(w, http.StatusOK, map[string]any{}, nil); err != nil {
		a.Log.Errorf("Healthz handler error: %s", err.Error())
	}
}

// Readiness snapshot computed and external services reachable
func (a *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := a.Snapshots.CheckDependency(ctx); err != nil {
		err = httputil.Error(w, r, http.StatusServiceUnavailable, "dependencies_unhealthy", "dependencies check failed", map[string]any{
			"error": err.Error(),
		})
		if err != nil {
			a.Log.Errorf("Readiness handler error: %s", err.Error())
		}
		return
	}

	if err := httputil.JSON(w, http.StatusOK, map[string]string{"dependencies": "healthy"}, nil); err != nil {
		a.Log.Errorf("Readiness handler error: %s", err.Error())
	}
}
