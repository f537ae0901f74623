package handlers

import (
	"errors"
	"net/http"

	"referralfees/internal/domain"
	"referralfees/internal/service"
	"referralfees/pkg/httputil"

	"github.com/go-chi/chi/v5"
)

const (
	defaultLeaderboardLimit = 100
	defaultRoutesLimit      = 50
	maxLimit                = 1000
)

func (a *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	res, ok := a.current(w, r)
	if !ok {
		return
	}

	if err := httputil.JSON(w, http.StatusOK, res, cacheHeaders(res)); err != nil {
		a.Log.Errorf("Snapshot handler error: %s", err.Error())
	}
}

func (a *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryLimit(r, defaultLeaderboardLimit, maxLimit)
	if err != nil {
		a.badRequest(w, r, err)
		return
	}

	res, ok := a.current(w, r)
	if !ok {
		return
	}

	entries := res.Leaderboard
	if len(entries) > limit {
		entries = entries[:limit]
	}

	err = httputil.JSON(w, http.StatusOK, map[string]any{
		"leaderboard":    entries,
		"totalReferrals": res.TotalReferrals,
		"totalFees":      res.TotalFees,
		"lastUpdated":    res.LastUpdated,
	}, cacheHeaders(res))
	if err != nil {
		a.Log.Errorf("Leaderboard handler error: %s", err.Error())
	}
}

func (a *Handler) Routes(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryLimit(r, defaultRoutesLimit, maxLimit)
	if err != nil {
		a.badRequest(w, r, err)
		return
	}

	res, ok := a.current(w, r)
	if !ok {
		return
	}

	routes := res.TopRoutes
	if len(routes) > limit {
		routes = routes[:limit]
	}

	err = httputil.JSON(w, http.StatusOK, map[string]any{
		"routes":      routes,
		"lastUpdated": res.LastUpdated,
	}, cacheHeaders(res))
	if err != nil {
		a.Log.Errorf("Routes handler error: %s", err.Error())
	}
}

func (a *Handler) Provider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, found, err := a.Snapshots.Provider(id)
	if err != nil {
		a.notReady(w, r, err)
		return
	}
	if !found {
		if err = httputil.Error(w, r, http.StatusNotFound, "not_found", "provider not found", map[string]any{"provider": id}); err != nil {
			a.Log.Errorf("Provider handler error: %s", err.Error())
		}
		return
	}

	if err = httputil.JSON(w, http.StatusOK, p, nil); err != nil {
		a.Log.Errorf("Provider handler error: %s", err.Error())
	}
}

func (a *Handler) current(w http.ResponseWriter, r *http.Request) (*domain.AggregationResult, bool) {
	res, err := a.Snapshots.Current()
	if err != nil {
		a.notReady(w, r, err)
		return nil, false
	}
	return res, true
}

func (a *Handler) notReady(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	if errors.Is(err, service.ErrSnapshotNotReady) {
		status, code = http.StatusServiceUnavailable, "snapshot_not_ready"
	}
	if werr := httputil.Error(w, r, status, code, err.Error(), nil); werr != nil {
		a.Log.Errorf("Write error response failed: %s", werr.Error())
	}
}

func (a *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	if werr := httputil.Error(w, r, http.StatusBadRequest, "bad_request", err.Error(), nil); werr != nil {
		a.Log.Errorf("Write error response failed: %s", werr.Error())
	}
}

func cacheHeaders(res *domain.AggregationResult) map[string]string {
	return map[string]string{
		"Cache-Control": "public, max-age=60",
		"Last-Modified": res.LastUpdated.UTC().Format(http.TimeFormat),
	}
}
