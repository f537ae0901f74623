package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/domain"

	"go.uber.org/zap"
)

// Registry point-in-time asset metadata keyed by asset id; built fresh per run
type Registry struct {
	byAsset map[string]domain.TokenInfo
}

func NewRegistry(tokens []domain.TokenInfo) *Registry {
	r := &Registry{byAsset: make(map[string]domain.TokenInfo, len(tokens))}
	for _, t := range tokens {
		if t.AssetID == "" {
			continue
		}
		r.byAsset[t.AssetID] = t
	}
	return r
}

// Resolve returns a token usable for USD conversion, or ErrUnresolvedAsset / ErrNonPositivePrice
func (r *Registry) Resolve(assetID string) (domain.TokenInfo, error) {
	t, ok := r.byAsset[assetID]
	if !ok {
		return domain.TokenInfo{}, domain.ErrUnresolvedAsset
	}
	if !t.Price.IsPositive() {
		return t, domain.ErrNonPositivePrice
	}
	return t, nil
}

func (r *Registry) Len() int {
	return len(r.byAsset)
}

type Loader struct {
	log    *zap.SugaredLogger
	url    string
	client *http.Client
}

func NewLoader(log *zap.SugaredLogger, cfg *config.TokensConfig) (*Loader, error) {
	if cfg == nil {
		return nil, fmt.Errorf("tokens config is required to the loader")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("tokens url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Loader{
		log:    log,
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Load fetches the whole registry snapshot
func (l *Loader) Load(ctx context.Context) (*Registry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build token registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("token registry request failed, status=%d", resp.StatusCode)
	}

	var list []domain.TokenInfo
	if err = json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode token registry: %w", err)
	}

	reg := NewRegistry(list)
	l.log.Infof("Loaded %d tokens from registry", reg.Len())

	return reg, nil
}
