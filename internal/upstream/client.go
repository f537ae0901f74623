package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/domain"

	"go.uber.org/zap"
)

// Fetcher one stateless page read; implemented by Client and by test fakes
type Fetcher interface {
	FetchPage(ctx context.Context, page int, boundary *int64) (*domain.Page, error)
}

var _ Fetcher = (*Client)(nil)

type Client struct {
	log     *zap.SugaredLogger
	baseURL *url.URL
	apiKey  string
	perPage int
	timeout time.Duration
	http    *http.Client
}

func NewClient(log *zap.SugaredLogger, cfg *config.UpstreamConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("upstream config is required to the client")
	}
	if cfg.APIKey == "" {
		return nil, &domain.MissingCredentialError{Name: config.EnvAPIKey}
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base url, error=%w", err)
	}

	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 1000
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		log:     log,
		baseURL: u,
		apiKey:  cfg.APIKey,
		perPage: perPage,
		timeout: timeout,
		http:    &http.Client{},
	}, nil
}

// FetchPage GET ?page=&perPage=[&endTimestampUnix=]; every failure is a TransientFetchError
func (c *Client) FetchPage(ctx context.Context, page int, boundary *int64) (*domain.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("perPage", strconv.Itoa(c.perPage))
	if boundary != nil {
		q.Set("endTimestampUnix", strconv.FormatInt(*boundary, 10))
	}

	u := *c.baseURL
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &domain.TransientFetchError{Page: page, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.TransientFetchError{Page: page, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &domain.TransientFetchError{Page: page, Status: resp.StatusCode}
	}

	var out domain.Page
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &domain.TransientFetchError{Page: page, Status: resp.StatusCode, Err: fmt.Errorf("decode page: %w", err)}
	}

	c.log.Debugf("Fetched page %d/%d, records=%d", page, out.TotalPages, len(out.Records))
	return &out, nil
}
