package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/domain"
	"referralfees/internal/upstream/upstreamtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func records(n int, newest int64) []domain.TransactionRecord {
	out := make([]domain.TransactionRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.TransactionRecord{
			DepositAddress:     "dep-" + time.Unix(newest-int64(i), 0).UTC().Format("150405"),
			CreatedAtTimestamp: newest - int64(i),
			AmountIn:           "1000",
		})
	}
	return out
}

func newClient(t *testing.T, baseURL string, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(zap.NewNop().Sugar(), &config.UpstreamConfig{
		BaseURL:      baseURL,
		PerPage:      2,
		FetchTimeout: timeout,
		APIKey:       upstreamtest.Token,
	})
	require.NoError(t, err)
	return c
}

func TestClient_FetchPage(t *testing.T) {
	srv := upstreamtest.New(records(5, 1_700_000_100), true)
	defer srv.Close()

	c := newClient(t, srv.URL, time.Second)

	page, err := c.FetchPage(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, 3, page.TotalPages)
	require.NotNil(t, page.NextPage)
	assert.Equal(t, 2, *page.NextPage)

	last, err := c.FetchPage(context.Background(), 3, nil)
	require.NoError(t, err)
	assert.Len(t, last.Records, 1)
	assert.Nil(t, last.NextPage)
}

func TestClient_FetchPageSendsBoundary(t *testing.T) {
	srv := upstreamtest.New(records(5, 1_700_000_100), true)
	defer srv.Close()

	c := newClient(t, srv.URL, time.Second)
	boundary := int64(1_700_000_098)

	page, err := c.FetchPage(context.Background(), 1, &boundary)
	require.NoError(t, err)
	for _, r := range page.Records {
		assert.LessOrEqual(t, r.CreatedAtTimestamp, boundary)
	}
	assert.Equal(t, []string{"1700000098"}, srv.Boundaries())
}

func TestClient_Non2xxIsTransient(t *testing.T) {
	srv := upstreamtest.New(records(3, 1_700_000_100), true)
	defer srv.Close()
	srv.FailPage(2, http.StatusServiceUnavailable)

	c := newClient(t, srv.URL, time.Second)

	_, err := c.FetchPage(context.Background(), 2, nil)
	var tfe *domain.TransientFetchError
	require.True(t, errors.As(err, &tfe))
	assert.Equal(t, 2, tfe.Page)
	assert.Equal(t, http.StatusServiceUnavailable, tfe.Status)
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := newClient(t, srv.URL, 50*time.Millisecond)

	_, err := c.FetchPage(context.Background(), 1, nil)
	var tfe *domain.TransientFetchError
	require.True(t, errors.As(err, &tfe))
	assert.Equal(t, 0, tfe.Status)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(zap.NewNop().Sugar(), &config.UpstreamConfig{BaseURL: "http://localhost"})
	var mce *domain.MissingCredentialError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, config.EnvAPIKey, mce.Name)
}
