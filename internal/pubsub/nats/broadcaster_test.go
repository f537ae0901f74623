package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"referralfees/internal/config"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ------------------------ tests not real connection ------------------------
func TestNew_NilConfig(t *testing.T) {
	client, err := New(zap.NewNop().Sugar(), nil)

	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Equal(t, "nats config is required", err.Error())
}

func TestNew_EmptyURL(t *testing.T) {
	client, err := New(zap.NewNop().Sugar(), &config.NATSConfig{})

	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Equal(t, "nats url is required", err.Error())
}

func TestNilConnection(t *testing.T) {
	client := &Client{log: zap.NewNop().Sugar()}

	assert.False(t, client.Ready())
	assert.Equal(t, nats.DISCONNECTED, client.Status())
	assert.Error(t, client.Health(context.Background()))
	assert.Error(t, client.Publish(context.Background(), "x", 1))
	assert.NoError(t, client.Close())
}

// ------------------------ tests in-memory nats connection ------------------------
func runTestWithInMemoryNATS(t *testing.T, testFunc func(*testing.T, *server.Server, string)) {
	t.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = -1 // random port
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	testFunc(t, s, s.ClientURL())
}

func TestConnect_Success(t *testing.T) {
	runTestWithInMemoryNATS(t, func(t *testing.T, s *server.Server, url string) {
		client, err := New(zap.NewNop().Sugar(), &config.NATSConfig{URL: url})
		require.NoError(t, err)
		defer client.Close()

		assert.True(t, client.Ready())
		assert.Equal(t, nats.CONNECTED, client.Status())
		assert.NoError(t, client.Health(context.Background()))
	})
}

func TestPublish_DeliversJSON(t *testing.T) {
	runTestWithInMemoryNATS(t, func(t *testing.T, s *server.Server, url string) {
		client, err := New(zap.NewNop().Sugar(), &config.NATSConfig{URL: url})
		require.NoError(t, err)
		defer client.Close()

		sub, err := nats.Connect(url)
		require.NoError(t, err)
		defer sub.Close()

		ch := make(chan *nats.Msg, 1)
		_, err = sub.ChanSubscribe("referralfees.snapshot", ch)
		require.NoError(t, err)
		require.NoError(t, sub.Flush())

		payload := map[string]any{"key": "referral-fees.json", "totalFees": 1.5}
		require.NoError(t, client.Publish(context.Background(), "referralfees.snapshot", payload))

		select {
		case msg := <-ch:
			var got map[string]any
			require.NoError(t, json.Unmarshal(msg.Data, &got))
			assert.Equal(t, "referral-fees.json", got["key"])
			assert.Equal(t, 1.5, got["totalFees"])
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	})
}

func TestClose_Idempotent(t *testing.T) {
	runTestWithInMemoryNATS(t, func(t *testing.T, s *server.Server, url string) {
		client, err := New(zap.NewNop().Sugar(), &config.NATSConfig{URL: url})
		require.NoError(t, err)

		assert.NoError(t, client.Close())
		assert.NoError(t, client.Close())

		assert.False(t, client.Ready())
		assert.Equal(t, nats.CLOSED, client.Status())
	})
}
