package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNextBackoffDoublesUpToMax(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(1*time.Second))
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second))
	assert.Equal(t, backoffMax, nextBackoff(backoffMax))
	assert.Equal(t, backoffMax, nextBackoff(backoffMax/2+time.Second))
}

func TestJitterStaysWithinConfiguredFraction(t *testing.T) {
	base := 10 * time.Second
	delta := time.Duration(float64(base) * jitterFraction)
	for i := 0; i < 50; i++ {
		got := jitter(base)
		assert.GreaterOrEqual(t, got, base-delta)
		assert.LessOrEqual(t, got, base+delta)
	}
}

func TestConnectSendsNodeHelloAndProcessesWelcome(t *testing.T) {
	upgrader := websocket.Upgrader{}
	helloReceived := make(chan map[string]any, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var hello map[string]any
		require.NoError(t, json.Unmarshal(raw, &hello))
		helloReceived <- hello

		welcome, _ := json.Marshal(map[string]string{"type": "welcome", "client_id": "test"})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, welcome))

		// Keep the connection open (blocked on a read that never arrives)
		// until the test tears the server down, so the client's own
		// context cancellation is what ends connect(), not a server close.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{
		MasterURL:          wsURL,
		DisplayName:        "test-node",
		Tags:               []string{"gpu"},
		StaticCapabilities: map[string]string{"static": "1"},
	}, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := c.connect(ctx)
	assert.NoError(t, err, "connect must return nil once its context is cancelled")

	select {
	case hello := <-helloReceived:
		assert.Equal(t, "node.hello", hello["type"])
		assert.Equal(t, "test-node", hello["display_name"])
		caps, ok := hello["capabilities"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "1", caps["static"])
	default:
		t.Fatal("master never received node.hello")
	}
}
