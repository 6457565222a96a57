package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphaTradeSync/internal/ports"
)

type nopHandler struct{}

func (nopHandler) HandleExecution(ctx context.Context, ev ports.ExecutionEvent) error { return nil }
func (nopHandler) HandleOrder(ctx context.Context, ev ports.OrderEvent) error         { return nil }
func (nopHandler) HandlePosition(ctx context.Context, ev ports.PositionEvent) error   { return nil }

// wsTestServer accepts private-stream connections, acknowledges auth and
// subscribe, then drops the connection. Every completed handshake is
// reported on the channel.
func wsTestServer(t *testing.T, connected chan<- struct{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, op := range []string{"auth", "subscribe"} {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Op != op {
				return
			}
			if err := conn.WriteJSON(map[string]interface{}{"op": op, "success": true}); err != nil {
				return
			}
		}
		connected <- struct{}{}
	}))
}

func testStream(t *testing.T, url string, maxAttempts int) *Stream {
	t.Helper()
	s, err := NewStream(StreamConfig{
		APIKey:               "key",
		APISecret:            "secret",
		Logger:               &mockLogger{},
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: maxAttempts,
	})
	require.NoError(t, err)
	s.wsURL = "ws" + strings.TrimPrefix(url, "http")
	return s
}

func TestStream_SuccessfulConnectResetsReconnectBudget(t *testing.T) {
	connected := make(chan struct{}, 16)
	srv := wsTestServer(t, connected)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	s := testStream(t, srv.URL, 2)
	go func() { done <- s.Start(ctx, nopHandler{}) }()

	// Three full auth+subscribe cycles exceed a budget of two consecutive
	// failures; the stream keeps reconnecting because each completed
	// handshake resets the count.
	for i := 0; i < 3; i++ {
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d never completed", i+1)
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestStream_GivesUpAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listens here any more

	s := testStream(t, url, 2)
	err := s.Start(context.Background(), nopHandler{})
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
}
