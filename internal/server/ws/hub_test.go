package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
	subd chan struct{}
}

func newChanBus() *chanBus {
	return &chanBus{subs: make(map[string]chan []byte), subd: make(chan struct{})}
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[channel] = ch
	b.mu.Unlock()
	close(b.subd)
	return ch, nil
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubStreamsPositionsPerWallet(t *testing.T) {
	const walletA = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	const walletB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	bus := newChanBus()
	hub := NewHub(bus, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	<-bus.subd

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	scoped := dial(t, srv, "?wallet="+strings.ToLower(walletA))
	all := dial(t, srv, "")

	assert.Equal(t, "hello", readFrame(t, scoped).Type)
	assert.Equal(t, "hello", readFrame(t, all).Type)

	require.NoError(t, bus.Publish(ctx, "positions", []byte(`{"id":"p-b","walletAddress":"`+walletB+`","status":"pending"}`)))
	require.NoError(t, bus.Publish(ctx, "positions", []byte(`{"id":"p-a","walletAddress":"`+walletA+`","status":"active"}`)))

	var got struct {
		ID string `json:"id"`
	}

	f := readFrame(t, scoped)
	assert.Equal(t, "position", f.Type)
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	assert.Equal(t, "p-a", got.ID)

	f = readFrame(t, all)
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	assert.Equal(t, "p-b", got.ID)
	f = readFrame(t, all)
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	assert.Equal(t, "p-a", got.ID)
}

func httpHandler(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.HandleWS)
	return mux
}
