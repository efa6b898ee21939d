package ws

import (
	"context"
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

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer echoes every text frame back with an "echo:" prefix.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}

func TestWSClient_RoundTrip(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	received := make(chan string, 4)
	client := NewWSClient(WSConfig{
		URL:       wsURL(server),
		OnMessage: func(data []byte) { received <- string(data) },
	})

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected())

	require.NoError(t, client.WriteMessage([]byte("one")))
	require.NoError(t, client.SendJSON(map[string]string{"k": "v"}))

	assert.Equal(t, "echo:one", <-received)
	assert.Equal(t, `echo:{"k":"v"}`, <-received)

	require.NoError(t, client.Close())
	assert.Equal(t, StateClosed, client.State())
	<-client.Done()
	assert.NoError(t, client.Err())
}

func TestWSClient_ConnectTwice(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	client := NewWSClient(WSConfig{URL: wsURL(server)})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.Error(t, client.Connect(context.Background()))
}

func TestWSClient_ConnectFailure(t *testing.T) {
	server := echoServer(t)
	url := wsURL(server)
	server.Close()

	client := NewWSClient(WSConfig{URL: url})
	assert.Error(t, client.Connect(context.Background()))

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after failed connect")
	}
}

func TestWSClient_PeerDisconnect(t *testing.T) {
	var (
		mu     sync.Mutex
		server *websocket.Conn
	)
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		server = conn
		mu.Unlock()
		close(ready)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewWSClient(WSConfig{URL: wsURL(srv)})
	require.NoError(t, client.Connect(context.Background()))
	<-ready

	mu.Lock()
	_ = server.Close()
	mu.Unlock()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("terminal event not observed")
	}
	assert.Error(t, client.Err())
	assert.Equal(t, StateClosed, client.State())
	assert.ErrorIs(t, client.WriteMessage([]byte("x")), ErrNotConnected)
}

func TestWSClient_IdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewWSClient(WSConfig{URL: wsURL(srv), IdleTimeout: 50 * time.Millisecond})
	require.NoError(t, client.Connect(context.Background()))

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}
	assert.Error(t, client.Err())
}

func TestWSClient_WriteBeforeConnect(t *testing.T) {
	client := NewWSClient(WSConfig{URL: "ws://127.0.0.1:1"})
	assert.ErrorIs(t, client.WriteMessage([]byte("x")), ErrNotConnected)
	assert.ErrorIs(t, client.SendJSON(map[string]string{"k": "v"}), ErrNotConnected)
	assert.False(t, client.IsConnected())
}
