// Package ws wraps a single gws websocket connection.
//
// A WSClient owns one socket and one read goroutine. Inbound text frames are
// handed to the configured callback on that goroutine, in arrival order. The
// connection is never re-established: when it drops, Done is closed and Err
// reports the cause.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/lxzan/gws"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by writes on a connection that is not open.
var ErrNotConnected = errors.New("websocket not connected")

// WSConfig holds configuration options for a websocket client.
type WSConfig struct {
	// URL is the websocket server endpoint.
	URL string
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	// IdleTimeout closes the connection when nothing is received for this long.
	// Every inbound frame, ping or pong extends the deadline.
	IdleTimeout time.Duration
	// OnMessage receives a private copy of every non-empty inbound message.
	OnMessage func(data []byte)
}

// WSClient manages one websocket connection.
type WSClient struct {
	config  WSConfig
	state   *State
	handler *wsEventHandler
	logger  zerolog.Logger

	mu     sync.RWMutex
	conn   *gws.Conn
	opened chan struct{}
	done   chan struct{}
	err    error
	once   sync.Once
	wg     sync.WaitGroup
}

type wsEventHandler struct {
	client *WSClient
}

// NewWSClient creates a websocket client with the given configuration.
// Zero timeouts are replaced by defaults.
func NewWSClient(config WSConfig) *WSClient {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 2 * time.Minute
	}

	client := &WSClient{
		config: config,
		state:  &State{},
		opened: make(chan struct{}),
		done:   make(chan struct{}),
		logger: zerolog.Nop(),
	}
	client.handler = &wsEventHandler{client: client}
	return client
}

// SetLogger configures the logger for the websocket client.
func (c *WSClient) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func (h *wsEventHandler) OnOpen(socket *gws.Conn) {
	h.client.state.CompareAndSwap(StateConnecting, StateConnected)
	h.client.touch(socket)
	close(h.client.opened)

	h.client.logger.Info().
		Str("url", h.client.config.URL).
		Msg("websocket connected")
}

func (h *wsEventHandler) OnClose(socket *gws.Conn, err error) {
	prev := h.client.state.Swap(StateClosed)
	if prev == StateClosed {
		// closed locally
		h.client.finish(nil)
		return
	}

	h.client.logger.Warn().
		Err(err).
		Str("url", h.client.config.URL).
		Msg("websocket disconnected")

	if err == nil {
		err = errors.New("connection closed by peer")
	}
	h.client.finish(fmt.Errorf("websocket closed: %w", err))
}

func (h *wsEventHandler) OnPing(socket *gws.Conn, payload []byte) {
	h.client.touch(socket)
	_ = socket.WritePong(payload)
}

func (h *wsEventHandler) OnPong(socket *gws.Conn, payload []byte) {
	h.client.touch(socket)
}

func (h *wsEventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	h.client.touch(socket)

	raw := message.Bytes()
	if len(raw) == 0 || h.client.config.OnMessage == nil {
		return
	}

	// the message buffer is pooled and reused once closed
	data := make([]byte, len(raw))
	copy(data, raw)
	h.client.config.OnMessage(data)
}

func (c *WSClient) touch(socket *gws.Conn) {
	_ = socket.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
}

func (c *WSClient) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Connect opens the connection and returns once the handshake completes.
// A WSClient connects at most once.
func (c *WSClient) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(StateIdle, StateConnecting) {
		return fmt.Errorf("invalid state for connect: %s", c.state.Load())
	}

	socket, _, err := gws.NewClient(c.handler, &gws.ClientOption{
		Addr:             c.config.URL,
		HandshakeTimeout: c.config.HandshakeTimeout,
	})
	if err != nil {
		c.state.Store(StateClosed)
		c.finish(fmt.Errorf("connect websocket: %w", err))
		return fmt.Errorf("connect websocket: %w", err)
	}

	c.mu.Lock()
	c.conn = socket
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		socket.ReadLoop()
	}()

	select {
	case <-c.opened:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

// Close shuts the connection down and waits for the read goroutine to exit.
func (c *WSClient) Close() error {
	if c.state.Swap(StateClosed) == StateClosed {
		c.wg.Wait()
		return nil
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		_ = conn.WriteClose(1000, nil)
		_ = conn.NetConn().Close()
	}
	c.finish(nil)
	c.wg.Wait()
	return nil
}

// Done is closed when the connection has terminated for any reason.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Err returns the cause of an unexpected termination, nil after a local Close.
func (c *WSClient) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// State returns the current connection state.
func (c *WSClient) State() ConnState {
	return c.state.Load()
}

// IsConnected returns true if the websocket has an active connection.
func (c *WSClient) IsConnected() bool {
	return c.state.Load() == StateConnected
}

// WriteMessage sends a text frame.
func (c *WSClient) WriteMessage(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || c.state.Load() != StateConnected {
		return ErrNotConnected
	}
	return conn.WriteMessage(gws.OpcodeText, data)
}

// SendJSON marshals v with sonic and sends it as a text frame.
func (c *WSClient) SendJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return c.WriteMessage(data)
}
