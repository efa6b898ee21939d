package stream

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kisgate/internal/metrics"
	"kisgate/internal/ws"
	"kisgate/pkg/auth"
	"kisgate/pkg/core"
)

// ApprovalKeySource supplies the streaming approval key.
type ApprovalKeySource interface {
	AuthStream(ctx context.Context) (*auth.Token, error)
}

// Subscription is one transaction streamed for a set of instrument keys.
// It doubles as the handle passed to Unsubscribe.
type Subscription struct {
	ID            string
	TransactionID string
	Keys          []string

	cipher atomic.Pointer[CipherContext]
}

// Cipher returns the decryption context, or nil before the server sent one.
func (s *Subscription) Cipher() *CipherContext {
	return s.cipher.Load()
}

// setCipher stores c unless a context is already set.
func (s *Subscription) setCipher(c *CipherContext) bool {
	return s.cipher.CompareAndSwap(nil, c)
}

// SubscriptionInfo describes a subscription for replay after a reconnect.
type SubscriptionInfo struct {
	TransactionID string
	Keys          []string
}

// Session owns one streaming connection and the subscriptions multiplexed on it.
//
// A single read goroutine handles acknowledgements and keepalives inline and
// hands data frames to a fixed pool of workers. Frames are sharded by
// transaction id, so each subscription sees its records in wire order.
// A Session never reconnects: when the connection drops, Done is closed and
// Err reports why. Handlers must not call Close.
type Session struct {
	config     *core.Config
	keys       ApprovalKeySource
	codec      *Codec
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	conn     *ws.WSClient
	approval string

	mu       sync.RWMutex
	subs     map[string]*Subscription
	keyCount int

	ctrlMu    sync.Mutex
	pendingMu sync.Mutex
	pending   map[string]chan *controlMessage

	workers []chan *Frame
	wg      sync.WaitGroup
	quit    chan struct{}
	stopped sync.Once

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.RWMutex
	err      error

	connected atomic.Bool
	closed    atomic.Bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithSessionMetrics records frame and subscription metrics.
func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates an unconnected session.
func NewSession(config *core.Config, keys ApprovalKeySource, opts ...SessionOption) *Session {
	s := &Session{
		config:  config,
		keys:    keys,
		codec:   NewCodec(config.StreamPayloadEncoding),
		logger:  zerolog.Nop(),
		subs:    make(map[string]*Subscription),
		pending: make(map[string]chan *controlMessage),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = NewDispatcher(s.logger, s.metrics)
	return s
}

// Connect obtains the approval key and opens the connection. A failure to
// obtain the key can be retried; a failed connection ends the session.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return core.ErrSessionClosed
	}
	if s.connected.Load() {
		return nil
	}
	select {
	case <-s.done:
		return core.ErrSessionClosed
	default:
	}

	tok, err := s.keys.AuthStream(ctx)
	if err != nil {
		if core.IsAuthError(err) {
			return err
		}
		return core.NewAuthError("obtain approval key", err)
	}
	if tok == nil || tok.Value == "" {
		return core.NewAuthError("empty approval key", nil)
	}
	s.approval = tok.Value

	s.conn = ws.NewWSClient(ws.WSConfig{
		URL:         s.config.StreamEndpoint(),
		IdleTimeout: s.config.StreamIdleTimeout,
		OnMessage:   s.onMessage,
	})
	s.conn.SetLogger(s.logger)

	s.startWorkers()
	if err := s.conn.Connect(ctx); err != nil {
		e := core.NewTransportError("connect stream", err)
		s.stop()
		s.finish(e)
		return e
	}
	s.connected.Store(true)

	go s.watch()
	s.logger.Info().Str("url", s.config.StreamEndpoint()).Msg("stream session connected")
	return nil
}

func (s *Session) startWorkers() {
	n := max(s.config.StreamWorkers, 1)
	s.workers = make([]chan *Frame, n)
	for i := range s.workers {
		ch := make(chan *Frame, s.config.StreamBufferSize)
		s.workers[i] = ch
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case f := <-ch:
					s.handleFrame(f)
				case <-s.quit:
					return
				}
			}
		}()
	}
}

func (s *Session) stop() {
	s.stopped.Do(func() { close(s.quit) })
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

// watch turns a dropped connection into the session's terminal event.
func (s *Session) watch() {
	<-s.conn.Done()
	if s.closed.Load() {
		return
	}

	err := s.conn.Err()
	if err == nil {
		err = errors.New("connection closed")
	}
	s.logger.Error().Err(err).Msg("stream connection lost")
	s.connected.Store(false)
	s.stop()
	s.finish(core.NewTransportError("stream connection lost", err))
}

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the cause of an unexpected termination, nil otherwise.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

// Subscribe starts streaming trID for every key. It returns once the server
// acknowledged every key; if any key is refused, the keys already accepted
// are unsubscribed and the error is returned.
func (s *Session) Subscribe(ctx context.Context, trID string, keys []string, handler Handler) (*Subscription, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if trID == "" || len(keys) == 0 || handler == nil {
		return nil, core.NewValidationError("subscribe needs a transaction id, keys and a handler", nil).WithTransaction(trID)
	}
	if _, ok := LookupSchema(trID); !ok {
		return nil, core.NewValidationError("subscribe", core.ErrUnknownTransaction).WithTransaction(trID)
	}

	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	sub := &Subscription{
		ID:            uuid.NewString(),
		TransactionID: trID,
		Keys:          append([]string(nil), keys...),
	}

	s.mu.Lock()
	if _, ok := s.subs[trID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", trID, core.ErrDuplicateSubscription)
	}
	if s.keyCount+len(keys) > s.config.MaxSubscriptions {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", trID, core.ErrSubscriptionLimit)
	}
	s.subs[trID] = sub
	s.keyCount += len(keys)
	s.mu.Unlock()

	if err := s.dispatcher.Register(trID, handler); err != nil {
		s.remove(sub)
		return nil, err
	}

	acked := make([]string, 0, len(keys))
	for _, key := range keys {
		ack, err := s.control(ctx, trTypeSubscribe, trID, key)
		if err == nil && ack.hasCipher() {
			var c *CipherContext
			if c, err = NewCipherContext(ack.Body.Output.Key, ack.Body.Output.IV); err == nil {
				sub.setCipher(c)
			}
		}
		if err != nil {
			s.rollback(sub, acked)
			return nil, err
		}
		acked = append(acked, key)
	}

	s.metrics.SubscriptionAdded()
	s.logger.Info().
		Str("tr_id", trID).
		Strs("keys", keys).
		Bool("encrypted", sub.Cipher() != nil).
		Msg("subscribed")
	return sub, nil
}

func (s *Session) rollback(sub *Subscription, acked []string) {
	s.remove(sub)
	for _, key := range acked {
		msg := newControlRequest(s.approval, s.config.CustType, trTypeUnsubscribe, sub.TransactionID, key)
		if err := s.conn.SendJSON(msg); err != nil {
			s.logger.Warn().Err(err).Str("tr_id", sub.TransactionID).Str("key", key).Msg("rollback unsubscribe")
		}
	}
}

// remove drops sub and its handler. It reports whether sub was registered.
func (s *Session) remove(sub *Subscription) bool {
	s.mu.Lock()
	cur, ok := s.subs[sub.TransactionID]
	if !ok || cur != sub {
		s.mu.Unlock()
		return false
	}
	delete(s.subs, sub.TransactionID)
	s.keyCount -= len(sub.Keys)
	s.mu.Unlock()

	s.dispatcher.Unregister(sub.TransactionID)
	return true
}

// Unsubscribe stops sub. The subscription, its cipher and its handler are
// removed immediately; frames still in flight for it are dropped. A
// Subscribe still waiting for its acknowledgements completes first.
func (s *Session) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	if !s.remove(sub) {
		return nil
	}
	s.metrics.SubscriptionRemoved()
	s.logger.Info().Str("tr_id", sub.TransactionID).Msg("unsubscribed")

	if !s.connected.Load() {
		return nil
	}

	var errs []error
	for _, key := range sub.Keys {
		if _, err := s.control(ctx, trTypeUnsubscribe, sub.TransactionID, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscriptions returns the current subscriptions, sorted by transaction id.
func (s *Session) Subscriptions() []SubscriptionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SubscriptionInfo, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, SubscriptionInfo{
			TransactionID: sub.TransactionID,
			Keys:          append([]string(nil), sub.Keys...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}

// Subscription returns the active subscription of trID, or nil.
func (s *Session) Subscription(trID string) *Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs[trID]
}

// Close closes the connection, stops the workers and drops all subscriptions.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.connected.Store(false)
	s.stop()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	for trID := range s.subs {
		s.dispatcher.Unregister(trID)
		s.metrics.SubscriptionRemoved()
	}
	s.subs = make(map[string]*Subscription)
	s.keyCount = 0
	s.mu.Unlock()

	s.finish(nil)
	s.logger.Info().Msg("stream session closed")
	return nil
}

func (s *Session) usable() error {
	if s.closed.Load() {
		return core.ErrSessionClosed
	}
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return core.ErrSessionClosed
	default:
	}
	if !s.connected.Load() || !s.conn.IsConnected() {
		return core.ErrNotConnected
	}
	return nil
}

// control sends one control message and waits for its acknowledgement.
func (s *Session) control(ctx context.Context, trType, trID, key string) (*controlMessage, error) {
	ch := make(chan *controlMessage, 1)
	pk := pendingKey(trID, key)

	s.pendingMu.Lock()
	s.pending[pk] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, pk)
		s.pendingMu.Unlock()
	}()

	msg := newControlRequest(s.approval, s.config.CustType, trType, trID, key)
	if err := s.conn.SendJSON(msg); err != nil {
		return nil, core.NewTransportError("send control message", err).WithTransaction(trID)
	}

	timer := time.NewTimer(s.config.StreamAckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if ack.success() {
			return ack, nil
		}
		if ack.approvalRejected() {
			e := core.NewAuthError("approval key rejected: "+ack.Body.Message, nil).WithTransaction(trID)
			e.Code = ack.Body.MessageCode
			return nil, e
		}
		return nil, core.NewAPIError(ack.Body.MessageCode, ack.Body.Message).WithTransaction(trID)
	case <-timer.C:
		return nil, core.NewTransportError(fmt.Sprintf("no acknowledgement for %s within %s", key, s.config.StreamAckTimeout), nil).WithTransaction(trID)
	case <-ctx.Done():
		return nil, core.NewTransportError("await acknowledgement", ctx.Err()).WithTransaction(trID)
	case <-s.done:
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, core.ErrSessionClosed
	}
}

// onMessage runs on the connection's read goroutine.
func (s *Session) onMessage(data []byte) {
	if isDataFrame(data) {
		s.enqueue(data)
		return
	}

	var msg controlMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Int("size", len(data)).Msg("undecodable control message")
		return
	}

	if msg.isPingPong() {
		if err := s.conn.WriteMessage(data); err != nil {
			s.logger.Warn().Err(err).Msg("pingpong echo")
		}
		return
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[pendingKey(msg.Header.TrID, msg.Header.TrKey)]
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Debug().
			Str("tr_id", msg.Header.TrID).
			Str("key", msg.Header.TrKey).
			Str("msg", msg.Body.Message).
			Msg("unsolicited control message")
		return
	}
	select {
	case ch <- &msg:
	default:
	}
}

func (s *Session) enqueue(data []byte) {
	frame, err := ParseFrame(string(data))
	if err != nil {
		s.metrics.Frame("", metrics.FrameDecodeError)
		s.logger.Warn().Err(err).Msg("bad frame skipped")
		return
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(frame.TransactionID))
	ch := s.workers[h.Sum32()%uint32(len(s.workers))]

	select {
	case ch <- frame:
	case <-s.quit:
	}
}

func (s *Session) handleFrame(frame *Frame) {
	sub := s.Subscription(frame.TransactionID)
	if sub == nil && frame.Encrypted {
		s.metrics.Frame(frame.TransactionID, metrics.FrameDropped)
		s.logger.Debug().Str("tr_id", frame.TransactionID).Msg("frame for inactive subscription dropped")
		return
	}

	var cipher *CipherContext
	if sub != nil {
		cipher = sub.Cipher()
	}

	records, err := s.codec.Decode(frame, cipher)
	if err != nil {
		s.metrics.Frame(frame.TransactionID, metrics.FrameDecodeError)
		s.logger.Warn().
			Err(err).
			Str("tr_id", frame.TransactionID).
			Str("kind", core.KindOf(err).String()).
			Msg("frame skipped")
		return
	}

	s.dispatcher.Route(&Message{
		TransactionID: frame.TransactionID,
		Records:       records,
		Encrypted:     frame.Encrypted,
		ReceivedAt:    time.Now(),
	})
}
