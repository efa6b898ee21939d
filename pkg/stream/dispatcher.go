package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kisgate/internal/metrics"
	"kisgate/pkg/core"
)

// Message is one decoded frame delivered to a handler.
type Message struct {
	TransactionID string
	Records       []Record
	Encrypted     bool
	ReceivedAt    time.Time
}

// Handler consumes the records of one frame. A returned error is logged;
// it never stops the stream.
type Handler func(msg *Message) error

// Dispatcher routes decoded frames to the handler registered for their
// transaction id.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger,
		metrics:  m,
	}
}

// Register sets the handler of trID.
func (d *Dispatcher) Register(trID string, h Handler) error {
	if h == nil {
		return core.NewValidationError("nil handler", nil).WithTransaction(trID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[trID]; ok {
		return fmt.Errorf("register %s: %w", trID, core.ErrDuplicateSubscription)
	}
	d.handlers[trID] = h
	return nil
}

// Unregister removes the handler of trID and reports whether one existed.
func (d *Dispatcher) Unregister(trID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.handlers[trID]
	delete(d.handlers, trID)
	return ok
}

// Registered reports whether trID has a handler.
func (d *Dispatcher) Registered(trID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[trID]
	return ok
}

// Route invokes the handler of msg.TransactionID. It returns false when no
// handler is registered. Handler errors and panics are logged and counted.
func (d *Dispatcher) Route(msg *Message) bool {
	d.mu.RLock()
	h, ok := d.handlers[msg.TransactionID]
	d.mu.RUnlock()

	if !ok {
		d.metrics.Frame(msg.TransactionID, metrics.FrameDropped)
		d.logger.Debug().
			Str("tr_id", msg.TransactionID).
			Int("records", len(msg.Records)).
			Msg("no handler, frame dropped")
		return false
	}

	if err := d.invoke(h, msg); err != nil {
		d.metrics.Frame(msg.TransactionID, metrics.FrameHandlerError)
		d.logger.Error().Err(err).Str("tr_id", msg.TransactionID).Msg("handler failed")
		return true
	}
	d.metrics.Frame(msg.TransactionID, metrics.FrameDispatched)
	return true
}

func (d *Dispatcher) invoke(h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}
