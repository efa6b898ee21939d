// Package metrics holds the prometheus collectors shared by the gateway,
// the token manager and streaming sessions. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kisgate"

// Request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeAPIError  = "api_error"
	OutcomeAuthRetry = "auth_retry"
	OutcomeError     = "error"
)

// Frame outcomes.
const (
	FrameDispatched   = "dispatched"
	FrameDropped      = "dropped"
	FrameDecodeError  = "decode_error"
	FrameHandlerError = "handler_error"
)

// Metrics is the set of collectors for one client.
type Metrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	walks         *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	frames        *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

// New registers all collectors on reg. Collectors already registered on reg
// by an earlier call are reused, so clients sharing a registry share the
// series. A nil reg registers nothing.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "REST round trips by transaction id and outcome",
		}, []string{"tr_id", "outcome"})),

		latency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "REST round trip latency",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"tr_id"})),

		walks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "walks_total",
			Help:      "Pagination walks by stop reason",
		}, []string{"stop"})),

		tokens: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "issued_total",
			Help:      "Tokens issued by kind",
		}, []string{"kind"})),

		invalidations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "invalidated_total",
			Help:      "Cached tokens invalidated by kind",
		}, []string{"kind"})),

		frames: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Streaming data frames by transaction id and outcome",
		}, []string{"tr_id", "outcome"})),

		subscriptions: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscriptions",
			Help:      "Active streaming subscriptions",
		})),
	}
}

// register adds c to reg, or returns the equivalent collector reg already
// holds. Any other registration error is a programming error and panics.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}

// ObserveRequest records one REST round trip.
func (m *Metrics) ObserveRequest(trID, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(trID, outcome).Inc()
	m.latency.WithLabelValues(trID).Observe(elapsed.Seconds())
}

// ObserveWalk records the stop reason of a finished pagination walk.
func (m *Metrics) ObserveWalk(stop string) {
	if m == nil {
		return
	}
	m.walks.WithLabelValues(stop).Inc()
}

// TokenIssued counts a freshly issued token.
func (m *Metrics) TokenIssued(kind string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(kind).Inc()
}

// TokenInvalidated counts an evicted token.
func (m *Metrics) TokenInvalidated(kind string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(kind).Inc()
}

// Frame counts one streaming frame outcome.
func (m *Metrics) Frame(trID, outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(trID, outcome).Inc()
}

// SubscriptionAdded increments the active subscription gauge.
func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

// SubscriptionRemoved decrements the active subscription gauge.
func (m *Metrics) SubscriptionRemoved() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}
