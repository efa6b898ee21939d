// Package client wires the token manager, REST gateway and streaming
// sessions into one handle per set of credentials.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"kisgate/internal/metrics"
	"kisgate/internal/ratelimit"
	"kisgate/internal/transport"
	"kisgate/pkg/auth"
	"kisgate/pkg/core"
	"kisgate/pkg/endpoint"
	"kisgate/pkg/gateway"
	"kisgate/pkg/stream"
)

// State represents the lifecycle state of a Client.
type State int

const (
	// StateActive indicates a client that is ready to process requests.
	StateActive State = iota
	// StateClosed indicates a client that has been shut down.
	StateClosed
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Client is the entry point for REST calls and streaming sessions.
// It is safe for concurrent use.
type Client struct {
	mu       sync.RWMutex
	config   *core.Config
	http     *transport.Client
	limiter  *ratelimit.Limiter
	tokens   *auth.Manager
	gateway  *gateway.Gateway
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   zerolog.Logger

	sessions  map[*stream.Session]struct{}
	state     State
	createdAt time.Time
	lastUsed  time.Time
}

type options struct {
	logger     zerolog.Logger
	store      auth.Store
	registerer prometheus.Registerer
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTokenStore persists issued tokens, e.g. in an auth.RedisStore shared
// by several processes.
func WithTokenStore(store auth.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRegisterer registers the client's metrics on reg instead of a private
// registry. Clients sharing reg report into the same series.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates a Client. The configuration is validated first.
func New(config *core.Config, opts ...Option) (*Client, error) {
	if config == nil {
		return nil, core.NewValidationError("config is required", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, core.NewValidationError("config validation", err)
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	if config.LogLevel != "" {
		level, err := zerolog.ParseLevel(config.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		o.logger = o.logger.Level(level)
	}

	var gatherer prometheus.Gatherer
	if o.registerer == nil {
		reg := prometheus.NewRegistry()
		o.registerer, gatherer = reg, reg
	} else if g, ok := o.registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := metrics.New(o.registerer)

	httpClient := transport.NewClient(transport.Config{
		BaseURL: config.RESTBaseURL(),
		Timeout: config.Timeout,
	}, o.logger)

	limiter := ratelimit.New(config.RateLimitRequests, config.RateLimitPeriod)

	authOpts := []auth.Option{auth.WithLogger(o.logger), auth.WithMetrics(m)}
	if o.store != nil {
		authOpts = append(authOpts, auth.WithStore(o.store))
	}
	tokens := auth.NewManager(httpClient, config, authOpts...)

	gw := gateway.New(httpClient, tokens, config,
		gateway.WithLogger(o.logger),
		gateway.WithMetrics(m),
		gateway.WithLimiter(limiter),
	)

	now := time.Now()
	c := &Client{
		config:    config,
		http:      httpClient,
		limiter:   limiter,
		tokens:    tokens,
		gateway:   gw,
		metrics:   m,
		gatherer:  gatherer,
		logger:    o.logger,
		sessions:  make(map[*stream.Session]struct{}),
		state:     StateActive,
		createdAt: now,
		lastUsed:  now,
	}

	c.logger.Info().
		Str("environment", string(config.Environment)).
		Str("base_url", config.RESTBaseURL()).
		Msg("client created")
	return c, nil
}

func (c *Client) touch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return core.ErrClientClosed
	}
	c.lastUsed = time.Now()
	return nil
}

// Call executes spec and follows continuation pages.
func (c *Client) Call(ctx context.Context, spec *core.RequestSpec) (*gateway.Result, error) {
	if err := c.touch(); err != nil {
		return nil, err
	}
	return c.gateway.Call(ctx, spec)
}

// Do executes exactly one page of spec.
func (c *Client) Do(ctx context.Context, spec *core.RequestSpec) (*core.Envelope, error) {
	if err := c.touch(); err != nil {
		return nil, err
	}
	return c.gateway.Do(ctx, spec)
}

// Request builds a typed request and executes it with Call.
func (c *Client) Request(ctx context.Context, req endpoint.Request) (*gateway.Result, error) {
	spec, err := endpoint.Build(req)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, spec)
}

// Tokens returns the token manager.
func (c *Client) Tokens() *auth.Manager {
	return c.tokens
}

// Stream opens a new connected streaming session. The client closes it on
// Close unless the caller closes it first.
func (c *Client) Stream(ctx context.Context) (*stream.Session, error) {
	if err := c.touch(); err != nil {
		return nil, err
	}

	s := stream.NewSession(c.config, c.tokens,
		stream.WithSessionLogger(c.logger.With().Str("component", "stream").Logger()),
		stream.WithSessionMetrics(c.metrics),
	)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = s.Close()
		return nil, core.ErrClientClosed
	}
	c.sessions[s] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-s.Done()
		c.mu.Lock()
		delete(c.sessions, s)
		c.mu.Unlock()
	}()
	return s, nil
}

// Sessions returns the number of open streaming sessions.
func (c *Client) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Close closes every session and the HTTP transport. Cached tokens are kept;
// use Tokens().Revoke to discard the access token server-side.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	sessions := make([]*stream.Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close stream session")
		}
	}
	if err := c.http.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	c.logger.Info().Msg("client closed")
	return nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Config returns the configuration the client was created with.
func (c *Client) Config() *core.Config {
	return c.config
}

// Gatherer returns the registry holding the client's metrics, or nil when
// the registerer passed to WithRegisterer cannot be gathered.
func (c *Client) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

// RateLimit reports the request limiter's counters.
func (c *Client) RateLimit() ratelimit.Snapshot {
	return c.limiter.Stats()
}

// SetRateLimit replaces the request quota of the client's credential, e.g.
// after the brokerage granted a higher limit to the account.
func (c *Client) SetRateLimit(requests int, period time.Duration) error {
	if requests < 1 || period <= 0 {
		return core.NewValidationError(fmt.Sprintf("invalid rate limit %d per %s", requests, period), nil)
	}
	c.limiter.SetLimit(c.config.Credentials.AppKey, requests, period)
	c.logger.Info().Int("requests", requests).Dur("period", period).Msg("rate limit updated")
	return nil
}

// CreatedAt returns when the client was created.
func (c *Client) CreatedAt() time.Time {
	return c.createdAt
}

// LastUsed returns when the client last started a request or session.
func (c *Client) LastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}
