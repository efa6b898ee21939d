// Package gateway executes authenticated REST calls against the brokerage,
// including continuation-key pagination walks.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"kisgate/internal/metrics"
	"kisgate/internal/ratelimit"
	"kisgate/internal/transport"
	"kisgate/pkg/auth"
	"kisgate/pkg/core"
)

// HashKeyPath issues the body hash attached to write requests.
const HashKeyPath = "/uapi/hashkey"

// Message codes of a rejected or expired access token.
const (
	CodeInvalidToken = "EGW00121"
	CodeExpiredToken = "EGW00123"
)

// Doer performs one HTTP round trip.
type Doer interface {
	Do(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// TokenSource supplies and invalidates access tokens.
type TokenSource interface {
	Auth(ctx context.Context) (*auth.Token, error)
	Invalidate(ctx context.Context, kind auth.Kind, value string) bool
}

// Gateway turns RequestSpecs into signed HTTP calls.
type Gateway struct {
	doer    Doer
	tokens  TokenSource
	config  *core.Config
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics records request and walk metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLimiter shares a request limiter between gateways.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithSleep replaces the pause taken between pages.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = fn }
}

// New creates a Gateway.
func New(doer Doer, tokens TokenSource, config *core.Config, opts ...Option) *Gateway {
	g := &Gateway{
		doer:   doer,
		tokens: tokens,
		config: config,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.limiter == nil {
		g.limiter = ratelimit.New(config.RateLimitRequests, config.RateLimitPeriod)
	}
	return g
}

// Do executes exactly one call without following continuation pages.
// An API-level failure is reported through the envelope, not the error.
func (g *Gateway) Do(ctx context.Context, spec *core.RequestSpec) (*core.Envelope, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return g.fetch(ctx, spec, NewPageCursor())
}

// Call executes spec and follows continuation pages until the server reports
// the last page or the depth bound is reached. The returned Result always
// holds the pages fetched so far. The error is non-nil only for transport,
// authentication or validation failures.
func (g *Gateway) Call(ctx context.Context, spec *core.RequestSpec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	pacer := ratelimit.NewPacer(g.config.PageInterval)
	if g.sleep != nil {
		pacer.WithSleep(g.sleep)
	}

	cursor := NewPageCursor()
	result := &Result{}
	logger := g.logger.With().Str("tr_id", spec.TransactionID).Str("path", spec.Path).Logger()

	finish := func(stop StopReason, err error) (*Result, error) {
		result.Stop = stop
		result.Err = err
		g.metrics.ObserveWalk(stop.String())
		logger.Debug().
			Str("stop", stop.String()).
			Int("pages", len(result.Pages)).
			Int("pauses", pacer.Waits()).
			Msg("walk finished")
		if stop == StopError {
			return result, err
		}
		return result, nil
	}

	for {
		env, err := g.fetch(ctx, spec, cursor)
		if err != nil {
			return finish(StopError, err)
		}
		if !env.Success() {
			logger.Warn().
				Int("depth", cursor.Depth).
				Str("code", env.MessageCode).
				Str("msg", env.Message).
				Msg("api error")
			return finish(StopAPIError, env.Err())
		}
		result.Pages = append(result.Pages, env)

		if !env.Continuation.HasMore() {
			return finish(StopComplete, nil)
		}
		if cursor.Depth >= g.config.MaxPageDepth {
			logger.Info().Int("depth", cursor.Depth).Msg("page depth limit reached")
			return finish(StopLimit, nil)
		}
		if cursor.Seen(env) {
			logger.Warn().
				Str("search_key", env.SearchKey).
				Str("next_key", env.NextKey).
				Msg("cursor repeated")
			return finish(StopCursorRepeat, nil)
		}

		if err := pacer.Pause(ctx); err != nil {
			return finish(StopError, core.NewTransportError("page pause", err).WithTransaction(spec.TransactionID))
		}
		cursor.Advance(env)
	}
}

// fetch performs one page request, renewing the access token once if the
// server rejects it.
func (g *Gateway) fetch(ctx context.Context, spec *core.RequestSpec, cursor *PageCursor) (*core.Envelope, error) {
	page := cursor.apply(spec)

	for attempt := 0; ; attempt++ {
		tok, err := g.tokens.Auth(ctx)
		if err != nil {
			return nil, err
		}

		env, status, err := g.send(ctx, page, cursor, tok)
		if err != nil {
			return nil, err
		}
		if !rejected(status, env) {
			return env, nil
		}

		g.tokens.Invalidate(ctx, auth.KindAccess, tok.Value)
		g.metrics.ObserveRequest(spec.TransactionID, metrics.OutcomeAuthRetry, 0)
		if attempt > 0 {
			e := core.NewAuthError("access token rejected after renewal", nil).
				WithTransaction(spec.TransactionID).
				WithStatus(status)
			if env != nil {
				e.Code = env.MessageCode
			}
			return nil, e
		}
		g.logger.Warn().
			Str("tr_id", spec.TransactionID).
			Int("status", status).
			Msg("access token rejected, renewing")
	}
}

func rejected(status int, env *core.Envelope) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	return env != nil && (env.MessageCode == CodeInvalidToken || env.MessageCode == CodeExpiredToken)
}

// send performs one HTTP round trip. A 401 returns a nil envelope and no error.
func (g *Gateway) send(ctx context.Context, spec *core.RequestSpec, cursor *PageCursor, tok *auth.Token) (*core.Envelope, int, error) {
	trID := spec.TransactionID
	if g.config.IsPaper() {
		trID = core.PaperTransactionID(trID)
	}

	creds := g.config.Credentials
	headers := map[string]string{
		"content-type":  "application/json; charset=utf-8",
		"authorization": tok.Authorization(),
		"appkey":        creds.AppKey,
		"appsecret":     creds.AppSecret,
		"tr_id":         trID,
		"custtype":      g.config.CustType,
		"tr_cont":       cursor.RequestFlag(),
	}

	req := &transport.Request{Path: spec.Path, Headers: headers}
	if spec.IsWrite {
		body := spec.Body()
		req.Method = http.MethodPost
		req.Body = body
		if g.config.UseHashKey {
			hash, err := g.hashKey(ctx, body)
			if err != nil {
				return nil, 0, err
			}
			headers["hashkey"] = hash
		}
	} else {
		req.Method = http.MethodGet
		req.Query = spec.QueryParams()
	}

	if err := g.limiter.Wait(ctx, creds.AppKey); err != nil {
		return nil, 0, core.NewTransportError("rate limit wait", err).WithTransaction(trID)
	}

	start := time.Now()
	resp, err := g.doer.Do(ctx, req)
	if err != nil {
		g.metrics.ObserveRequest(spec.TransactionID, metrics.OutcomeError, time.Since(start))
		return nil, 0, core.NewTransportError("http request", err).WithTransaction(trID)
	}

	g.logger.Debug().
		Str("tr_id", trID).
		Str("path", spec.Path).
		Int("depth", cursor.Depth).
		Int("status", resp.StatusCode).
		Msg("page received")

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, nil
	}

	env, err := core.ParseEnvelope(resp.StatusCode, resp.Header.Get("tr_cont"), resp.Body, spec.Cursor)
	if err != nil {
		g.metrics.ObserveRequest(spec.TransactionID, metrics.OutcomeError, time.Since(start))
		if !resp.IsSuccess() {
			return nil, resp.StatusCode, core.NewTransportError(
				fmt.Sprintf("unexpected status %d", resp.StatusCode), err).
				WithTransaction(trID).
				WithStatus(resp.StatusCode)
		}
		var ce *core.Error
		if errors.As(err, &ce) {
			ce.WithTransaction(trID)
		}
		return nil, resp.StatusCode, err
	}
	env.TransactionID = trID

	outcome := metrics.OutcomeSuccess
	if !env.Success() {
		outcome = metrics.OutcomeAPIError
	}
	g.metrics.ObserveRequest(spec.TransactionID, outcome, time.Since(start))
	return env, resp.StatusCode, nil
}

type hashKeyResponse struct {
	Hash string `json:"HASH"`
}

// hashKey asks the server for the hash of a write body.
func (g *Gateway) hashKey(ctx context.Context, body map[string]any) (string, error) {
	creds := g.config.Credentials
	if err := g.limiter.Wait(ctx, creds.AppKey); err != nil {
		return "", core.NewTransportError("rate limit wait", err)
	}
	resp, err := g.doer.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   HashKeyPath,
		Body:   body,
		Headers: map[string]string{
			"content-type": "application/json; charset=utf-8",
			"appkey":       creds.AppKey,
			"appsecret":    creds.AppSecret,
		},
	})
	if err != nil {
		return "", core.NewTransportError("hashkey request", err)
	}
	if !resp.IsSuccess() {
		return "", core.NewTransportError(fmt.Sprintf("hashkey status %d", resp.StatusCode), nil).WithStatus(resp.StatusCode)
	}

	var out hashKeyResponse
	if err := resp.Unmarshal(&out); err != nil || out.Hash == "" {
		return "", core.NewParseError("decode hashkey", err)
	}
	return out.Hash, nil
}
