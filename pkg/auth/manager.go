package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kisgate/internal/metrics"
	"kisgate/internal/transport"
	"kisgate/pkg/core"
)

// Token endpoints.
const (
	AccessTokenPath  = "/oauth2/tokenP"
	ApprovalKeyPath  = "/oauth2/Approval"
	RevokeTokenPath  = "/oauth2/revokeP"
	expiryTimeLayout = "2006-01-02 15:04:05"
)

var kst = time.FixedZone("KST", 9*60*60)

// Poster performs one JSON POST round trip.
type Poster interface {
	Post(ctx context.Context, path string, body any, headers map[string]string) (*transport.Response, error)
}

type slot struct {
	mu    sync.RWMutex
	token *Token
}

// Manager issues, caches and invalidates the access token and the approval key
// of one set of credentials. Each kind has its own slot and lock; concurrent
// callers needing a fresh value share a single issuance.
type Manager struct {
	poster      Poster
	creds       *core.Credentials
	margin      time.Duration
	approvalTTL time.Duration

	store   Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	access   slot
	approval slot
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists issued tokens in store.
func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records issuance and invalidation counts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager issuing tokens through poster.
func NewManager(poster Poster, config *core.Config, opts ...Option) *Manager {
	m := &Manager{
		poster:      poster,
		creds:       config.Credentials,
		margin:      config.TokenSafetyMargin,
		approvalTTL: config.ApprovalKeyTTL,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Auth returns a valid access token, issuing one when the cache is empty or
// the cached token is within the safety margin of expiry.
func (m *Manager) Auth(ctx context.Context) (*Token, error) {
	return m.get(ctx, KindAccess, m.issueAccess)
}

// AuthStream returns a valid streaming approval key.
func (m *Manager) AuthStream(ctx context.Context) (*Token, error) {
	return m.get(ctx, KindApproval, m.issueApproval)
}

// Cached returns the cached value of kind without issuing, or nil.
func (m *Manager) Cached(kind Kind) *Token {
	s := m.slot(kind)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Invalidate drops the cached value of kind if it still equals value.
// It reports whether anything was dropped.
func (m *Manager) Invalidate(ctx context.Context, kind Kind, value string) bool {
	s := m.slot(kind)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil || s.token.Value != value {
		return false
	}
	s.token = nil
	m.metrics.TokenInvalidated(string(kind))
	m.logger.Info().Str("kind", string(kind)).Msg("token invalidated")

	if m.store != nil {
		if err := m.store.Delete(ctx, StoreKey(kind, m.creds.AppKey)); err != nil {
			m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("delete stored token")
		}
	}
	return true
}

// Revoke revokes the cached access token upstream and clears the slot.
func (m *Manager) Revoke(ctx context.Context) error {
	tok := m.Cached(KindAccess)
	if tok == nil {
		return nil
	}

	body := map[string]string{
		"appkey":    m.creds.AppKey,
		"appsecret": m.creds.AppSecret,
		"token":     tok.Value,
	}
	resp, err := m.poster.Post(ctx, RevokeTokenPath, body, jsonHeaders())
	if err != nil {
		return core.NewAuthError("revoke access token", err)
	}
	if !resp.IsSuccess() {
		return authFailure("revoke access token", resp)
	}

	m.Invalidate(ctx, KindAccess, tok.Value)
	return nil
}

func (m *Manager) slot(kind Kind) *slot {
	if kind == KindApproval {
		return &m.approval
	}
	return &m.access
}

func (m *Manager) get(ctx context.Context, kind Kind, issue func(context.Context) (*Token, error)) (*Token, error) {
	if m.creds == nil {
		return nil, core.NewAuthError("issue token", core.ErrNoCredentials)
	}

	s := m.slot(kind)
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()
	if tok.ValidAt(m.now(), m.margin) {
		return tok, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.ValidAt(m.now(), m.margin) {
		return s.token, nil
	}

	key := StoreKey(kind, m.creds.AppKey)
	if m.store != nil {
		stored, err := m.store.Load(ctx, key)
		if err != nil {
			m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("load stored token")
		} else if stored.ValidAt(m.now(), m.margin) {
			s.token = stored
			m.logger.Debug().Str("kind", string(kind)).Msg("token restored from store")
			return stored, nil
		}
	}

	tok, err := issue(ctx)
	if err != nil {
		return nil, err
	}
	s.token = tok
	m.metrics.TokenIssued(string(kind))
	m.logger.Info().
		Str("kind", string(kind)).
		Time("expires_at", tok.ExpiresAt).
		Msg("token issued")

	if m.store != nil {
		if err := m.store.Save(ctx, key, tok, tok.Remaining(m.now())); err != nil {
			m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("save token")
		}
	}
	return tok, nil
}

type accessTokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	ExpiredAt        string `json:"access_token_token_expired"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

type approvalKeyResponse struct {
	ApprovalKey      string `json:"approval_key"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

func (m *Manager) issueAccess(ctx context.Context) (*Token, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     m.creds.AppKey,
		"appsecret":  m.creds.AppSecret,
	}

	resp, err := m.poster.Post(ctx, AccessTokenPath, body, jsonHeaders())
	if err != nil {
		return nil, core.NewAuthError("issue access token", err)
	}
	if !resp.IsSuccess() {
		return nil, authFailure("issue access token", resp)
	}

	var out accessTokenResponse
	if err := resp.Unmarshal(&out); err != nil {
		return nil, core.NewAuthError("decode access token", err).WithStatus(resp.StatusCode)
	}
	if out.AccessToken == "" {
		return nil, core.NewAuthError("empty access token", nil).WithStatus(resp.StatusCode)
	}

	now := m.now()
	tok := &Token{
		Kind:     KindAccess,
		Value:    out.AccessToken,
		Type:     out.TokenType,
		IssuedAt: now,
	}
	switch {
	case out.ExpiresIn > 0:
		tok.ExpiresAt = now.Add(time.Duration(out.ExpiresIn) * time.Second)
	case out.ExpiredAt != "":
		at, err := time.ParseInLocation(expiryTimeLayout, out.ExpiredAt, kst)
		if err != nil {
			return nil, core.NewAuthError("parse token expiry", err)
		}
		tok.ExpiresAt = at
	default:
		return nil, core.NewAuthError("access token without expiry", nil)
	}
	return tok, nil
}

func (m *Manager) issueApproval(ctx context.Context) (*Token, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     m.creds.AppKey,
		"secretkey":  m.creds.AppSecret,
	}

	resp, err := m.poster.Post(ctx, ApprovalKeyPath, body, jsonHeaders())
	if err != nil {
		return nil, core.NewAuthError("issue approval key", err)
	}
	if !resp.IsSuccess() {
		return nil, authFailure("issue approval key", resp)
	}

	var out approvalKeyResponse
	if err := resp.Unmarshal(&out); err != nil {
		return nil, core.NewAuthError("decode approval key", err).WithStatus(resp.StatusCode)
	}
	if out.ApprovalKey == "" {
		return nil, core.NewAuthError("empty approval key", nil).WithStatus(resp.StatusCode)
	}

	now := m.now()
	return &Token{
		Kind:      KindApproval,
		Value:     out.ApprovalKey,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.approvalTTL),
	}, nil
}

func authFailure(msg string, resp *transport.Response) *core.Error {
	var out accessTokenResponse
	_ = resp.Unmarshal(&out)

	e := core.NewAuthError(msg, nil).WithStatus(resp.StatusCode)
	e.Code = out.ErrorCode
	if out.ErrorDescription != "" {
		e.Message = msg + ": " + out.ErrorDescription
	} else {
		e.Message = msg + ": " + http.StatusText(resp.StatusCode)
	}
	return e
}

func jsonHeaders() map[string]string {
	return map[string]string{"content-type": "application/json; charset=utf-8"}
}
