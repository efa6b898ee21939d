package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kisgate/internal/metrics"
	"kisgate/internal/transport"
	"kisgate/pkg/core"
)

type fakeAuthServer struct {
	*httptest.Server
	tokenCalls    atomic.Int32
	approvalCalls atomic.Int32
	revokeCalls   atomic.Int32
	tokenStatus   int
	expiresIn     int64
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	f := &fakeAuthServer{tokenStatus: http.StatusOK, expiresIn: 86400}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]string
		_ = sonic.Unmarshal(data, &body)

		switch r.URL.Path {
		case AccessTokenPath:
			n := f.tokenCalls.Add(1)
			assert.Equal(t, "client_credentials", body["grant_type"])
			assert.Equal(t, "app-key-0001", body["appkey"])
			assert.Equal(t, "app-secret", body["appsecret"])
			if f.tokenStatus != http.StatusOK {
				w.WriteHeader(f.tokenStatus)
				_, _ = w.Write([]byte(`{"error_code":"EGW00133","error_description":"접근토큰 발급 잠시 후 다시 시도하세요(1분당 1회)"}`))
				return
			}
			resp, _ := sonic.Marshal(map[string]any{
				"access_token":               "access-" + string(rune('0'+n)),
				"token_type":                 "Bearer",
				"expires_in":                 f.expiresIn,
				"access_token_token_expired": "2030-01-02 15:04:05",
			})
			_, _ = w.Write(resp)
		case ApprovalKeyPath:
			n := f.approvalCalls.Add(1)
			assert.Equal(t, "app-secret", body["secretkey"])
			resp, _ := sonic.Marshal(map[string]any{"approval_key": "approval-" + string(rune('0'+n))})
			_, _ = w.Write(resp)
		case RevokeTokenPath:
			f.revokeCalls.Add(1)
			assert.NotEmpty(t, body["token"])
			_, _ = w.Write([]byte(`{"code":200,"message":"접근토큰 폐기에 성공하였습니다"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return f
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *core.Config {
	return core.DefaultConfig(core.EnvLive).WithCredentials(&core.Credentials{
		AppKey:        "app-key-0001",
		AppSecret:     "app-secret",
		AccountNumber: "12345678-01",
	})
}

func newTestManager(t *testing.T, server *fakeAuthServer, opts ...Option) (*Manager, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	client := transport.NewClient(transport.Config{BaseURL: server.URL, Timeout: 5 * time.Second}, zerolog.Nop())
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewManager(client, testConfig(), opts...), clk
}

func TestManager_AuthCaches(t *testing.T) {
	server := newFakeAuthServer(t)
	defer server.Close()

	m, _ := newTestManager(t, server)
	ctx := context.Background()

	first, err := m.Auth(ctx)
	require.NoError(t, err)
	second, err := m.Auth(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, int32(1), server.tokenCalls.Load())
	assert.Equal(t, "Bearer "+first.Value, first.Authorization())
	assert.Equal(t, KindAccess, first.Kind)
}

func TestManager_RenewsWithinMargin(t *testing.T) {
	server := newFakeAuthServer(t)
	defer server.Close()

	m, clk := newTestManager(t, server)
	ctx := context.Background()

	first, err := m.Auth(ctx)
	require.NoError(t, err)

	clk.Advance(24*time.Hour - 5*time.Minute)

	second, err := m.Auth(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, second.Value)
	assert.Equal(t, int32(2), server.tokenCalls.Load())
}

func TestManager_ExpiryFallback(t *testing.T) {
	server := newFakeAuthServer(t)
	server.expiresIn = 0
	defer server.Close()

	m, _ := newTestManager(t, server)
	tok, err := m.Auth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, time.Date(2030, 1, 2, 6, 4, 5, 0, time.UTC), tok.ExpiresAt.UTC())
}

func TestManager_SeparateSlots(t *testing.T) {
	server := newFakeAuthServer(t)
	defer server.Close()

	m, _ := newTestManager(t, server)
	ctx := context.Background()

	access, err := m.Auth(ctx)
	require.NoError(t, err)
	approval, err := m.AuthStream(ctx)
	require.NoError(t, err)

	assert.Equal(t, KindApproval, approval.Kind)
	assert.Equal(t, "approval-1", approval.Value)

	assert.True(t, m.Invalidate(ctx, KindApproval, approval.Value))
	assert.Equal(t, access, m.Cached(KindAccess), "invalidating one kind never touches the other")
	assert.Nil(t, m.Cached(KindApproval))

	again, err := m.AuthStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, "approval-2", again.Value)
	assert.Equal(t, int32(1), server.tokenCalls.Load())
}

func TestManager_InvalidateStaleValue(t *testing.T) {
	server := newFakeAuthServer(t)
	defer server.Close()

	m, _ := newTestManager(t, server)
	ctx := context.Background()

	old, err := m.Auth(ctx)
	require.NoError(t, err)
	require.True(t, m.Invalidate(ctx, KindAccess, old.Value))

	fresh, err := m.Auth(ctx)
	require.NoError(t, err)

	assert.False(t, m.Invalidate(ctx, KindAccess, old.Value), "late failure must not evict the fresh token")
	assert.Equal(t, fresh, m.Cached(KindAccess))
}

func TestManager_ConcurrentCallersShareIssuance(t *testing.T) {
	server := newFakeAuthServer(t)
	defer server.Close()

	m, _ := newTestManager(t, server)

	var wg sync.WaitGroup
	values := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Auth(context.Background())
			if assert.NoError(t, err) {
				values <- tok.Value
			}
		}()
	}
	wg.Wait()
	close(values)

	for v := range values {
		assert.Equal(t, "access-1", v)
	}
	assert.Equal(t, int32(1), server.tokenCalls.Load())
}

func TestManager_IssueFailure(t *testing.T) {
	server := newFakeAuthServer(t)
	server.tokenStatus = http.StatusForbidden
	defer server.Close()

	m, _ := newTestManager(t, server)
	_, err := m.Auth(context.Background())

	require.Error(t, err)
	assert.True(t, core.IsAuthError(err))
	assert.Contains(t, err.Error(), "EGW00133")
	assert.Equal(t, int32(1), server.tokenCalls.Load(), "no internal retries")
}

func TestManager_TransportFailureIsAuthError(t *testing.T) {
	server := newFakeAuthServer(t)
	server.Close()

	m, _ := newTestManager(t, server)
	_, err := m.Auth(context.Background())
	assert.True(t, core.IsAuthError(err))
}

func TestManager_Store(t *testing.T) {
	server := newFakeAuthServer(t)
	defer server.Close()

	store := NewMemoryStore()
	ctx := context.Background()

	m1, _ := newTestManager(t, server, WithStore(store))
	first, err := m1.Auth(ctx)
	require.NoError(t, err)

	m2, _ := newTestManager(t, server, WithStore(store))
	restored, err := m2.Auth(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Value, restored.Value)
	assert.Equal(t, int32(1), server.tokenCalls.Load())

	m2.Invalidate(ctx, KindAccess, restored.Value)
	stored, err := store.Load(ctx, StoreKey(KindAccess, "app-key-0001"))
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestManager_Revoke(t *testing.T) {
	server := newFakeAuthServer(t)
	defer server.Close()

	m, _ := newTestManager(t, server)
	ctx := context.Background()

	require.NoError(t, m.Revoke(ctx), "revoking without a token is a no-op")
	assert.Equal(t, int32(0), server.revokeCalls.Load())

	_, err := m.Auth(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx))

	assert.Equal(t, int32(1), server.revokeCalls.Load())
	assert.Nil(t, m.Cached(KindAccess))
}

func TestManager_Metrics(t *testing.T) {
	server := newFakeAuthServer(t)
	defer server.Close()

	m, _ := newTestManager(t, server, WithMetrics(metrics.New(prometheus.NewRegistry())))
	_, err := m.Auth(context.Background())
	assert.NoError(t, err)
}

func TestManager_NoCredentials(t *testing.T) {
	m := NewManager(nil, core.DefaultConfig(core.EnvLive))
	_, err := m.Auth(context.Background())
	assert.True(t, core.IsAuthError(err))
	assert.ErrorIs(t, err, core.ErrNoCredentials)
}
