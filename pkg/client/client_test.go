package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kisgate/pkg/auth"
	"kisgate/pkg/core"
	"kisgate/pkg/endpoint"
	"kisgate/pkg/gateway"
	"kisgate/pkg/stream"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeBroker serves the token endpoints, one quotation endpoint and a
// streaming endpoint that acknowledges every control message.
type fakeBroker struct {
	*httptest.Server
	tokenCalls    atomic.Int32
	approvalCalls atomic.Int32
	priceCalls    atomic.Int32
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	f := &fakeBroker{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case auth.AccessTokenPath:
			f.tokenCalls.Add(1)
			_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":86400}`))
		case auth.ApprovalKeyPath:
			f.approvalCalls.Add(1)
			_, _ = w.Write([]byte(`{"approval_key":"approval"}`))
		case "/uapi/domestic-stock/v1/quotations/inquire-price":
			f.priceCalls.Add(1)
			assert.Equal(t, "Bearer tok", r.Header.Get("authorization"))
			assert.Equal(t, "FHKST01010100", r.Header.Get("tr_id"))
			assert.Equal(t, "005930", r.URL.Query().Get("FID_INPUT_ISCD"))
			_, _ = w.Write([]byte(`{"rt_cd":"0","msg_cd":"MCA00000","msg1":"정상처리 되었습니다.","output":{"stck_prpr":"71500"}}`))
		case "/tryitout":
			serveStream(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.Server.Close)
	return f
}

func serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Body struct {
				Input struct {
					TrID  string `json:"tr_id"`
					TrKey string `json:"tr_key"`
				} `json:"input"`
			} `json:"body"`
		}
		if err := sonic.Unmarshal(data, &req); err != nil {
			continue
		}
		ack, _ := sonic.Marshal(map[string]any{
			"header": map[string]string{"tr_id": req.Body.Input.TrID, "tr_key": req.Body.Input.TrKey, "encrypt": "N"},
			"body":   map[string]string{"rt_cd": "0", "msg_cd": "OPSP0000", "msg1": "SUBSCRIBE SUCCESS"},
		})
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			return
		}
	}
}

func testConfig(f *fakeBroker) *core.Config {
	return core.DefaultConfig(core.EnvLive).
		WithCredentials(&core.Credentials{
			AppKey:        "app-key-0001",
			AppSecret:     "app-secret",
			AccountNumber: "12345678-01",
		}).
		WithBaseURL(f.URL).
		WithStreamURL("ws" + strings.TrimPrefix(f.URL, "http") + "/tryitout")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.True(t, core.IsValidationError(err))

	cfg := core.DefaultConfig(core.EnvLive)
	_, err = New(cfg)
	assert.True(t, core.IsValidationError(err))

	f := newFakeBroker(t)
	_, err = New(testConfig(f).WithBaseURL("not a url"))
	assert.True(t, core.IsValidationError(err), "transport settings are checked before the transport is built")
}

func TestClient_Request(t *testing.T) {
	f := newFakeBroker(t)
	c, err := New(testConfig(f))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, StateActive, c.State())

	res, err := c.Request(context.Background(), &endpoint.InquirePrice{Code: "005930"})
	require.NoError(t, err)
	assert.Equal(t, gateway.StopComplete, res.Stop)
	require.Len(t, res.Rows("output"), 1)
	assert.Equal(t, "71500", res.Rows("output")[0].String("stck_prpr"))

	spec, err := endpoint.Build(&endpoint.InquirePrice{Code: "005930"})
	require.NoError(t, err)
	env, err := c.Do(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, env.Success())

	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(2), f.priceCalls.Load())
	assert.NotNil(t, c.Tokens().Cached(auth.KindAccess))
	assert.Equal(t, int64(2), c.RateLimit().AllowedRequests)

	_, err = c.Request(context.Background(), &endpoint.InquirePrice{})
	assert.True(t, core.IsValidationError(err))
}

func TestClient_Metrics(t *testing.T) {
	f := newFakeBroker(t)
	reg := prometheus.NewRegistry()
	c, err := New(testConfig(f), WithRegisterer(reg))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), &endpoint.InquirePrice{Code: "005930"})
	require.NoError(t, err)

	require.NotNil(t, c.Gatherer())
	families, err := c.Gatherer().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "kisgate_gateway_requests_total")
	assert.Contains(t, names, "kisgate_auth_issued_total")
}

func TestClient_SharedRegisterer(t *testing.T) {
	f := newFakeBroker(t)
	reg := prometheus.NewRegistry()

	clients := make([]*Client, 0, 2)
	require.NotPanics(t, func() {
		for i := 0; i < 2; i++ {
			c, err := New(testConfig(f), WithRegisterer(reg))
			require.NoError(t, err)
			clients = append(clients, c)
		}
	})
	for _, c := range clients {
		_, err := c.Request(context.Background(), &endpoint.InquirePrice{Code: "005930"})
		require.NoError(t, err)
		require.NoError(t, c.Close())
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != "kisgate_gateway_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, total)
}

func TestClient_SetRateLimit(t *testing.T) {
	f := newFakeBroker(t)
	c, err := New(testConfig(f).WithRateLimit(1, time.Minute))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), &endpoint.InquirePrice{Code: "005930"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Request(ctx, &endpoint.InquirePrice{Code: "005930"})
	assert.True(t, core.IsTransportError(err), "quota of one per minute is spent")

	assert.True(t, core.IsValidationError(c.SetRateLimit(0, time.Second)))
	require.NoError(t, c.SetRateLimit(1000, time.Second))
	time.Sleep(50 * time.Millisecond)

	_, err = c.Request(context.Background(), &endpoint.InquirePrice{Code: "005930"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.priceCalls.Load())
}

func TestClient_TokenStoreIsShared(t *testing.T) {
	f := newFakeBroker(t)
	store := auth.NewMemoryStore()

	for i := 0; i < 2; i++ {
		c, err := New(testConfig(f), WithTokenStore(store))
		require.NoError(t, err)
		_, err = c.Request(context.Background(), &endpoint.InquirePrice{Code: "005930"})
		require.NoError(t, err)
		require.NoError(t, c.Close())
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestClient_Stream(t *testing.T) {
	f := newFakeBroker(t)
	c, err := New(testConfig(f))
	require.NoError(t, err)

	s, err := c.Stream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.Sessions())
	assert.Equal(t, int32(1), f.approvalCalls.Load())

	_, err = s.Subscribe(context.Background(), stream.TrStockTrade, []string{"005930"}, func(*stream.Message) error { return nil })
	require.NoError(t, err)

	require.NoError(t, c.Close())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed with the client")
	}
	assert.NoError(t, s.Err())
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_Closed(t *testing.T) {
	f := newFakeBroker(t)
	c, err := New(testConfig(f))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Request(context.Background(), &endpoint.InquirePrice{Code: "005930"})
	assert.ErrorIs(t, err, core.ErrClientClosed)
	_, err = c.Stream(context.Background())
	assert.ErrorIs(t, err, core.ErrClientClosed)
	assert.Equal(t, int32(0), f.priceCalls.Load())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ACTIVE", StateActive.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
