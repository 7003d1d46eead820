package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/reservation-ratelimiter/modules/clock"
	"github.com/ngnhng/reservation-ratelimiter/modules/db/redis/window"
	rl "github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func newFactory(t *testing.T, clk clock.Clock) (LimiterFactory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = cli.Close() })

	return NewLimiterFactory(
		window.NewGoRedisAccountant(cli, "rl"),
		window.NewGoRedisFallback(cli, "rl"),
		rl.WithClock(clk),
	), mr
}

func testConfig() *RestHTTPConfig {
	return &RestHTTPConfig{
		SkipPreflight: true,
		UserHeader:    DefaultUserHeader,
		Routes: []Route{
			{
				Pattern: "POST /v1/reservations",
				EndpointRules: []EndpointRule{
					{Method: "POST", Limit: 2, Window: time.Minute, Weight: 1, KeyStrategy: UserHeaderKeyStrategy},
				},
			},
			{
				Pattern: "GET /v1/restaurants/{id}",
				EndpointRules: []EndpointRule{
					{Name: "restaurant-read", Method: "GET", Limit: 5, Window: time.Minute, Weight: 2, KeyStrategy: RemoteIpKeyStrategy},
				},
			},
		},
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("POST /v1/reservations", ok)
	mux.Handle("GET /v1/restaurants/{id}", ok)
	mux.Handle("GET /v1/menus", ok)
	mux.Handle("OPTIONS /v1/reservations", ok)
	return mux
}

func newHandler(t *testing.T, cfg *RestHTTPConfig) (http.Handler, *RuntimePolicy) {
	t.Helper()
	factory, _ := newFactory(t, clock.NewManualClock(epoch))
	mux := newMux()
	routeFn := MuxRouteInfo(mux)
	rtp, err := ParsePolicy(factory, cfg, routeFn, strategies(t, cfg, routeFn))
	require.NoError(t, err)
	return NewRateLimitMiddleware(rtp)(mux), rtp
}

func strategies(t *testing.T, cfg *RestHTTPConfig, routeFn RouteInfoFunc) map[KeyStrategyId]KeyFunc {
	t.Helper()
	ks, err := DefaultKeyStrategies(cfg, routeFn)
	require.NoError(t, err)
	return ks
}

func do(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareHeadersAndDenial(t *testing.T) {
	h, _ := newHandler(t, testConfig())
	user := map[string]string{"X-User-ID": "u1"}

	rec := do(h, http.MethodPost, "/v1/reservations", user)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000060", rec.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rec.Header().Get("Retry-After"))

	rec = do(h, http.MethodPost, "/v1/reservations", user)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do(h, http.MethodPost, "/v1/reservations", user)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, http.StatusTooManyRequests, body["status"])

	// another user has its own quota
	rec = do(h, http.MethodPost, "/v1/reservations", map[string]string{"X-User-ID": "u2"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRuleWeight(t *testing.T) {
	h, _ := newHandler(t, testConfig())
	for _, want := range []string{"3", "1"} {
		rec := do(h, http.MethodGet, "/v1/restaurants/42", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, rec.Header().Get("X-RateLimit-Remaining"))
	}

	// path parameters share the route quota
	rec := do(h, http.MethodGet, "/v1/restaurants/7", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMiddlewareMissingIdentifier(t *testing.T) {
	cfg := testConfig()
	h, _ := newHandler(t, cfg)

	rec := do(h, http.MethodPost, "/v1/reservations", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	cfg = testConfig()
	cfg.AllowIfNoIdentifier = true
	h, _ = newHandler(t, cfg)
	rec = do(h, http.MethodPost, "/v1/reservations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestMiddlewareNoMatch(t *testing.T) {
	h, _ := newHandler(t, testConfig())
	rec := do(h, http.MethodGet, "/v1/menus", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	cfg := testConfig()
	cfg.AllowIfNoMatch = true
	h, _ = newHandler(t, cfg)
	rec = do(h, http.MethodGet, "/v1/menus", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareDefaultPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultPolicy = EndpointRule{Limit: 1, Window: time.Minute, Weight: 1, KeyStrategy: RouteKeyStrategy}
	h, rtp := newHandler(t, cfg)

	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/menus", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/v1/menus", nil).Code)

	assert.Contains(t, rtp.Limiters(), "default")
}

func TestMiddlewareSkipsPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.Routes = append(cfg.Routes, Route{
		Pattern: "OPTIONS /v1/reservations",
		EndpointRules: []EndpointRule{
			{Method: "OPTIONS", Limit: 1, Window: time.Minute, Weight: 1, KeyStrategy: RemoteIpKeyStrategy},
		},
	})
	h, _ := newHandler(t, cfg)

	hdr := map[string]string{"Access-Control-Request-Method": "POST", "Origin": "https://example.com"}
	for range 3 {
		rec := do(h, http.MethodOptions, "/v1/reservations", hdr)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	factory, mr := newFactory(t, clock.NewManualClock(epoch))
	cfg := testConfig()
	mux := newMux()
	routeFn := MuxRouteInfo(mux)
	rtp, err := ParsePolicy(factory, cfg, routeFn, strategies(t, cfg, routeFn))
	require.NoError(t, err)
	h := NewRateLimitMiddleware(rtp)(mux)

	mr.SetError("ERR injected failure")

	for range 5 {
		rec := do(h, http.MethodPost, "/v1/reservations", map[string]string{"X-User-ID": "u1"})
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestParsePolicyErrors(t *testing.T) {
	factory, _ := newFactory(t, clock.NewManualClock(epoch))
	ks := strategies(t, &RestHTTPConfig{}, MuxRouteInfo(nil))

	cfg := testConfig()
	cfg.Routes[0].EndpointRules[0].KeyStrategy = "cookie"
	_, err := ParsePolicy(factory, cfg, MuxRouteInfo(nil), ks)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Routes[0].EndpointRules = append(cfg.Routes[0].EndpointRules, cfg.Routes[0].EndpointRules[0])
	_, err = ParsePolicy(factory, cfg, MuxRouteInfo(nil), ks)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Routes[0].EndpointRules[0].Window = 0
	_, err = ParsePolicy(factory, cfg, MuxRouteInfo(nil), ks)
	assert.ErrorIs(t, err, rl.ErrInvalidPolicy)

	cfg = testConfig()
	cfg.Routes[1].EndpointRules[0].Name = "post:v1.reservations"
	_, err = ParsePolicy(factory, cfg, MuxRouteInfo(nil), ks)
	assert.Error(t, err)
}

func TestLimiterName(t *testing.T) {
	assert.Equal(t, "get:v1.restaurants.id", LimiterName("GET /v1/restaurants/{id}", EndpointRule{Method: "GET"}))
	assert.Equal(t, "delete:v1.reservations.id", LimiterName("DELETE /v1/reservations/{id}", EndpointRule{}))
	assert.Equal(t, "post:v1.reservations", LimiterName("/v1/reservations", EndpointRule{Method: "POST"}))
	assert.Equal(t, "custom", LimiterName("/x", EndpointRule{Name: "custom"}))
}

func fromPeer(h http.Handler, peer, xff string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/restaurants/1", nil)
	req.RemoteAddr = peer
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRemoteIpIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	h, _ := newHandler(t, testConfig())

	allowed := 0
	for i := range 20 {
		rec := fromPeer(h, "203.0.113.7:40000", fmt.Sprintf("198.51.100.%d", i+1))
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	// limit 5 at weight 2
	assert.Equal(t, 2, allowed)
}

func TestRemoteIpBehindTrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.TrustedProxies = []string{"10.0.0.0/8"}
	h, _ := newHandler(t, cfg)

	for _, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		assert.Equal(t, want, fromPeer(h, "10.1.2.3:443", "198.51.100.1, 192.0.2.7").Code)
	}
	// another client behind the same proxy has its own quota
	assert.Equal(t, http.StatusOK, fromPeer(h, "10.1.2.3:443", "192.0.2.8").Code)

	// a direct client cannot borrow the proxy's trust
	for range 2 {
		assert.Equal(t, http.StatusOK, fromPeer(h, "203.0.113.7:40000", "192.0.2.9").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, fromPeer(h, "203.0.113.7:40000", "192.0.2.10").Code)
}

func TestTrustedRemoteIpKeyFunc(t *testing.T) {
	keyFn, err := TrustedRemoteIpKeyFunc([]string{"10.0.0.1", "10.0.0.2", "172.16.0.0/12"})
	require.NoError(t, err)

	tests := []struct {
		name string
		peer string
		xff  string
		want rl.Key
	}{
		{name: "direct, no header", peer: "203.0.113.9:51234", want: "203.0.113.9"},
		{name: "direct, spoofed header", peer: "203.0.113.9:51234", xff: "198.51.100.1", want: "203.0.113.9"},
		{name: "one proxy", peer: "10.0.0.1:80", xff: "203.0.113.1", want: "203.0.113.1"},
		{name: "two proxies", peer: "10.0.0.1:80", xff: "203.0.113.1, 10.0.0.2", want: "203.0.113.1"},
		{name: "spoofed left of real client", peer: "10.0.0.1:80", xff: "198.51.100.1, 192.0.2.1", want: "192.0.2.1"},
		{name: "cidr proxy", peer: "172.20.1.1:80", xff: "192.0.2.5", want: "192.0.2.5"},
		{name: "garbage hops skipped", peer: "10.0.0.1:80", xff: "192.0.2.5, not-an-ip", want: "192.0.2.5"},
		{name: "trusted peer without header", peer: "10.0.0.2:80", want: "10.0.0.2"},
		{name: "all hops trusted", peer: "10.0.0.1:80", xff: "10.0.0.2", want: "10.0.0.2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.peer
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.want, keyFn(r))
		})
	}

	_, err = TrustedRemoteIpKeyFunc([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = TrustedRemoteIpKeyFunc([]string{"proxy.local"})
	assert.Error(t, err)
}

func TestRemoteIpKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, rl.Key("203.0.113.9"), RemoteIpKeyFunc(r))
}

func TestRetryAfterNeverZero(t *testing.T) {
	zero := int64(0)
	h := http.Header{}
	writeRateLimitHeaders(h, rl.Decision{Limit: 1, RetryAfterSeconds: &zero})
	assert.Equal(t, "1", h.Get("Retry-After"))

	writeRateLimitHeaders(h, rl.Decision{Allowed: true, Limit: 1, Remaining: 1})
	assert.Empty(t, h.Get("Retry-After"))
}

func TestEchoMiddleware(t *testing.T) {
	factory, _ := newFactory(t, clock.NewManualClock(epoch))
	cfg := &RestHTTPConfig{
		UserHeader: DefaultUserHeader,
		Routes: []Route{{
			Pattern: "/v1/restaurants/:id",
			EndpointRules: []EndpointRule{
				{Method: "GET", Limit: 1, Window: time.Minute, Weight: 1, KeyStrategy: RouteKeyStrategy},
			},
		}},
	}
	rtp, err := ParsePolicy(factory, cfg, EchoRouteInfo, strategies(t, cfg, EchoRouteInfo))
	require.NoError(t, err)

	e := echo.New()
	e.Use(EchoMiddleware(rtp))
	e.GET("/v1/restaurants/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})

	rec := do(e, http.MethodGet, "/v1/restaurants/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do(e, http.MethodGet, "/v1/restaurants/2", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}
