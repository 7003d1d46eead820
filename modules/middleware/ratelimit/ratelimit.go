package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/ngnhng/reservation-ratelimiter/modules/middleware/problem"
	rl "github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
)

type (
	Pattern string
	method  string

	// KeyFunc extracts from a HTTP request an identifier such as remote IP, user id header, etc.
	KeyFunc func(*http.Request) rl.Key

	// RouteInfoFunc extracts from a HTTP request the route information needed for pattern matching
	RouteInfoFunc func(*http.Request) RouteInfo

	// RouteInfo represents the framework-agnostic route information used in this middleware
	RouteInfo struct {
		ID     Pattern
		Method string
		Path   string
	}

	// LimiterFactory builds the limiter for one endpoint rule.
	LimiterFactory func(name string, rule EndpointRule, keyFn KeyFunc, skip rl.SkipFunc[*http.Request]) (*rl.Limiter[*http.Request], error)

	Policy struct {
		Limiter *rl.Limiter[*http.Request]
		KeyFn   KeyFunc
	}

	// compiled policy to be injected and used at runtime
	RuntimePolicy struct {
		// Policies parsed from config struct so that each route-method is accompanied with
		// a rate limiter with the pre-configured rate limit specifications.
		policyMap map[Pattern]map[method]Policy

		// Default policies applied when no route/method-specific policy exists.
		// A method-specific default takes precedence over the catch-all default.
		defaultPolicyByMethod map[method]Policy
		defaultPolicy         *Policy

		// every limiter built from config, by name
		limiters map[string]rl.Administrable

		// Allow to next middleware if rate limit policy is not configured for this route
		AllowIfNoMatch bool
		// Allow to next middleware if no identifier is extracted from the http.Request using KeyFn
		AllowIfNoIdentifier bool

		RouteInfoFn RouteInfoFunc
	}
)

type policySource string

const (
	policySourceExplicit      policySource = "explicit"
	policySourceDefaultMethod policySource = "default_method"
	policySourceDefaultAll    policySource = "default"
)

const defaultLimiterName = "default"

func normalizeMethod(m string) method {
	return method(strings.ToUpper(m))
}

func (p *RuntimePolicy) findPolicy(routeInfo RouteInfo) (Policy, bool, policySource) {
	if pm, ok := p.policyMap[Pattern(routeInfo.ID)]; ok {
		if px, ok := pm[normalizeMethod(routeInfo.Method)]; ok {
			return px, true, policySourceExplicit
		}
	}

	if routeInfo.Method != "" && p.defaultPolicyByMethod != nil {
		if px, ok := p.defaultPolicyByMethod[normalizeMethod(routeInfo.Method)]; ok {
			return px, true, policySourceDefaultMethod
		}
	}

	if p.defaultPolicy != nil {
		return *p.defaultPolicy, true, policySourceDefaultAll
	}

	return Policy{}, false, ""
}

// Limiters returns every limiter built from config, by name.
func (p *RuntimePolicy) Limiters() map[string]rl.Administrable {
	return p.limiters
}

// LimiterName derives a key and URL safe limiter name from a rule, e.g.
// "get:v1.restaurants.id" for "GET /v1/restaurants/{id}".
func LimiterName(pattern string, rule EndpointRule) string {
	if rule.Name != "" {
		return rule.Name
	}
	m, path := rule.Method, pattern
	if fields := strings.Fields(pattern); len(fields) == 2 {
		path = fields[1]
		if m == "" {
			m = fields[0]
		}
	}
	path = strings.NewReplacer("{", "", "}", "", "/", ".").Replace(strings.Trim(path, "/"))
	return strings.ToLower(m) + ":" + path
}

// here we assume the env config for route patterns must correctly reflects the registered routes by the framework
func ParsePolicy(
	factory LimiterFactory,
	cfg *RestHTTPConfig,
	routeFn RouteInfoFunc,
	keyStrategies map[KeyStrategyId]KeyFunc,
) (*RuntimePolicy, error) {
	rtp := &RuntimePolicy{
		policyMap:           make(map[Pattern]map[method]Policy, 0),
		limiters:            make(map[string]rl.Administrable),
		AllowIfNoIdentifier: cfg.AllowIfNoIdentifier,
		AllowIfNoMatch:      cfg.AllowIfNoMatch,
		RouteInfoFn:         routeFn,
	}

	var skip rl.SkipFunc[*http.Request]
	if cfg.SkipPreflight {
		skip = IsPreflight
	}

	build := func(name string, rule EndpointRule) (Policy, error) {
		if _, ok := rtp.limiters[name]; ok {
			return Policy{}, fmt.Errorf("ratelimit parse policy: duplicate limiter name %q", name)
		}
		ks, ok := keyStrategies[rule.KeyStrategy]
		if !ok {
			return Policy{}, fmt.Errorf("ratelimit parse policy: no such key strategy %q", rule.KeyStrategy)
		}
		l, err := factory(name, rule, ks, skip)
		if err != nil {
			return Policy{}, fmt.Errorf("ratelimit parse policy %q: %w", name, err)
		}
		rtp.limiters[name] = l
		return Policy{Limiter: l, KeyFn: ks}, nil
	}

	// Default policy fallback (optional). Consider it configured only when it has
	// enough information to enforce rate limiting (window + key strategy).
	if cfg.DefaultPolicy.Window > 0 && cfg.DefaultPolicy.KeyStrategy != "" {
		name := cfg.DefaultPolicy.Name
		if name == "" {
			name = defaultLimiterName
		}
		p, err := build(name, cfg.DefaultPolicy)
		if err != nil {
			return nil, err
		}

		if cfg.DefaultPolicy.Method != "" {
			rtp.defaultPolicyByMethod = map[method]Policy{
				normalizeMethod(cfg.DefaultPolicy.Method): p,
			}
		} else {
			rtp.defaultPolicy = &p
		}
	}

	for _, r := range cfg.Routes {
		pat := Pattern(r.Pattern)
		if _, ok := rtp.policyMap[pat]; !ok {
			rtp.policyMap[pat] = make(map[method]Policy)
		}

		for _, rule := range r.EndpointRules {
			m := normalizeMethod(rule.Method)
			if _, ok := rtp.policyMap[pat][m]; ok {
				return nil, errors.New("ratelimit parse policy: duplicate method config on same pattern")
			}

			p, err := build(LimiterName(r.Pattern, rule), rule)
			if err != nil {
				return nil, err
			}
			rtp.policyMap[pat][m] = p
		}
	}
	return rtp, nil
}

// NewLimiterFactory builds every configured limiter on the same accountants.
// fallback may be nil.
func NewLimiterFactory(atomic, fallback rl.Accountant, opts ...rl.Option) LimiterFactory {
	return func(name string, rule EndpointRule, keyFn KeyFunc, skip rl.SkipFunc[*http.Request]) (*rl.Limiter[*http.Request], error) {
		lopts := make([]rl.Option, 0, len(opts)+1)
		if fallback != nil {
			lopts = append(lopts, rl.WithFallback(fallback))
		}
		lopts = append(lopts, opts...)

		return rl.NewLimiter(rl.Policy[*http.Request]{
			Namespace:     name,
			Window:        rule.Window,
			Limit:         rule.Limit,
			DefaultWeight: rule.Weight,
			Burst:         rule.Burst,
			Penalty:       rule.Penalty,
			KeyFunc:       rl.KeyFunc[*http.Request](keyFn),
			Skip:          skip,
		}, atomic, lopts...)
	}
}

func NewRateLimitMiddleware(p *RuntimePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			routeInfo := p.RouteInfoFn(r)
			if routeInfo.Method == "" {
				slog.Error("no method found",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
					slog.Any("route_info", routeInfo),
				)
				problem.Write(w, problem.MethodNotAllowed("method not allowed"))
				return
			}

			px, ok, src := p.findPolicy(routeInfo)
			if !ok {
				if routeInfo.ID == "" {
					if p.AllowIfNoMatch {
						next.ServeHTTP(w, r)
						return
					}
					problem.Write(w, problem.MethodNotAllowed("not allowed"))
					return
				}

				slog.Warn("no rate limit policy found",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
					slog.Any("route_info", routeInfo),
				)
				if p.AllowIfNoMatch {
					next.ServeHTTP(w, r)
					return
				}
				problem.Write(w, problem.TooManyRequests(http.StatusText(http.StatusTooManyRequests)))
				return
			}

			if src != policySourceExplicit {
				slog.Debug("using default rate limit policy",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
					slog.String("policy_source", string(src)),
					slog.Any("route_info", routeInfo),
				)
			}

			if px.KeyFn(r) == "" {
				if p.AllowIfNoIdentifier {
					next.ServeHTTP(w, r)
					return
				}
				slog.Warn("bad key",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
					slog.Any("route_info", routeInfo),
				)
				problem.Write(w, problem.TooManyRequests(http.StatusText(http.StatusTooManyRequests)))
				return
			}

			decision := px.Limiter.Check(r.Context(), r)

			// handlers may set their own X-RateLimit-* headers,
			// so we have to re-apply before response is committed
			w = &rateLimitHeaderWriter{ResponseWriter: w, decision: decision}

			if !decision.Allowed {
				slog.Debug("rate limited",
					slog.String("middleware", "rate_limiter"),
					slog.String("limiter", px.Limiter.Name()),
					slog.String("url", r.URL.Path),
					slog.Int64("retry_after", decision.RetryAfter()),
				)
				problem.Write(w, problem.TooManyRequests(http.StatusText(http.StatusTooManyRequests)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitHeaders(h http.Header, d rl.Decision) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetEpochSeconds, 10))
	if d.RetryAfterSeconds == nil {
		h.Del("Retry-After")
		return
	}
	// never advertise a zero wait on a denial
	h.Set("Retry-After", strconv.FormatInt(max(1, *d.RetryAfterSeconds), 10))
}

type rateLimitHeaderWriter struct {
	http.ResponseWriter
	decision rl.Decision
	ensured  bool
}

func (w *rateLimitHeaderWriter) ensure() {
	if w.ensured {
		return
	}
	writeRateLimitHeaders(w.ResponseWriter.Header(), w.decision)
	w.ensured = true
}

func (w *rateLimitHeaderWriter) WriteHeader(statusCode int) {
	w.ensure()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *rateLimitHeaderWriter) Write(p []byte) (int, error) {
	w.ensure()
	return w.ResponseWriter.Write(p)
}

func (w *rateLimitHeaderWriter) Flush() {
	w.ensure()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *rateLimitHeaderWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// IsPreflight reports CORS preflight requests.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// RemoteIpKeyFunc keys on the connection address without port. It never
// reads X-Forwarded-For, which any client can set.
func RemoteIpKeyFunc(r *http.Request) rl.Key {
	return rl.Key(remoteHost(r))
}

// TrustedRemoteIpKeyFunc honours X-Forwarded-For only when the connection
// comes from one of the trusted proxies, given as IPs or CIDR blocks. The
// header is walked right to left and the first untrusted hop is the client.
// With no trusted proxies it behaves like RemoteIpKeyFunc.
func TrustedRemoteIpKeyFunc(trustedProxies []string) (KeyFunc, error) {
	prefixes := make([]netip.Prefix, 0, len(trustedProxies))
	for _, t := range trustedProxies {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.Contains(t, "/") {
			pfx, err := netip.ParsePrefix(t)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", t, err)
			}
			prefixes = append(prefixes, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(t)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", t, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return RemoteIpKeyFunc, nil
	}

	trusted := func(s string) bool {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range prefixes {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(r *http.Request) rl.Key {
		peer := remoteHost(r)
		if !trusted(peer) {
			return rl.Key(peer)
		}

		hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if _, err := netip.ParseAddr(hop); err != nil {
				continue
			}
			client = hop
			if !trusted(hop) {
				break
			}
		}
		return rl.Key(client)
	}, nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UserHeaderKeyFunc keys on a header set by an authenticating gateway.
// Requests without the header yield an empty key.
func UserHeaderKeyFunc(header string) KeyFunc {
	if header == "" {
		header = DefaultUserHeader
	}
	return func(r *http.Request) rl.Key {
		return rl.Key(strings.TrimSpace(r.Header.Get(header)))
	}
}

// RouteKeyFunc shares one quota between every caller of a route.
func RouteKeyFunc(routeFn RouteInfoFunc) KeyFunc {
	return func(r *http.Request) rl.Key {
		ri := routeFn(r)
		return rl.Key(strings.ToUpper(ri.Method) + " " + string(ri.ID))
	}
}

// DefaultKeyStrategies registers every built-in key strategy. It fails on a
// malformed trusted proxy entry.
func DefaultKeyStrategies(cfg *RestHTTPConfig, routeFn RouteInfoFunc) (map[KeyStrategyId]KeyFunc, error) {
	remoteIP, err := TrustedRemoteIpKeyFunc(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return map[KeyStrategyId]KeyFunc{
		RemoteIpKeyStrategy:   remoteIP,
		UserHeaderKeyStrategy: UserHeaderKeyFunc(cfg.UserHeader),
		RouteKeyStrategy:      RouteKeyFunc(routeFn),
	}, nil
}

// MuxRouteInfo resolves the pattern http.ServeMux would route r to. The rate
// limit middleware wraps the mux, so r.Pattern is not populated yet.
// Unmatched requests fall back to the raw path.
func MuxRouteInfo(mux *http.ServeMux) RouteInfoFunc {
	return func(r *http.Request) RouteInfo {
		if ri, ok := routeInfoFromContext(r.Context()); ok {
			return ri
		}
		id := Pattern(r.Pattern)
		if id == "" && mux != nil {
			_, pattern := mux.Handler(r)
			id = Pattern(pattern)
		}
		// pattern is empty if request is not matched against a pattern
		if id == "" {
			id = Pattern(r.URL.Path)
		}
		return RouteInfo{
			ID:     id,
			Method: r.Method,
			Path:   r.URL.Path,
		}
	}
}
