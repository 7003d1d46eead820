package ratelimit

import (
	"time"
)

type KeyStrategyId string

const (
	RemoteIpKeyStrategy   KeyStrategyId = "remote_ip"
	UserHeaderKeyStrategy KeyStrategyId = "user_header"
	RouteKeyStrategy      KeyStrategyId = "route"
)

// DefaultUserHeader carries the authenticated user id set by an upstream gateway.
const DefaultUserHeader = "X-User-ID"

type (
	// RestHTTPConfig is parsed from env, e.g.
	//
	//	RATE_LIMIT_ROUTE_0_PATTERN="POST /v1/reservations"
	//	RATE_LIMIT_ROUTE_0_POLICY_0_METHOD=POST
	//	RATE_LIMIT_ROUTE_0_POLICY_0_LIMIT=5
	//	RATE_LIMIT_ROUTE_0_POLICY_0_WINDOW=1m
	//	RATE_LIMIT_ROUTE_0_POLICY_0_KEY_STRATEGY=user_header
	RestHTTPConfig struct {
		Routes              []Route      `envPrefix:"ROUTE_"`
		DefaultPolicy       EndpointRule `envPrefix:"DEFAULT_"`
		AllowIfNoMatch      bool         `env:"ALLOW_IF_NO_MATCH"`
		AllowIfNoIdentifier bool         `env:"ALLOW_IF_NO_ID"`

		// SkipPreflight lets CORS preflight requests through without accounting.
		SkipPreflight bool `env:"SKIP_PREFLIGHT" envDefault:"true"`

		// UserHeader is read by the user_header key strategy.
		UserHeader string `env:"USER_HEADER" envDefault:"X-User-ID"`

		// TrustedProxies lists proxy IPs or CIDRs, comma separated, whose
		// X-Forwarded-For the remote_ip strategy believes. Empty means the
		// connection address is always used.
		TrustedProxies []string `env:"TRUSTED_PROXIES"`

		// Timeout bounds each store round trip; a slower store fails open.
		Timeout time.Duration `env:"TIMEOUT" envDefault:"250ms"`
	}

	Route struct {
		// Pattern is matched against RouteInfo.ID, e.g. the net/http mux pattern
		// "GET /v1/restaurants/{id}" or the echo path "/v1/restaurants/:id".
		Pattern       string         `env:"PATTERN"`
		EndpointRules []EndpointRule `envPrefix:"POLICY_"`
	}

	EndpointRule struct {
		// Name is the limiter name, used as key namespace and in admin URLs.
		// Derived from method and pattern when empty.
		Name        string        `env:"NAME"`
		Method      string        `env:"METHOD"`
		Limit       int64         `env:"LIMIT" envDefault:"10000"`
		Window      time.Duration `env:"WINDOW"`
		Weight      int64         `env:"WEIGHT" envDefault:"1"`
		Burst       int64         `env:"BURST"`
		Penalty     time.Duration `env:"PENALTY"`
		KeyStrategy KeyStrategyId `env:"KEY_STRATEGY"`
	}
)
