package appconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ngnhng/reservation-ratelimiter/modules/db/redis"
	"github.com/ngnhng/reservation-ratelimiter/modules/hmac"
	"github.com/ngnhng/reservation-ratelimiter/modules/middleware/ratelimit"
	"github.com/ngnhng/reservation-ratelimiter/modules/telemetry"
)

// DotEnvFiles are loaded in order before parsing; earlier files win and the
// process environment wins over all of them.
var DotEnvFiles = []string{".env.local", ".env"}

type (
	Config struct {
		Env string `env:"ENV" envDefault:"dev"`

		LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

		// --- listeners ----
		App   AppConfig    `envPrefix:"APP_"`
		Admin ListenConfig `envPrefix:"ADMIN_"`

		// --- core infra ----
		HMAC  hmac.HMACConfig   `envPrefix:"HMAC_"`
		Redis redis.RedisConfig `envPrefix:"REDIS_"`

		// --- middlewares ----
		RateLimit ratelimit.RestHTTPConfig `envPrefix:"RATE_LIMIT_"`

		// --- otel ----
		// OTEL_* variables have their own naming conventions, so no prefix here
		Otel telemetry.Config
	}

	AppConfig struct {
		ListenConfig

		// UpstreamURL receives admitted requests. Empty answers them in place.
		UpstreamURL string `env:"UPSTREAM_URL"`
	}

	ListenConfig struct {
		Host         string        `env:"HOST" envDefault:"0.0.0.0"`
		Port         int           `env:"PORT"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	}
)

func Load() (*Config, error) {
	if err := loadDotEnv(DotEnvFiles...); err != nil {
		return nil, err
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}
	if cfg.App.Port == 0 {
		cfg.App.Port = 8080
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("appconfig: load %s: %w", p, err)
		}
		slog.Debug("loaded environment file", slog.String("path", p))
	}
	return nil
}

// validate rejects rate limit rules that could never be enforced, so a bad
// deploy fails at boot instead of failing open on every request.
func validate(c *Config) error {
	var errs []error

	if c.App.Port == c.Admin.Port && c.App.Host == c.Admin.Host {
		errs = append(errs, errors.New("APP_PORT and ADMIN_PORT must differ"))
	}

	switch c.Redis.Backend {
	case redis.BackendRueidis, redis.BackendGoRedis:
	default:
		errs = append(errs, fmt.Errorf("REDIS_BACKEND: unknown backend %q", c.Redis.Backend))
	}

	if c.RateLimit.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_TIMEOUT must be positive, got %s", c.RateLimit.Timeout))
	}

	if _, err := ratelimit.TrustedRemoteIpKeyFunc(c.RateLimit.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_TRUSTED_PROXIES: %w", err))
	}

	for i, route := range c.RateLimit.Routes {
		if strings.TrimSpace(route.Pattern) == "" {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_ROUTE_%d_PATTERN is empty", i))
		}
		if len(route.EndpointRules) == 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_ROUTE_%d has no policies", i))
		}
		for j, rule := range route.EndpointRules {
			if err := validateRule(rule); err != nil {
				errs = append(errs, fmt.Errorf("RATE_LIMIT_ROUTE_%d_POLICY_%d: %w", i, j, err))
			}
		}
	}

	if !c.RateLimit.AllowIfNoMatch {
		if err := validateRule(c.RateLimit.DefaultPolicy); err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_DEFAULT: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validateRule(r ratelimit.EndpointRule) error {
	switch {
	case r.Window <= 0:
		return fmt.Errorf("window must be positive, got %s", r.Window)
	case r.Limit <= 0:
		return fmt.Errorf("limit must be positive, got %d", r.Limit)
	case r.Weight < 1:
		return fmt.Errorf("weight must be >= 1, got %d", r.Weight)
	case r.Burst < 0 || r.Penalty < 0:
		return errors.New("burst and penalty must be non-negative")
	case strings.TrimSpace(string(r.KeyStrategy)) == "":
		return errors.New("key strategy is required")
	}
	return nil
}
