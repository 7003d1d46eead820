package redis

import "time"

type Backend string

const (
	BackendRueidis Backend = "rueidis"
	BackendGoRedis Backend = "goredis"
)

// RedisConfig contains configuration for constructing the shared counter store client.
//
// URL is a standard Redis URI, for example:
//
//   - Single:  redis://:password@localhost:6379/0
//   - TLS:     rediss://:password@my-redis.example.com:6379/0
//   - Cluster: redis://:password@host1:6379/0?addr=host2:6379&addr=host3:6379
//
// Cluster vs single is auto-detected by rueidis based on InitAddress and options.
// TODO: sentinel needs rueidis.SentinelOption.MasterSet, which no variable sets yet.
type RedisConfig struct {
	// Required: Redis connection URL (redis:// or rediss://).
	URL string `env:"URL" envDefault:"redis://:redis@localhost:6379/0"`

	// Backend selects the client library. Both speak to the same keys and scripts.
	Backend Backend `env:"BACKEND" envDefault:"rueidis"`

	// KeyPrefix scopes every rate limit key, e.g. "rl:prod".
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"rl"`

	// Optional: client name visible in CLIENT LIST, etc.
	ClientName string `env:"CLIENT_NAME" envDefault:"reservation-ratelimiter"`

	// SkipTLSVerify disables TLS certificate verification. Only use this in trusted
	// environments (e.g. some AWS ElastiCache setups with non-standard certs).
	SkipTLSVerify bool `env:"SKIP_TLS_VERIFY"`

	// RequireTLS enforces the use of rediss://.
	RequireTLS bool `env:"REQUIRE_TLS"`

	// Tuning flags. Leave zero-valued to keep client defaults.
	DisableRetry     bool          `env:"DISABLE_RETRY"`
	AlwaysPipelining bool          `env:"ALWAYS_PIPELINING"`
	ConnWriteTimeout time.Duration `env:"CONN_WRITE_TIMEOUT"`
	PoolSize         int           `env:"POOL_SIZE"`

	// SlowCommandThreshold logs commands slower than this through the client hook. 0 disables it.
	SlowCommandThreshold time.Duration `env:"SLOW_COMMAND_THRESHOLD" envDefault:"50ms"`

	// Enable OpenTelemetry integration via rueidisotel (rueidis backend only).
	EnableOtel bool `env:"ENABLE_OTEL"`
}
