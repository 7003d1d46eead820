package redis

import (
	"context"
	"fmt"

	"github.com/ngnhng/reservation-ratelimiter/modules/db/redis/window"
	"github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
)

// Store bundles the accountants of the configured client backend with the
// client lifecycle.
type Store struct {
	Backend  Backend
	Atomic   ratelimit.Accountant
	Fallback ratelimit.Accountant

	ping  func(ctx context.Context) error
	close func()
}

// OpenStore connects the client selected by cfg.Backend and builds the
// script-based accountant plus its pipelined fallback on it.
func OpenStore(ctx context.Context, cfg RedisConfig) (*Store, error) {
	switch cfg.Backend {
	case BackendRueidis, "":
		cli, err := NewRueidisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Store{
			Backend:  BackendRueidis,
			Atomic:   window.NewRueidisAccountant(cli, cfg.KeyPrefix),
			Fallback: window.NewRueidisFallback(cli, cfg.KeyPrefix),
			ping: func(ctx context.Context) error {
				return cli.Do(ctx, cli.B().Ping().Build()).Error()
			},
			close: cli.Close,
		}, nil

	case BackendGoRedis:
		cli, err := NewGoRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Store{
			Backend:  BackendGoRedis,
			Atomic:   window.NewGoRedisAccountant(cli, cfg.KeyPrefix),
			Fallback: window.NewGoRedisFallback(cli, cfg.KeyPrefix),
			ping: func(ctx context.Context) error {
				return cli.Ping(ctx).Err()
			},
			close: func() { _ = cli.Close() },
		}, nil
	}
	return nil, fmt.Errorf("redis: unknown backend %q", cfg.Backend)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

func (s *Store) Close() {
	s.close()
}
