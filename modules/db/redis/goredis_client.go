package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// NewGoRedisClient creates a go-redis client for the rate limit store from the same
// RedisConfig as NewRueidisClient. It pings once before returning.
func NewGoRedisClient(ctx context.Context, cfg RedisConfig) (*goredis.Client, error) {
	if err := checkURL(cfg); err != nil {
		return nil, err
	}

	opt, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("goredis: parse url: %w", err)
	}

	opt.ClientName = cfg.ClientName
	if cfg.DisableRetry {
		opt.MaxRetries = -1
	}
	if cfg.ConnWriteTimeout > 0 {
		opt.WriteTimeout = cfg.ConnWriteTimeout
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.SkipTLSVerify {
		if opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		} else {
			opt.TLSConfig.InsecureSkipVerify = true //nolint:gosec
		}
	}

	cli := goredis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("goredis: ping: %w", err)
	}

	slog.Info("goredis: connected",
		slog.String("addr", opt.Addr),
		slog.String("client_name", cfg.ClientName),
	)

	return cli, nil
}
