package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/rueidis"
	"github.com/redis/rueidis/rueidishook"
)

var _ rueidishook.Hook = (*SlowCommandHook)(nil)

// SlowCommandHook logs rueidis commands that take longer than a threshold.
// Only the command name is logged, never keys or arguments.
type SlowCommandHook struct {
	threshold time.Duration
	logger    *slog.Logger
}

func NewSlowCommandHook(threshold time.Duration, logger *slog.Logger) *SlowCommandHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlowCommandHook{threshold: threshold, logger: logger}
}

func (h *SlowCommandHook) Do(client rueidis.Client, ctx context.Context, cmd rueidis.Completed) rueidis.RedisResult {
	start := time.Now()
	resp := client.Do(ctx, cmd)
	h.observe(ctx, start, cmd.Commands(), 1)
	return resp
}

func (h *SlowCommandHook) DoMulti(client rueidis.Client, ctx context.Context, multi ...rueidis.Completed) []rueidis.RedisResult {
	start := time.Now()
	resps := client.DoMulti(ctx, multi...)
	if len(multi) > 0 {
		h.observe(ctx, start, multi[0].Commands(), len(multi))
	}
	return resps
}

func (h *SlowCommandHook) DoCache(client rueidis.Client, ctx context.Context, cmd rueidis.Cacheable, ttl time.Duration) rueidis.RedisResult {
	return client.DoCache(ctx, cmd, ttl)
}

func (h *SlowCommandHook) DoMultiCache(client rueidis.Client, ctx context.Context, multi ...rueidis.CacheableTTL) []rueidis.RedisResult {
	return client.DoMultiCache(ctx, multi...)
}

func (h *SlowCommandHook) Receive(client rueidis.Client, ctx context.Context, subscribe rueidis.Completed, fn func(msg rueidis.PubSubMessage)) error {
	return client.Receive(ctx, subscribe, fn)
}

func (h *SlowCommandHook) DoStream(client rueidis.Client, ctx context.Context, cmd rueidis.Completed) rueidis.RedisResultStream {
	return client.DoStream(ctx, cmd)
}

func (h *SlowCommandHook) DoMultiStream(client rueidis.Client, ctx context.Context, multi ...rueidis.Completed) rueidis.MultiRedisResultStream {
	return client.DoMultiStream(ctx, multi...)
}

func (h *SlowCommandHook) observe(ctx context.Context, start time.Time, tokens []string, batch int) {
	elapsed := time.Since(start)
	if elapsed < h.threshold {
		return
	}
	name := ""
	if len(tokens) > 0 {
		name = tokens[0]
	}
	h.logger.WarnContext(ctx, "slow redis command",
		slog.String("command", name),
		slog.Int("batch", batch),
		slog.Duration("elapsed", elapsed),
	)
}
