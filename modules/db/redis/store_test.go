package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
)

func TestOpenStoreGoRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	store, err := OpenStore(ctx, RedisConfig{
		URL:       "redis://" + mr.Addr() + "/0",
		Backend:   BackendGoRedis,
		KeyPrefix: "rl",
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Ping(ctx))

	tally, err := store.Atomic.CheckAndRecord(ctx, "api:u1", ratelimit.Request{
		NowMs:  1_700_000_000_000,
		Window: time.Minute,
		Limit:  2,
		Weight: 1,
	})
	require.NoError(t, err)
	assert.True(t, tally.Allowed)
	assert.True(t, mr.Exists("rl:{api:u1}"))

	usage, err := store.Fallback.Inspect(ctx, "api:u1", 1_700_000_000_000, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, usage.Count)
}

func TestOpenStoreErrors(t *testing.T) {
	ctx := context.Background()

	_, err := OpenStore(ctx, RedisConfig{URL: "redis://localhost:6379/0", Backend: "memcached"})
	assert.ErrorContains(t, err, "unknown backend")

	_, err = OpenStore(ctx, RedisConfig{Backend: BackendGoRedis})
	assert.ErrorContains(t, err, "URL must not be empty")

	_, err = OpenStore(ctx, RedisConfig{URL: "redis://localhost:6379/0", Backend: BackendGoRedis, RequireTLS: true})
	assert.ErrorContains(t, err, "RequireTLS")
}

func TestRueidisOptions(t *testing.T) {
	opt, err := rueidisOptions(RedisConfig{
		URL:        "redis://:secret@localhost:6379/0",
		ClientName: "rl-test",
		PoolSize:   8,
	})
	require.NoError(t, err)
	assert.True(t, opt.DisableCache)
	assert.Equal(t, "rl-test", opt.ClientName)
	assert.Equal(t, 8, opt.BlockingPoolSize)
	assert.Equal(t, []string{"localhost:6379"}, opt.InitAddress)

	opt, err = rueidisOptions(RedisConfig{URL: "rediss://localhost:6380/0", SkipTLSVerify: true})
	require.NoError(t, err)
	require.NotNil(t, opt.TLSConfig)
	assert.True(t, opt.TLSConfig.InsecureSkipVerify)
}
