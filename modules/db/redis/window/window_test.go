package window

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/reservation-ratelimiter/modules/clock"
	"github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
)

const testPrefix = "rl"

var epoch = time.UnixMilli(1_700_000_000_000)

type call struct {
	key    string
	weight int64
}

type backend struct {
	name     string
	atomic   ratelimit.Accountant
	fallback ratelimit.Accountant
}

func newRueidis(t *testing.T, mr *miniredis.Miniredis) rueidis.Client {
	t.Helper()
	cli, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:       []string{mr.Addr()},
		DisableCache:      true,
		ForceSingleClient: true,
		ClientSetInfo:     rueidis.DisableClientSetInfo,
	})
	require.NoError(t, err)
	t.Cleanup(cli.Close)
	return cli
}

func newGoRedis(t *testing.T, mr *miniredis.Miniredis) *goredis.Client {
	t.Helper()
	cli := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func backends(t *testing.T, mr *miniredis.Miniredis) []backend {
	t.Helper()
	rc := newRueidis(t, mr)
	gc := newGoRedis(t, mr)
	return []backend{
		{"rueidis", NewRueidisAccountant(rc, testPrefix), NewRueidisFallback(rc, testPrefix)},
		{"goredis", NewGoRedisAccountant(gc, testPrefix), NewGoRedisFallback(gc, testPrefix)},
	}
}

// eachAccountant runs fn against all four accountants, each on a fresh server.
func eachAccountant(t *testing.T, fn func(t *testing.T, mr *miniredis.Miniredis, a ratelimit.Accountant)) {
	t.Helper()
	for _, path := range []string{"atomic", "fallback"} {
		for i := range 2 {
			mr := miniredis.RunT(t)
			b := backends(t, mr)[i]
			a := b.atomic
			if path == "fallback" {
				a = b.fallback
			}
			t.Run(b.name+"/"+path, func(t *testing.T) {
				fn(t, mr, a)
			})
		}
	}
}

func newLimiter(t *testing.T, a ratelimit.Accountant, clk clock.Clock, window time.Duration, limit int64, opts ...ratelimit.Option) *ratelimit.Limiter[call] {
	t.Helper()
	opts = append([]ratelimit.Option{ratelimit.WithClock(clk)}, opts...)
	l, err := ratelimit.NewLimiter(ratelimit.Policy[call]{
		Namespace: "api",
		Window:    window,
		Limit:     limit,
		Weight:    func(c call) int64 { return c.weight },
		KeyFunc:   func(c call) ratelimit.Key { return ratelimit.Key(c.key) },
	}, a, opts...)
	require.NoError(t, err)
	return l
}

func TestKeyspace(t *testing.T) {
	ks := newKeyspace("rl")
	assert.Equal(t, "rl:{api:k}", ks.set("api:k"))
	assert.Equal(t, "rl:{api:k}:penalty", ks.penalty("api:k"))

	ks = newKeyspace("rl:prod:")
	assert.Equal(t, "rl:prod:{k}", ks.set("k"))

	ks = newKeyspace("")
	assert.Equal(t, "{k}", ks.set("k"))
}

func TestMemberPrefixUnique(t *testing.T) {
	a, err := memberPrefix(42)
	require.NoError(t, err)
	b, err := memberPrefix(42)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "42-")
	assert.Equal(t, a+":3", member(a, 3))
}

func TestSequentialChecksUpToLimit(t *testing.T) {
	eachAccountant(t, func(t *testing.T, mr *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		clk := clock.NewManualClock(epoch)
		l := newLimiter(t, a, clk, time.Minute, 5)

		for i, want := range []int64{4, 3, 2, 1, 0} {
			d := l.Check(ctx, call{key: "k", weight: 1})
			require.True(t, d.Allowed, "check %d", i+1)
			assert.Equal(t, want, d.Remaining)
			assert.Equal(t, int64(5-want), d.CurrentCount)
			assert.Equal(t, int64(5), d.Limit)
		}

		d := l.Check(ctx, call{key: "k", weight: 1})
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(0), d.Remaining)
		assert.Equal(t, int64(5), d.CurrentCount)
		require.NotNil(t, d.RetryAfterSeconds)
		assert.GreaterOrEqual(t, *d.RetryAfterSeconds, int64(1))
		assert.LessOrEqual(t, *d.RetryAfterSeconds, int64(60))
		assert.Equal(t, epoch.Add(time.Minute).Unix(), d.ResetEpochSeconds)

		members, err := mr.ZMembers(testPrefix + ":{api:k}")
		require.NoError(t, err)
		assert.Len(t, members, 5)
	})
}

func TestQuotaRestoredAfterWindow(t *testing.T) {
	eachAccountant(t, func(t *testing.T, mr *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		clk := clock.NewManualClock(epoch)
		l := newLimiter(t, a, clk, time.Minute, 5)

		for range 5 {
			require.True(t, l.Check(ctx, call{key: "k", weight: 1}).Allowed)
		}
		require.False(t, l.Check(ctx, call{key: "k", weight: 1}).Allowed)

		clk.Advance(61 * time.Second)

		d := l.Check(ctx, call{key: "k", weight: 1})
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(4), d.Remaining)
		assert.Equal(t, int64(1), d.CurrentCount)
	})
}

func TestRetryAfterFollowsOldestEntry(t *testing.T) {
	eachAccountant(t, func(t *testing.T, _ *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		clk := clock.NewManualClock(epoch)
		l := newLimiter(t, a, clk, time.Minute, 2)

		require.True(t, l.Check(ctx, call{key: "k", weight: 1}).Allowed)
		clk.Advance(20 * time.Second)
		require.True(t, l.Check(ctx, call{key: "k", weight: 1}).Allowed)
		clk.Advance(500 * time.Millisecond)

		d := l.Check(ctx, call{key: "k", weight: 1})
		require.False(t, d.Allowed)
		// oldest entry leaves the window 39.5s from now
		assert.Equal(t, int64(40), d.RetryAfter())
	})
}

func TestWeightedDenialConsumesNothing(t *testing.T) {
	eachAccountant(t, func(t *testing.T, _ *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		clk := clock.NewManualClock(epoch)
		l := newLimiter(t, a, clk, time.Minute, 5)

		for range 3 {
			require.True(t, l.Check(ctx, call{key: "k", weight: 1}).Allowed)
		}

		d := l.Check(ctx, call{key: "k", weight: 3})
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(3), d.CurrentCount)

		d = l.Check(ctx, call{key: "k", weight: 2})
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(5), d.CurrentCount)
		assert.Equal(t, int64(0), d.Remaining)
	})
}

func TestHeavyWeightSpansBatches(t *testing.T) {
	eachAccountant(t, func(t *testing.T, mr *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		l := newLimiter(t, a, clock.NewManualClock(epoch), time.Minute, 3000)

		d := l.Check(ctx, call{key: "k", weight: 2500})
		require.True(t, d.Allowed)
		assert.Equal(t, int64(2500), d.CurrentCount)
		assert.Equal(t, int64(500), d.Remaining)

		members, err := mr.ZMembers(testPrefix + ":{api:k}")
		require.NoError(t, err)
		assert.Len(t, members, 2500)

		assert.False(t, l.Check(ctx, call{key: "k", weight: 501}).Allowed)
		assert.True(t, l.Check(ctx, call{key: "k", weight: 500}).Allowed)
	})
}

func TestWeightAboveLimitOnEmptyKey(t *testing.T) {
	eachAccountant(t, func(t *testing.T, mr *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		l := newLimiter(t, a, clock.NewManualClock(epoch), time.Minute, 5)

		d := l.Check(ctx, call{key: "k", weight: 6})
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(0), d.CurrentCount)
		assert.Equal(t, int64(60), d.RetryAfter())
		assert.False(t, mr.Exists(testPrefix+":{api:k}"))
	})
}

func TestKeysAreIsolated(t *testing.T) {
	eachAccountant(t, func(t *testing.T, _ *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		l := newLimiter(t, a, clock.NewManualClock(epoch), time.Minute, 2)

		require.True(t, l.Check(ctx, call{key: "a", weight: 2}).Allowed)
		require.False(t, l.Check(ctx, call{key: "a", weight: 1}).Allowed)

		d := l.Check(ctx, call{key: "b", weight: 1})
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.CurrentCount)
	})
}

func TestEntrySetExpiry(t *testing.T) {
	eachAccountant(t, func(t *testing.T, mr *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		l := newLimiter(t, a, clock.NewManualClock(epoch), 30*time.Second, 2)

		require.True(t, l.Check(ctx, call{key: "k", weight: 1}).Allowed)
		assert.Equal(t, 31*time.Second, mr.TTL(testPrefix+":{api:k}"))
	})
}

func TestStatusAndReset(t *testing.T) {
	eachAccountant(t, func(t *testing.T, mr *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		clk := clock.NewManualClock(epoch)
		l := newLimiter(t, a, clk, time.Minute, 5)

		for range 3 {
			require.True(t, l.Check(ctx, call{key: "k", weight: 1}).Allowed)
		}

		st, err := l.Status(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, ratelimit.Key("api:k"), st.Key)
		assert.Equal(t, int64(3), st.Count)
		assert.Equal(t, int64(2), st.Remaining)
		assert.Equal(t, int64(5), st.Limit)

		// status never records
		st, err = l.Status(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(3), st.Count)

		// a narrower window evicts on read
		clk.Advance(10 * time.Second)
		st, err = l.Status(ctx, "k", ratelimit.WithWindow(5*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(0), st.Count)
		members, err := mr.ZMembers(testPrefix + ":{api:k}")
		if err == nil {
			assert.Empty(t, members)
		}

		require.True(t, l.Check(ctx, call{key: "k", weight: 1}).Allowed)
		require.NoError(t, l.Reset(ctx, "k"))
		assert.False(t, mr.Exists(testPrefix+":{api:k}"))

		st, err = l.Status(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(0), st.Count)
		assert.Equal(t, int64(5), st.Remaining)
	})
}

func TestStatusOtherNamespace(t *testing.T) {
	eachAccountant(t, func(t *testing.T, mr *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		l := newLimiter(t, a, clock.NewManualClock(epoch), time.Minute, 5)

		_, err := mr.ZAdd(testPrefix+":{login:u1}", float64(epoch.UnixMilli()), "m1")
		require.NoError(t, err)

		st, err := l.Status(ctx, "u1", ratelimit.WithNamespace("login"))
		require.NoError(t, err)
		assert.Equal(t, ratelimit.Key("login:u1"), st.Key)
		assert.Equal(t, int64(1), st.Count)
	})
}

func TestPenaltyCounter(t *testing.T) {
	eachAccountant(t, func(t *testing.T, mr *miniredis.Miniredis, a ratelimit.Accountant) {
		ctx := context.Background()
		l, err := ratelimit.NewLimiter(ratelimit.Policy[call]{
			Namespace: "api",
			Window:    time.Minute,
			Limit:     1,
			Penalty:   30 * time.Second,
			KeyFunc:   func(c call) ratelimit.Key { return ratelimit.Key(c.key) },
		}, a, ratelimit.WithClock(clock.NewManualClock(epoch)))
		require.NoError(t, err)

		require.True(t, l.Check(ctx, call{key: "k"}).Allowed)
		require.False(t, l.Check(ctx, call{key: "k"}).Allowed)
		d := l.Check(ctx, call{key: "k"})
		require.False(t, d.Allowed)
		// the penalty does not stretch the denial
		assert.Equal(t, int64(60), d.RetryAfter())

		st, err := l.Status(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Penalties)
		assert.Equal(t, 30*time.Second, mr.TTL(testPrefix+":{api:k}:penalty"))

		require.NoError(t, l.Reset(ctx, "k"))
		assert.False(t, mr.Exists(testPrefix+":{api:k}:penalty"))
	})
}

func TestConcurrentChecksAtomic(t *testing.T) {
	for i, name := range []string{"rueidis", "goredis"} {
		t.Run(name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			b := backends(t, mr)[i]
			l := newLimiter(t, b.atomic, clock.NewManualClock(epoch), time.Minute, 10)

			var (
				allowed, denied atomic.Int64
				wg              sync.WaitGroup
				start           = make(chan struct{})
			)
			for range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					d := l.Check(context.Background(), call{key: "hot", weight: 1})
					if d.Source != ratelimit.SourceAtomic {
						t.Errorf("unexpected source %q", d.Source)
					}
					if d.Allowed {
						allowed.Add(1)
					} else {
						denied.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int64(10), allowed.Load())
			assert.Equal(t, int64(40), denied.Load())
		})
	}
}

type failingAccountant struct {
	err error
}

func (f failingAccountant) CheckAndRecord(context.Context, ratelimit.Key, ratelimit.Request) (ratelimit.Tally, error) {
	return ratelimit.Tally{}, f.err
}

func (f failingAccountant) Inspect(context.Context, ratelimit.Key, int64, time.Duration) (ratelimit.Usage, error) {
	return ratelimit.Usage{}, f.err
}

func (f failingAccountant) Delete(context.Context, ratelimit.Key) error { return f.err }

func TestFallbackAfterScriptFailure(t *testing.T) {
	for i, name := range []string{"rueidis", "goredis"} {
		t.Run(name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			b := backends(t, mr)[i]
			atomicPath := failingAccountant{err: ratelimit.ErrScriptExecution}
			l := newLimiter(t, atomicPath, clock.NewManualClock(epoch), time.Minute, 2,
				ratelimit.WithFallback(b.fallback),
				ratelimit.WithLogger(slog.New(slog.DiscardHandler)),
			)

			ctx := context.Background()
			d := l.Check(ctx, call{key: "k", weight: 1})
			assert.True(t, d.Allowed)
			assert.Equal(t, ratelimit.SourceFallback, d.Source)
			assert.Equal(t, int64(1), d.Remaining)

			require.True(t, l.Check(ctx, call{key: "k", weight: 1}).Allowed)
			d = l.Check(ctx, call{key: "k", weight: 1})
			assert.False(t, d.Allowed)
			assert.Equal(t, ratelimit.SourceFallback, d.Source)

			// status is served by the fallback too
			st, err := l.Status(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, int64(2), st.Count)
		})
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func (h *recordingHandler) warnings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == slog.LevelWarn {
			n++
		}
	}
	return n
}

func TestStoreErrorFailsOpen(t *testing.T) {
	for i, name := range []string{"rueidis", "goredis"} {
		t.Run(name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			b := backends(t, mr)[i]
			h := &recordingHandler{}
			l := newLimiter(t, b.atomic, clock.NewManualClock(epoch), time.Minute, 1,
				ratelimit.WithFallback(b.fallback),
				ratelimit.WithLogger(slog.New(h)),
			)

			mr.SetError("ERR injected failure")

			ctx := context.Background()
			for n := 1; n <= 3; n++ {
				d := l.Check(ctx, call{key: "k", weight: 1})
				assert.True(t, d.Allowed)
				assert.Equal(t, ratelimit.SourceFailOpen, d.Source)
				assert.Equal(t, int64(1), d.Remaining)
				assert.Equal(t, n, h.warnings())
			}

			_, err := b.atomic.CheckAndRecord(ctx, "k", ratelimit.Request{
				NowMs: epoch.UnixMilli(), Window: time.Minute, Limit: 1, Weight: 1,
			})
			assert.ErrorIs(t, err, ratelimit.ErrScriptExecution)

			_, err = l.Status(ctx, "k")
			assert.Error(t, err)
		})
	}
}

func TestUnreachableStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := newGoRedis(t, mr)
	a := NewGoRedisAccountant(cli, testPrefix)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := a.CheckAndRecord(ctx, "k", ratelimit.Request{
		NowMs: epoch.UnixMilli(), Window: time.Minute, Limit: 1, Weight: 1,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ratelimit.ErrStoreUnavailable))
	assert.False(t, errors.Is(err, ratelimit.ErrScriptExecution))
}

func TestScriptsServeMixedBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	b := backends(t, mr)
	clk := clock.NewManualClock(epoch)
	ctx := context.Background()

	viaRueidis := newLimiter(t, b[0].atomic, clk, time.Minute, 3)
	viaGoRedis := newLimiter(t, b[1].atomic, clk, time.Minute, 3)

	require.True(t, viaRueidis.Check(ctx, call{key: "k", weight: 2}).Allowed)
	d := viaGoRedis.Check(ctx, call{key: "k", weight: 2})
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(2), d.CurrentCount)
}

func TestInvalidWeightRejected(t *testing.T) {
	mr := miniredis.RunT(t)
	for _, b := range backends(t, mr) {
		for _, a := range []ratelimit.Accountant{b.atomic, b.fallback} {
			_, err := a.CheckAndRecord(context.Background(), "k", ratelimit.Request{
				NowMs: epoch.UnixMilli(), Window: time.Minute, Limit: 1, Weight: 0,
			})
			assert.ErrorIs(t, err, ratelimit.ErrInvalidPolicy, b.name)
		}
	}
}
