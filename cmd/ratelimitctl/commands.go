package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ngnhng/reservation-ratelimiter/modules/db/redis"
	"github.com/ngnhng/reservation-ratelimiter/modules/hmac"
	rl "github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
	"github.com/ngnhng/reservation-ratelimiter/worker"
)

// PolicyFlags describe the limiter the command acts through. Namespace must
// match the limiter name used by the service, e.g. "post:v1.reservations".
type PolicyFlags struct {
	Namespace string        `arg:"" help:"Limiter name (key namespace)."`
	Limit     int64         `default:"100" help:"Max weight inside the window."`
	Window    time.Duration `default:"1m" help:"Sliding window size."`
}

type StatusCmd struct {
	PolicyFlags
	Identifier string `arg:"" help:"Caller identifier, e.g. a user id or IP."`
}

func (c *StatusCmd) Run(ctx context.Context, g *Globals) error {
	l, closeFn, err := g.limiter(ctx, c.PolicyFlags, 1)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := l.Status(ctx, c.Identifier)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out, "key=%s count=%d limit=%d remaining=%d reset=%d penalties=%d\n",
		st.Key, st.Count, st.Limit, st.Remaining, st.ResetEpochSeconds, st.Penalties)
	return err
}

type ResetCmd struct {
	PolicyFlags
	Identifier string `arg:"" help:"Caller identifier, e.g. a user id or IP."`
}

func (c *ResetCmd) Run(ctx context.Context, g *Globals) error {
	l, closeFn, err := g.limiter(ctx, c.PolicyFlags, 1)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := l.Reset(ctx, c.Identifier); err != nil {
		return err
	}
	_, err = fmt.Fprintf(g.out, "reset %s\n", rl.ComposeKey(c.Namespace, c.Identifier))
	return err
}

type CheckCmd struct {
	PolicyFlags
	Identifier string `arg:"" help:"Caller identifier, e.g. a user id or IP."`
	Weight     int64  `default:"1" help:"Units the call consumes."`
}

func (c *CheckCmd) Run(ctx context.Context, g *Globals) error {
	l, closeFn, err := g.limiter(ctx, c.PolicyFlags, c.Weight)
	if err != nil {
		return err
	}
	defer closeFn()

	d := l.Check(ctx, c.Identifier)
	_, err = fmt.Fprintf(g.out, "allowed=%t remaining=%d reset=%d retry_after=%d source=%s\n",
		d.Allowed, d.Remaining, d.ResetEpochSeconds, d.RetryAfter(), d.Source)
	if err == nil && d.Source == rl.SourceFailOpen {
		return errors.New("store unavailable, decision failed open")
	}
	return err
}

type BenchCmd struct {
	PolicyFlags
	Requests    int `short:"n" default:"1000" help:"Total checks to run."`
	Concurrency int `short:"c" default:"16" help:"Concurrent workers."`
	Identifiers int `default:"1" help:"Spread checks over this many identifiers."`
}

func (c *BenchCmd) Run(ctx context.Context, g *Globals) error {
	if c.Identifiers < 1 {
		return errors.New("--identifiers must be >= 1")
	}
	l, closeFn, err := g.limiter(ctx, c.PolicyFlags, 1)
	if err != nil {
		return err
	}
	defer closeFn()

	var allowed, denied, failedOpen atomic.Int64
	start := time.Now()

	jobs := worker.Generate(ctx, c.Requests, func(i int) string {
		return "bench-" + strconv.Itoa(i%c.Identifiers)
	})
	worker.BlockingPool(ctx, c.Concurrency, jobs, func(ctx context.Context, id string) {
		d := l.Check(ctx, id)
		switch {
		case d.Source == rl.SourceFailOpen:
			failedOpen.Add(1)
		case d.Allowed:
			allowed.Add(1)
		default:
			denied.Add(1)
		}
	})

	elapsed := time.Since(start)
	total := allowed.Load() + denied.Load() + failedOpen.Load()
	_, err = fmt.Fprintf(g.out, "requests=%d allowed=%d denied=%d failed_open=%d elapsed=%s rps=%.0f\n",
		total, allowed.Load(), denied.Load(), failedOpen.Load(), elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds())
	return err
}

type TokenCmd struct {
	Subject string        `default:"operator" help:"Token subject, logged by the admin API."`
	TTL     time.Duration `name:"ttl" env:"HMAC_TOKEN_TTL" default:"1h" help:"Token lifetime."`
	Secret  string        `env:"HMAC_SECRET" required:"" help:"Shared HMAC secret of the admin API."`
}

func (c *TokenCmd) Run(g *Globals) error {
	signer, err := hmac.NewHMACSigner([]byte(c.Secret))
	if err != nil {
		return err
	}
	tok, err := signer.Issue(c.Subject, time.Now(), c.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(g.out, tok)
	return err
}

func (g *Globals) limiter(ctx context.Context, p PolicyFlags, weight int64) (*rl.Limiter[string], func(), error) {
	store, err := redis.OpenStore(ctx, redis.RedisConfig{
		URL:        g.RedisURL,
		Backend:    redis.Backend(g.Backend),
		KeyPrefix:  g.KeyPrefix,
		ClientName: "ratelimitctl",
	})
	if err != nil {
		return nil, nil, err
	}

	l, err := rl.NewLimiter(rl.Policy[string]{
		Namespace:     p.Namespace,
		Limit:         p.Limit,
		Window:        p.Window,
		DefaultWeight: weight,
		KeyFunc:       func(id string) rl.Key { return rl.Key(id) },
	}, store.Atomic, rl.WithFallback(store.Fallback))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return l, store.Close, nil
}
