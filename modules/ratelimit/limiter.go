// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ngnhng/reservation-ratelimiter/modules/clock"
)

var _ Administrable = (*Limiter[any])(nil)

type (
	// Administrable is the non-generic surface used by operator tooling.
	Administrable interface {
		Name() string
		Window() time.Duration
		Limit() int64
		Status(ctx context.Context, identifier string, opts ...QueryOption) (Status, error)
		Reset(ctx context.Context, identifier string, opts ...QueryOption) error
	}

	// Limiter is the sliding window decision engine for calls of type C.
	//
	// Every Check goes to the shared store through the atomic accountant. When that
	// fails, the call is retried once on the non-atomic fallback accountant (if any),
	// and if that fails too the call is allowed (fail-open). Check never returns an error.
	//
	// A Limiter holds no per-key state and is safe for concurrent use.
	Limiter[C any] struct {
		policy   Policy[C]
		atomic   Accountant
		fallback Accountant

		clock    clock.Clock
		logger   *slog.Logger
		observer Observer
		timeout  time.Duration
	}

	limiterOptions struct {
		fallback Accountant
		clock    clock.Clock
		logger   *slog.Logger
		observer Observer
		timeout  time.Duration
	}

	Option func(*limiterOptions)

	queryOptions struct {
		namespace string
		window    time.Duration
	}

	// QueryOption overrides the limiter defaults for Status and Reset.
	QueryOption func(*queryOptions)
)

// WithFallback sets the accountant used when the atomic path errors.
// It should be a non-atomic implementation against the same store.
func WithFallback(a Accountant) Option {
	return func(o *limiterOptions) {
		o.fallback = a
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *limiterOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *limiterOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *limiterOptions) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithTimeout bounds every store round trip. A call exceeding it counts as a store error.
func WithTimeout(d time.Duration) Option {
	return func(o *limiterOptions) {
		o.timeout = d
	}
}

// WithNamespace queries another namespace than the limiter's own.
func WithNamespace(ns string) QueryOption {
	return func(q *queryOptions) {
		q.namespace = ns
	}
}

// WithWindow queries with another window size than the limiter's own. Values <= 0 are ignored.
func WithWindow(w time.Duration) QueryOption {
	return func(q *queryOptions) {
		if w > 0 {
			q.window = w
		}
	}
}

// NewLimiter validates the policy and builds a Limiter on top of the atomic accountant.
// An invalid policy is returned as ErrInvalidPolicy; nothing is defaulted silently
// except DefaultWeight 0 meaning 1.
func NewLimiter[C any](policy Policy[C], atomic Accountant, opts ...Option) (*Limiter[C], error) {
	policy = policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if atomic == nil {
		return nil, fmt.Errorf("%w: accountant is required", ErrInvalidPolicy)
	}

	o := limiterOptions{
		clock:    clock.RealClockProvider(),
		logger:   slog.Default(),
		observer: NoopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return &Limiter[C]{
		policy:   policy,
		atomic:   atomic,
		fallback: o.fallback,
		clock:    o.clock,
		logger:   o.logger.With(slog.String("limiter", policy.Namespace)),
		observer: o.observer,
		timeout:  o.timeout,
	}, nil
}

func (l *Limiter[C]) Name() string { return l.policy.Namespace }

func (l *Limiter[C]) Window() time.Duration { return l.policy.Window }

func (l *Limiter[C]) Limit() int64 { return l.policy.Limit }

// Check accounts one call and returns the decision.
func (l *Limiter[C]) Check(ctx context.Context, call C) Decision {
	now := l.clock.Now()

	if l.policy.skip(call) {
		d := l.openDecision(now, SourceSkipped)
		l.observer.ObserveDecision(ctx, l.policy.Namespace, d)
		return d
	}

	key := ComposeKey(l.policy.Namespace, string(l.policy.KeyFunc(call)))
	req := Request{
		NowMs:   now.UnixMilli(),
		Window:  l.policy.Window,
		Limit:   l.policy.Limit,
		Weight:  l.policy.weight(call),
		Penalty: l.policy.Penalty,
	}

	tally, err := l.record(ctx, l.atomic, SourceAtomic, key, req)
	if err == nil {
		d := Evaluate(req, tally)
		d.Source = SourceAtomic
		l.observer.ObserveDecision(ctx, l.policy.Namespace, d)
		return d
	}
	atomicErr := err
	var fallbackErr error

	// a caller that already gave up gets no second round trip
	if l.fallback != nil && ctx.Err() == nil {
		tally, fallbackErr = l.record(ctx, l.fallback, SourceFallback, key, req)
		if fallbackErr == nil {
			l.logger.WarnContext(ctx, "atomic accounting failed, decided on fallback path",
				slog.String("key", string(key)),
				slog.Any("error", atomicErr),
			)
			d := Evaluate(req, tally)
			d.Source = SourceFallback
			l.observer.ObserveDecision(ctx, l.policy.Namespace, d)
			return d
		}
	}

	attrs := []any{
		slog.String("key", string(key)),
		slog.Any("error", atomicErr),
	}
	if fallbackErr != nil {
		attrs = append(attrs, slog.Any("fallback_error", fallbackErr))
	}
	l.logger.WarnContext(ctx, "rate limit store failure, failing open", attrs...)

	d := l.openDecision(now, SourceFailOpen)
	l.observer.ObserveDecision(ctx, l.policy.Namespace, d)
	return d
}

// Status reports the usage of identifier without consuming quota.
// Expired entries are evicted as a side effect, as a normal check would.
func (l *Limiter[C]) Status(ctx context.Context, identifier string, opts ...QueryOption) (Status, error) {
	q := l.query(opts)
	key := ComposeKey(q.namespace, identifier)
	now := l.clock.Now()

	u, err := l.inspect(ctx, l.atomic, key, now, q.window)
	if err != nil && l.fallback != nil && ctx.Err() == nil {
		l.logger.WarnContext(ctx, "status on atomic path failed, retrying on fallback path",
			slog.String("key", string(key)),
			slog.Any("error", err),
		)
		u, err = l.inspect(ctx, l.fallback, key, now, q.window)
	}
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit status %q: %w", key, err)
	}

	return Status{
		Key:               key,
		Count:             u.Count,
		Limit:             l.policy.Limit,
		Remaining:         max(0, l.policy.Limit-u.Count),
		ResetEpochSeconds: ceilSeconds(now.UnixMilli() + q.window.Milliseconds()),
		Penalties:         u.Penalties,
	}, nil
}

// Reset drops every entry recorded for identifier, restoring its full quota.
func (l *Limiter[C]) Reset(ctx context.Context, identifier string, opts ...QueryOption) error {
	q := l.query(opts)
	key := ComposeKey(q.namespace, identifier)

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := l.atomic.Delete(ctx, key); err != nil {
		return fmt.Errorf("ratelimit reset %q: %w", key, err)
	}
	l.logger.InfoContext(ctx, "rate limit key reset", slog.String("key", string(key)))
	return nil
}

func (l *Limiter[C]) record(ctx context.Context, a Accountant, path Source, key Key, req Request) (Tally, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	t, err := a.CheckAndRecord(ctx, key, req)
	l.observer.ObserveStoreCall(ctx, l.policy.Namespace, path, time.Since(start), err)
	return t, err
}

func (l *Limiter[C]) inspect(ctx context.Context, a Accountant, key Key, now time.Time, window time.Duration) (Usage, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return a.Inspect(ctx, key, now.UnixMilli(), window)
}

func (l *Limiter[C]) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *Limiter[C]) query(opts []QueryOption) queryOptions {
	q := queryOptions{
		namespace: l.policy.Namespace,
		window:    l.policy.Window,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&q)
		}
	}
	return q
}

// openDecision is returned when no accounting took place.
func (l *Limiter[C]) openDecision(now time.Time, src Source) Decision {
	return Decision{
		Allowed:           true,
		Limit:             l.policy.Limit,
		Remaining:         l.policy.Limit,
		ResetEpochSeconds: ceilSeconds(now.UnixMilli() + l.policy.Window.Milliseconds()),
		Source:            src,
	}
}
