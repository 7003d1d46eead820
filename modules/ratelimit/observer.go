package ratelimit

import (
	"context"
	"time"
)

// Observer receives limiter events for metrics. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveDecision(ctx context.Context, limiter string, d Decision)
	ObserveStoreCall(ctx context.Context, limiter string, path Source, elapsed time.Duration, err error)
}

var _ Observer = NoopObserver{}

type NoopObserver struct{}

func (NoopObserver) ObserveDecision(context.Context, string, Decision) {}

func (NoopObserver) ObserveStoreCall(context.Context, string, Source, time.Duration, error) {}
