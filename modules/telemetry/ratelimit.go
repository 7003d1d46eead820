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

package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
)

const limiterMeterName = "github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"

var _ ratelimit.Observer = (*LimiterMetrics)(nil)

// LimiterMetrics records rate limit decisions and store round trips.
// Identifiers are never used as attributes; only the limiter name is.
type LimiterMetrics struct {
	decisions    metric.Int64Counter
	storeLatency metric.Float64Histogram
	storeErrors  metric.Int64Counter
}

// NewLimiterMetrics uses the global MeterProvider when mp is nil.
func NewLimiterMetrics(mp metric.MeterProvider) (*LimiterMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(limiterMeterName)

	decisions, err := meter.Int64Counter(
		"ratelimit_decisions_total",
		metric.WithDescription("Rate limit decisions by outcome and source"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	storeLatency, err := meter.Float64Histogram(
		"ratelimit_store_duration",
		metric.WithDescription("Rate limit store round trip duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	storeErrors, err := meter.Int64Counter(
		"ratelimit_store_errors_total",
		metric.WithDescription("Failed rate limit store round trips"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &LimiterMetrics{
		decisions:    decisions,
		storeLatency: storeLatency,
		storeErrors:  storeErrors,
	}, nil
}

// ObserveDecision implements ratelimit.Observer.
func (m *LimiterMetrics) ObserveDecision(ctx context.Context, limiter string, d ratelimit.Decision) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter", limiter),
		attribute.String("outcome", outcome),
		attribute.String("source", string(d.Source)),
	))
}

// ObserveStoreCall implements ratelimit.Observer.
func (m *LimiterMetrics) ObserveStoreCall(ctx context.Context, limiter string, path ratelimit.Source, elapsed time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("limiter", limiter),
		attribute.String("path", string(path)),
		attribute.String("result", storeResult(err)),
	}
	m.storeLatency.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	if err != nil {
		m.storeErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func storeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ratelimit.ErrScriptExecution):
		return "script_error"
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
