package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ngnhng/reservation-ratelimiter/modules/middleware"

// Tracing starts a server span per request, continuing the caller's trace
// from the propagated headers. tp nil means the global TracerProvider.
//
// The span is named after the matched route once the mux has run; rate
// limited requests carry ratelimit.limited=true.
func Tracing(tp trace.TracerProvider) func(http.Handler) http.Handler {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			recorder := newResponseRecorder(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(recorder, r)

			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}
			span.SetName(route)
			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", recorder.statusCode),
			)
			if recorder.statusCode == http.StatusTooManyRequests {
				span.SetAttributes(attribute.Bool("ratelimit.limited", true))
			}
			if recorder.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(recorder.statusCode))
			}
		})
	}
}
