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

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ngnhng/reservation-ratelimiter/modules/appconfig"
	"github.com/ngnhng/reservation-ratelimiter/modules/clock"
	"github.com/ngnhng/reservation-ratelimiter/modules/db/redis"
	hmac_sign "github.com/ngnhng/reservation-ratelimiter/modules/hmac"
	"github.com/ngnhng/reservation-ratelimiter/modules/middleware"
	"github.com/ngnhng/reservation-ratelimiter/modules/middleware/ratelimit"
	rl "github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
	"github.com/ngnhng/reservation-ratelimiter/modules/server"
	"github.com/ngnhng/reservation-ratelimiter/modules/services"
	"github.com/ngnhng/reservation-ratelimiter/modules/telemetry"
)

func main() {
	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	// cancel the context when these signals occur
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	// manual dependency injections, imo there's no need to over-engineer with DI frameworks like Fx or Wire

	// --- application config ----
	appConfig, err := appconfig.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", slog.Any("error", err))
		exitCode = 1
		return
	}
	slog.SetLogLoggerLevel(appConfig.LogLevel)

	// --- telemetry ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	otelShutdown, err := telemetry.Init(ctx, appConfig.Otel, telemetry.WithPrometheus(registry))
	if err != nil {
		slog.ErrorContext(ctx, "telemetry not properly configured", slog.Any("error", err))
		exitCode = 1
		return
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.ErrorContext(ctx, "telemetry shutdown error", slog.Any("error", err))
		}
	}()

	limiterMetrics, err := telemetry.NewLimiterMetrics(nil)
	if err != nil {
		slog.ErrorContext(ctx, "limiter metrics setup error", slog.Any("error", err))
		exitCode = 1
		return
	}

	// Initialize HTTP metrics for middleware-based instrumentation
	httpMetrics, err := telemetry.NewHTTPMetrics(nil)
	if err != nil {
		slog.WarnContext(ctx, "failed to initialize HTTP metrics, continuing without metrics", slog.Any("error", err))
		httpMetrics = nil
	}

	// --- infrastructure ---
	store, err := redis.OpenStore(ctx, appConfig.Redis)
	if err != nil {
		slog.ErrorContext(ctx, "redis not properly setup", slog.Any("error", err))
		exitCode = 1
		return
	}
	defer store.Close()

	signer, err := hmac_sign.NewHMACSigner([]byte(appConfig.HMAC.Secret))
	if err != nil {
		slog.ErrorContext(ctx, "hmac signer setup error", slog.Any("error", err))
		exitCode = 1
		return
	}

	// --- rate limiting ---
	slog.Debug("app rate limit config", slog.Any("rate_limit_config", appConfig.RateLimit))

	patterns := make([]string, 0, len(appConfig.RateLimit.Routes))
	for _, route := range appConfig.RateLimit.Routes {
		patterns = append(patterns, route.Pattern)
	}
	gateway, err := services.NewGatewayService(patterns, appConfig.App.UpstreamURL)
	if err != nil {
		slog.ErrorContext(ctx, "gateway routes not properly configured", slog.Any("error", err))
		exitCode = 1
		return
	}

	// the limiter resolves route patterns against the same mux the app server serves
	appMux := http.NewServeMux()
	routeFn := ratelimit.MuxRouteInfo(appMux)
	keyStrategies, err := ratelimit.DefaultKeyStrategies(&appConfig.RateLimit, routeFn)
	if err != nil {
		slog.ErrorContext(ctx, "ratelimit key strategies not properly configured", slog.Any("error", err))
		exitCode = 1
		return
	}

	rtp, err := ratelimit.ParsePolicy(
		ratelimit.NewLimiterFactory(
			store.Atomic,
			store.Fallback,
			rl.WithClock(clock.RealClockProvider()),
			rl.WithTimeout(appConfig.RateLimit.Timeout),
			rl.WithObserver(limiterMetrics),
			rl.WithLogger(slog.Default().With(slog.String("component", "ratelimit"))),
		),
		&appConfig.RateLimit,
		routeFn,
		keyStrategies,
	)
	if err != nil {
		slog.ErrorContext(ctx, "ratelimit config not properly parsed", slog.Any("error", err))
		exitCode = 1
		return
	}

	// --- servers ---
	appServer, err := server.New(
		appConfig.App.Host, appConfig.App.Port,
		server.WithMux(appMux),
		server.WithReadTimeout(appConfig.App.ReadTimeout),
		server.WithWriteTimeout(appConfig.App.WriteTimeout),
		server.WithServices(gateway),
		server.WithGlobalMiddlewares(
			// tracing clones the request, so it goes first for the others to see the routed pattern
			middleware.Tracing(nil),
			middleware.Telemetry(httpMetrics),
			middleware.Recovery(nil),
			ratelimit.NewRateLimitMiddleware(rtp),
		),
	)
	if err != nil {
		slog.ErrorContext(ctx, "init app server error", slog.Any("error", err))
		exitCode = 1
		return
	}

	adminServer, err := server.New(
		appConfig.Admin.Host, appConfig.Admin.Port,
		server.WithReadTimeout(appConfig.Admin.ReadTimeout),
		server.WithWriteTimeout(appConfig.Admin.WriteTimeout),
		server.WithServices(
			services.NewAdminService(rtp.Limiters(), signer, clock.RealClockProvider()),
			services.NewHealthService(store.Ping, appConfig.RateLimit.Timeout),
			services.NewMetricsService(registry),
		),
		server.WithGlobalMiddlewares(middleware.Recovery(nil)),
	)
	if err != nil {
		slog.ErrorContext(ctx, "init admin server error", slog.Any("error", err))
		exitCode = 1
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return appServer.Run(gctx) })
	g.Go(func() error { return adminServer.Run(gctx) })

	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "running server error", slog.Any("error", err))
		exitCode = 1
		return
	}
}
