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

package services

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ngnhng/reservation-ratelimiter/modules/api/serde"
	"github.com/ngnhng/reservation-ratelimiter/modules/middleware/problem"
	"github.com/ngnhng/reservation-ratelimiter/modules/server"
)

var _ server.RegistrableService = (*HealthService)(nil)

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

// HealthService answers liveness at /livez and store readiness at /healthz.
type HealthService struct {
	ping    PingFunc
	timeout time.Duration
}

func NewHealthService(ping PingFunc, timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HealthService{ping: ping, timeout: timeout}
}

func (s *HealthService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, _ *http.Request) {
		serde.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /healthz", s.ready)
}

func (s *HealthService) Middlewares() []func(http.Handler) http.Handler { return nil }

func (s *HealthService) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.ping(ctx); err != nil {
		slog.WarnContext(ctx, "readiness check failed", slog.Any("error", err))
		problem.Write(w, problem.ServiceUnavailable("rate limit store unreachable"))
		return
	}
	serde.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
