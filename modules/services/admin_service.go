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
	"embed"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3filter"

	"github.com/ngnhng/reservation-ratelimiter/modules/api/serde"
	"github.com/ngnhng/reservation-ratelimiter/modules/clock"
	"github.com/ngnhng/reservation-ratelimiter/modules/hmac"
	"github.com/ngnhng/reservation-ratelimiter/modules/middleware"
	"github.com/ngnhng/reservation-ratelimiter/modules/middleware/problem"
	rl "github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
	"github.com/ngnhng/reservation-ratelimiter/modules/server"
)

//go:embed openapi/admin.yaml
var adminSpec embed.FS

const adminSpecPath = "openapi/admin.yaml"

var _ server.RegistrableService = (*AdminService)(nil)

type (
	// AdminService exposes inspection and reset of rate limit keys to operators.
	// Every route requires a bearer token minted with the shared HMAC secret.
	AdminService struct {
		limiters map[string]rl.Administrable
		signer   *hmac.HMACSigner
		clock    clock.Clock
	}

	limiterView struct {
		Name          string  `json:"name"`
		Limit         int64   `json:"limit"`
		WindowSeconds float64 `json:"windowSeconds"`
	}

	keyStatusView struct {
		Key               string `json:"key"`
		Count             int64  `json:"count"`
		Limit             int64  `json:"limit"`
		Remaining         int64  `json:"remaining"`
		ResetEpochSeconds int64  `json:"resetEpochSeconds"`
		Penalties         int64  `json:"penalties"`
	}
)

func NewAdminService(limiters map[string]rl.Administrable, signer *hmac.HMACSigner, c clock.Clock) *AdminService {
	if c == nil {
		c = clock.RealClockProvider()
	}
	return &AdminService{limiters: limiters, signer: signer, clock: c}
}

func (s *AdminService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/ratelimit", s.listLimiters)
	mux.HandleFunc("GET /admin/ratelimit/{limiter}/keys/{identifier}", s.keyStatus)
	mux.HandleFunc("DELETE /admin/ratelimit/{limiter}/keys/{identifier}", s.resetKey)
}

// Middlewares validates admin requests against the embedded OpenAPI document,
// including the bearer token check.
func (s *AdminService) Middlewares() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.OpenAPIValidation(adminSpec, adminSpecPath, middleware.ValidationOptions{
			PathPrefix:   "/admin/",
			Authenticate: s.authenticate,
		}),
	}
}

func (s *AdminService) authenticate(ctx context.Context, in *openapi3filter.AuthenticationInput) error {
	if in.SecuritySchemeName != "bearerAuth" {
		return errors.New("unsupported security scheme")
	}

	r := in.RequestValidationInput.Request
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return errors.New("missing bearer token")
	}

	claims, err := s.signer.VerifyClaims(token, s.clock.Now())
	if err != nil {
		slog.WarnContext(ctx, "admin token rejected", slog.Any("error", err))
		return err
	}
	slog.DebugContext(ctx, "admin token accepted", slog.String("subject", claims.Subject))
	return nil
}

func (s *AdminService) listLimiters(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.limiters))
	for name := range s.limiters {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]limiterView, 0, len(names))
	for _, name := range names {
		l := s.limiters[name]
		out = append(out, limiterView{
			Name:          name,
			Limit:         l.Limit(),
			WindowSeconds: l.Window().Seconds(),
		})
	}
	serde.WriteJSON(w, http.StatusOK, out)
}

func (s *AdminService) keyStatus(w http.ResponseWriter, r *http.Request) {
	l, ok := s.limiter(w, r)
	if !ok {
		return
	}

	opts := queryOptions(r)
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problem.Write(w, problem.BadRequest("invalid window", problem.WithInvalidParam("window", "must be a positive duration")))
			return
		}
		opts = append(opts, rl.WithWindow(d))
	}

	st, err := l.Status(r.Context(), r.PathValue("identifier"), opts...)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	serde.WriteJSON(w, http.StatusOK, keyStatusView{
		Key:               string(st.Key),
		Count:             st.Count,
		Limit:             st.Limit,
		Remaining:         st.Remaining,
		ResetEpochSeconds: st.ResetEpochSeconds,
		Penalties:         st.Penalties,
	})
}

func (s *AdminService) resetKey(w http.ResponseWriter, r *http.Request) {
	l, ok := s.limiter(w, r)
	if !ok {
		return
	}
	if err := l.Reset(r.Context(), r.PathValue("identifier"), queryOptions(r)...); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminService) limiter(w http.ResponseWriter, r *http.Request) (rl.Administrable, bool) {
	name := r.PathValue("limiter")
	l, ok := s.limiters[name]
	if !ok {
		problem.Write(w, problem.NotFound("unknown limiter "+name))
		return nil, false
	}
	return l, true
}

func queryOptions(r *http.Request) []rl.QueryOption {
	var opts []rl.QueryOption
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		opts = append(opts, rl.WithNamespace(ns))
	}
	return opts
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "admin store call failed", slog.Any("error", err))
	if errors.Is(err, rl.ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		problem.Write(w, problem.ServiceUnavailable("rate limit store unavailable"))
		return
	}
	problem.Write(w, problem.Internal("rate limit store error"))
}
