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
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"

	"github.com/ngnhng/reservation-ratelimiter/modules/api/serde"
	"github.com/ngnhng/reservation-ratelimiter/modules/middleware/problem"
	"github.com/ngnhng/reservation-ratelimiter/modules/server"
)

var _ server.RegistrableService = (*GatewayService)(nil)

// GatewayService mounts every rate limited route pattern on the app mux and
// forwards admitted requests to the upstream. With no upstream it answers
// 200 itself, which is enough to exercise the limiter in front of it.
//
// Registering the configured patterns is what lets the limiter resolve a
// request to its route before the mux runs.
type GatewayService struct {
	patterns []string
	handler  http.Handler
}

func NewGatewayService(patterns []string, upstream string) (*GatewayService, error) {
	seen := map[string]bool{"/": true}
	var uniq []string
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	slices.Sort(uniq)

	if err := checkPatterns(uniq); err != nil {
		return nil, err
	}

	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serde.WriteJSON(w, http.StatusOK, map[string]string{"route": r.Pattern})
	})
	if upstream != "" {
		u, err := url.Parse(upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("gateway: invalid upstream %q", upstream)
		}
		h = &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(u)
				pr.SetXForwarded()
			},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				slog.ErrorContext(r.Context(), "upstream error", slog.Any("error", err))
				problem.Write(w, problem.New(
					problem.WithStatus(http.StatusBadGateway),
					problem.WithDetail("upstream unavailable"),
				))
			},
		}
	}

	return &GatewayService{patterns: uniq, handler: h}, nil
}

func (s *GatewayService) Register(mux *http.ServeMux) {
	for _, p := range s.patterns {
		mux.Handle(p, s.handler)
	}
	mux.Handle("/", s.handler)
}

func (s *GatewayService) Middlewares() []func(http.Handler) http.Handler { return nil }

// checkPatterns surfaces pattern conflicts as an error instead of a mux panic.
func checkPatterns(patterns []string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("gateway: %v", rec)
		}
	}()
	mux := http.NewServeMux()
	for _, p := range patterns {
		mux.Handle(p, http.NotFoundHandler())
	}
	return nil
}
