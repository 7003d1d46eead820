// Copyright 2025 Nguyen Nhat Nguyen
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

package middleware

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	nethttpmiddleware "github.com/oapi-codegen/nethttp-middleware"

	"github.com/ngnhng/reservation-ratelimiter/modules/middleware/problem"
)

// ValidationErrorHandler handles OpenAPI validation errors and writes an appropriate response.
type ValidationErrorHandler func(ctx context.Context, err error, w http.ResponseWriter, r *http.Request, statusCode int)

// SpecLoadErrorHandler handles errors that occur when loading the OpenAPI spec.
type SpecLoadErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// specCache holds parsed OpenAPI documents keyed by file path.
var (
	specCacheMu sync.Mutex
	specCache   = make(map[string]*specCacheEntry)
)

type specCacheEntry struct {
	doc *openapi3.T
	err error
}

func loadSpec(fsys fs.FS, specPath string) (*openapi3.T, error) {
	specCacheMu.Lock()
	defer specCacheMu.Unlock()

	if entry, ok := specCache[specPath]; ok {
		return entry.doc, entry.err
	}

	data, err := fs.ReadFile(fsys, specPath)
	if err != nil {
		specCache[specPath] = &specCacheEntry{err: err}
		return nil, err
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err == nil {
		err = doc.Validate(loader.Context)
	}

	specCache[specPath] = &specCacheEntry{doc: doc, err: err}
	return doc, err
}

type ValidationOptions struct {
	// PathPrefix limits validation to requests under it; other requests pass
	// through untouched. Empty validates everything.
	PathPrefix string

	// Authenticate is called for every security requirement of a matched operation.
	Authenticate openapi3filter.AuthenticationFunc

	ErrorHandler     ValidationErrorHandler
	LoadErrorHandler SpecLoadErrorHandler
}

// OpenAPIValidation creates a middleware that validates requests against an OpenAPI spec.
func OpenAPIValidation(specFS fs.FS, specPath string, o ValidationOptions) func(http.Handler) http.Handler {
	if o.ErrorHandler == nil {
		o.ErrorHandler = ProblemValidationErrorHandler
	}
	if o.LoadErrorHandler == nil {
		o.LoadErrorHandler = func(w http.ResponseWriter, _ *http.Request, _ error) {
			problem.Write(w, problem.Internal("request validation unavailable"))
		}
	}

	spec, err := loadSpec(specFS, specPath)
	if err != nil {
		return func(next http.Handler) http.Handler {
			return scoped(o.PathPrefix, next, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				o.LoadErrorHandler(w, r, err)
			}))
		}
	}

	opts := &nethttpmiddleware.Options{
		// single errors keep their type, so security failures map to 401
		Options: openapi3filter.Options{
			AuthenticationFunc: o.Authenticate,
		},
		DoNotValidateServers:  true,
		SilenceServersWarning: true,
		ErrorHandlerWithOpts: func(ctx context.Context, err error, w http.ResponseWriter, r *http.Request, eopts nethttpmiddleware.ErrorHandlerOpts) {
			status := eopts.StatusCode
			if status == 0 {
				status = http.StatusBadRequest
			}
			// Body schema violations should be 422
			if hint := InferBodyValidationStatus(err); hint == http.StatusUnprocessableEntity {
				status = http.StatusUnprocessableEntity
			}
			o.ErrorHandler(ctx, err, w, r, status)
		},
	}

	validator := nethttpmiddleware.OapiRequestValidatorWithOptions(spec, opts)
	return func(next http.Handler) http.Handler {
		return scoped(o.PathPrefix, next, validator(next))
	}
}

func scoped(prefix string, next, validated http.Handler) http.Handler {
	if prefix == "" {
		return validated
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, prefix) {
			validated.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ProblemValidationErrorHandler renders validation failures as problem+json
// with one invalid param per violation.
func ProblemValidationErrorHandler(_ context.Context, err error, w http.ResponseWriter, _ *http.Request, status int) {
	var sre *openapi3filter.SecurityRequirementsError
	if errors.As(err, &sre) {
		status = http.StatusUnauthorized
	}

	var opts []problem.Option
	opts = append(opts, problem.WithStatus(status), problem.WithTitle(http.StatusText(status)))

	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="ratelimit-admin"`)
		opts = append(opts, problem.WithDetail("missing or invalid credentials"))
	case http.StatusNotFound:
		opts = append(opts, problem.WithDetail("no such operation"))
	default:
		opts = append(opts, problem.WithDetail("request validation failed"))
		for _, ve := range ExtractValidationErrors(err) {
			opts = append(opts, problem.WithInvalidParam(ve.Field, ve.Reason))
		}
	}

	problem.Write(w, problem.New(opts...))
}
