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
	"errors"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
)

// ValidationError is one offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

// ExtractValidationErrors flattens an OpenAPI validation error into fields.
// Reasons never echo request input back.
func ExtractValidationErrors(err error) []ValidationError {
	var me openapi3.MultiError
	if errors.As(err, &me) {
		var out []ValidationError
		for _, item := range me {
			out = append(out, ExtractValidationErrors(item)...)
		}
		return out
	}
	return []ValidationError{extractSingleError(err)}
}

func extractSingleError(err error) ValidationError {
	var sre *openapi3filter.SecurityRequirementsError
	if errors.As(err, &sre) {
		return ValidationError{Field: "authorization", Reason: "missing or invalid credentials"}
	}

	var re *openapi3filter.RequestError
	if errors.As(err, &re) {
		field := "body"
		if re.Parameter != nil {
			field = re.Parameter.Name
		}
		var se *openapi3.SchemaError
		if errors.As(re.Err, &se) {
			if re.Parameter == nil {
				field = fieldFromPointer(se.JSONPointer())
			}
			return ValidationError{Field: field, Reason: se.Reason}
		}
		return ValidationError{Field: field, Reason: SafeReason(re.Reason)}
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return ValidationError{Field: fieldFromPointer(se.JSONPointer()), Reason: se.Reason}
	}

	return ValidationError{Field: "request", Reason: "invalid value"}
}

func fieldFromPointer(ptr []string) string {
	if len(ptr) == 0 || ptr[0] == "" || ptr[0] == "0" {
		return "body"
	}
	return ptr[0]
}

// InferBodyValidationStatus returns 422 for well-formed bodies that violate
// their schema and 0 otherwise. Parameter violations stay 400.
func InferBodyValidationStatus(err error) int {
	var me openapi3.MultiError
	if errors.As(err, &me) {
		for _, item := range me {
			if InferBodyValidationStatus(item) == http.StatusUnprocessableEntity {
				return http.StatusUnprocessableEntity
			}
		}
		return 0
	}
	var re *openapi3filter.RequestError
	if errors.As(err, &re) && re.RequestBody != nil {
		return http.StatusUnprocessableEntity
	}
	return 0
}

// SafeReason keeps enum hints and collapses everything else to a generic reason.
func SafeReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case reason == "":
		return "invalid value"
	case strings.Contains(lower, "must be one of"):
		return reason
	case strings.Contains(lower, "doesn't match schema"):
		return "doesn't match schema"
	}
	return "invalid value"
}
