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
	"fmt"
	"time"
)

type (
	// KeyFunc extracts the identifier of the caller from a call context, e.g. remote IP or user id.
	KeyFunc[C any] func(C) Key

	// WeightFunc returns how many quota units a call consumes.
	WeightFunc[C any] func(C) int64

	// SkipFunc reports whether a call bypasses accounting entirely.
	SkipFunc[C any] func(C) bool

	// Policy is the per-limiter configuration, e.g. "100 weighted requests per 60 seconds".
	// It is copied into the Limiter at construction and never mutated afterwards.
	Policy[C any] struct {
		// Namespace scopes every key of this limiter; it is also the limiter name
		// used in logs and metrics.
		Namespace string

		Window time.Duration
		Limit  int64

		// DefaultWeight is used when Weight is nil or returns < 1. Zero means 1.
		DefaultWeight int64
		Weight        WeightFunc[C]

		// Burst and Penalty are accepted and validated but do not take part in the
		// accept/reject arithmetic. A denial with Penalty > 0 bumps a per-key
		// penalty counter that lives for Penalty and is only surfaced by Status.
		Burst   int64
		Penalty time.Duration

		KeyFunc KeyFunc[C]
		Skip    SkipFunc[C]
	}
)

// Validate reports a wrapped ErrInvalidPolicy for values that cannot be enforced.
func (p Policy[C]) Validate() error {
	switch {
	case p.Window <= 0:
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidPolicy, p.Window)
	case p.Window < time.Millisecond:
		return fmt.Errorf("%w: window must be at least 1ms, got %s", ErrInvalidPolicy, p.Window)
	case p.Limit <= 0:
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidPolicy, p.Limit)
	case p.DefaultWeight < 0:
		return fmt.Errorf("%w: default weight must be >= 1, got %d", ErrInvalidPolicy, p.DefaultWeight)
	case p.Burst < 0:
		return fmt.Errorf("%w: burst must be non-negative, got %d", ErrInvalidPolicy, p.Burst)
	case p.Penalty < 0:
		return fmt.Errorf("%w: penalty must be non-negative, got %s", ErrInvalidPolicy, p.Penalty)
	case p.KeyFunc == nil:
		return fmt.Errorf("%w: key func is required", ErrInvalidPolicy)
	}
	return nil
}

func (p Policy[C]) withDefaults() Policy[C] {
	if p.DefaultWeight == 0 {
		p.DefaultWeight = 1
	}
	return p
}

func (p Policy[C]) weight(call C) int64 {
	if p.Weight == nil {
		return p.DefaultWeight
	}
	if w := p.Weight(call); w >= 1 {
		return w
	}
	return p.DefaultWeight
}

func (p Policy[C]) skip(call C) bool {
	return p.Skip != nil && p.Skip(call)
}
