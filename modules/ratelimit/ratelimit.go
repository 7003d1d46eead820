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
	"context"
	"time"
)

type (
	// For application layer rate limiting, key can be userId, remoteIp, etc.
	// It is up to the package users to decide on the final string output format.
	// The limiter prefixes it with the policy namespace ("<namespace>:<identifier>").
	Key string

	// Source tells which path produced a Decision.
	Source string

	// Request is one accounting attempt handed to an Accountant.
	Request struct {
		NowMs   int64         // caller clock, unix milliseconds
		Window  time.Duration // sliding window size
		Limit   int64         // max weight inside the window
		Weight  int64         // units this call consumes, >= 1
		Penalty time.Duration // penalty counter lifetime on denial, 0 disables it
	}

	// Tally is the raw accountant output for a CheckAndRecord call.
	Tally struct {
		Allowed bool
		// Count is the window weight after the call: current+weight when
		// allowed, current when denied.
		Count int64
		// OldestMs is the score of the oldest surviving entry, or -1.
		// Only populated on denial.
		OldestMs int64
	}

	// Usage is the raw accountant output for an Inspect call.
	Usage struct {
		Count     int64
		OldestMs  int64 // -1 if the set is empty
		Penalties int64
	}

	// Accountant owns the per-key entry sets in the shared store.
	//
	// Implementations must not cache counts in process; every call goes to the store.
	Accountant interface {
		// CheckAndRecord evicts entries older than NowMs-Window, counts what is left
		// and, if current+Weight fits in Limit, records Weight new entries.
		CheckAndRecord(ctx context.Context, key Key, req Request) (Tally, error)

		// Inspect evicts expired entries and reports the current usage. It never adds entries.
		Inspect(ctx context.Context, key Key, nowMs int64, window time.Duration) (Usage, error)

		// Delete drops the entry set of key.
		Delete(ctx context.Context, key Key) error
	}

	// Decision represents the outcome of a rate limit check.
	Decision struct {
		Allowed           bool
		Limit             int64 // max allowed in window
		Remaining         int64 // max(0, Limit-CurrentCount); 0 when denied
		ResetEpochSeconds int64 // ceil((now+window)/1s)
		// RetryAfterSeconds is set iff Allowed is false.
		RetryAfterSeconds *int64
		CurrentCount      int64
		Source            Source
	}

	// Status is the read-only view returned by administrative queries.
	Status struct {
		Key               Key
		Count             int64
		Limit             int64
		Remaining         int64
		ResetEpochSeconds int64
		Penalties         int64
	}
)

const (
	SourceAtomic   Source = "atomic"
	SourceFallback Source = "fallback"
	SourceSkipped  Source = "skipped"
	SourceFailOpen Source = "fail_open"
)

// ComposeKey builds the store-facing key of an identifier inside a namespace.
func ComposeKey(namespace, identifier string) Key {
	if namespace == "" {
		return Key(identifier)
	}
	return Key(namespace + ":" + identifier)
}

// Evaluate turns an accountant Tally into a Decision. It is shared by every
// accountant so the atomic and fallback paths report identical arithmetic.
func Evaluate(req Request, t Tally) Decision {
	windowMs := req.Window.Milliseconds()
	d := Decision{
		Allowed:           t.Allowed,
		Limit:             req.Limit,
		ResetEpochSeconds: ceilSeconds(req.NowMs + windowMs),
		CurrentCount:      t.Count,
	}

	if t.Allowed {
		d.Remaining = max(0, req.Limit-t.Count)
		return d
	}

	// an empty set can only deny a call heavier than the whole limit
	retry := ceilSeconds(windowMs)
	if t.OldestMs >= 0 {
		retry = ceilSeconds(t.OldestMs + windowMs - req.NowMs)
	}
	d.RetryAfterSeconds = &retry
	return d
}

// RetryAfter returns RetryAfterSeconds, or 0 for an allowed decision.
func (d Decision) RetryAfter() int64 {
	if d.RetryAfterSeconds == nil {
		return 0
	}
	return *d.RetryAfterSeconds
}

// ceilSeconds converts milliseconds into whole seconds, rounding up, clamped to >= 0.
func ceilSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}
