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

// Package window stores sliding window entry sets in Redis sorted sets.
//
// Every key owns one sorted set whose members are individual quota units and
// whose scores are the unix millisecond timestamps they were recorded at.
// A check evicts members scored before now-window, counts the rest and, if the
// call fits, adds one member per unit of weight.
//
// Two implementations exist per client library:
//
//   - the atomic accountant runs check.lua through EVALSHA (falling back to EVAL
//     on NOSCRIPT), so the store serializes every check on a key
//   - the fallback accountant issues the same steps as separate commands. It is
//     only meant for when scripting is unavailable: concurrent checks on one key
//     can both observe the pre-update count and overshoot the limit.
//
// Keys carry a cluster hash tag so the entry set and its penalty counter always
// land on the same slot: "<prefix>:{<key>}" and "<prefix>:{<key>}:penalty".
package window

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
)

var (
	//go:embed scripts/check.lua
	checkLua string

	//go:embed scripts/inspect.lua
	inspectLua string
)

// expiryMargin is added to the window for the entry set TTL so an idle key
// disappears shortly after its last entry ages out.
const expiryMargin = time.Second

type keyspace struct {
	// prefix ends with ":" if non-empty.
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) set(key ratelimit.Key) string {
	return k.prefix + "{" + string(key) + "}"
}

func (k keyspace) penalty(key ratelimit.Key) string {
	return k.set(key) + ":penalty"
}

func (k keyspace) both(key ratelimit.Key) []string {
	return []string{k.set(key), k.penalty(key)}
}

// memberPrefix is unique per call; the unit index is appended to it for every
// entry so a weighted call records distinct members at the same score.
func memberPrefix(nowMs int64) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("window: member id: %w", err)
	}
	return strconv.FormatInt(nowMs, 10) + "-" + id.String(), nil
}

func member(prefix string, i int64) string {
	return prefix + ":" + strconv.FormatInt(i, 10)
}

func windowStart(nowMs int64, window time.Duration) int64 {
	return nowMs - window.Milliseconds()
}

func setTTL(window time.Duration) time.Duration {
	return window + expiryMargin
}

// checkArgs builds ARGV for check.lua.
func checkArgs(req ratelimit.Request, prefix string) []string {
	return []string{
		strconv.FormatInt(req.NowMs, 10),
		strconv.FormatInt(windowStart(req.NowMs, req.Window), 10),
		strconv.FormatInt(req.Limit, 10),
		strconv.FormatInt(req.Weight, 10),
		prefix,
		strconv.FormatInt(setTTL(req.Window).Milliseconds(), 10),
		strconv.FormatInt(req.Penalty.Milliseconds(), 10),
	}
}

func parseTally(reply []int64) (ratelimit.Tally, error) {
	if len(reply) != 3 {
		return ratelimit.Tally{}, fmt.Errorf("%w: check script replied %d values, want 3", ratelimit.ErrScriptExecution, len(reply))
	}
	return ratelimit.Tally{
		Allowed:  reply[0] == 1,
		Count:    reply[1],
		OldestMs: reply[2],
	}, nil
}

func parseUsage(reply []int64) (ratelimit.Usage, error) {
	if len(reply) != 3 {
		return ratelimit.Usage{}, fmt.Errorf("%w: inspect script replied %d values, want 3", ratelimit.ErrScriptExecution, len(reply))
	}
	return ratelimit.Usage{
		Count:     reply[0],
		OldestMs:  reply[1],
		Penalties: reply[2],
	}, nil
}

func validWeight(req ratelimit.Request) error {
	if req.Weight < 1 {
		return fmt.Errorf("%w: weight must be >= 1, got %d", ratelimit.ErrInvalidPolicy, req.Weight)
	}
	return nil
}
