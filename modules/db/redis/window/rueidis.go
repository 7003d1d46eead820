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

package window

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
)

var (
	_ ratelimit.Accountant = (*RueidisAccountant)(nil)
	_ ratelimit.Accountant = (*RueidisFallback)(nil)

	// Loaded once per process; Exec sends EVALSHA and only resubmits the
	// body when the server answers NOSCRIPT.
	rueidisCheck   = rueidis.NewLuaScript(checkLua)
	rueidisInspect = rueidis.NewLuaScript(inspectLua)
)

// RueidisAccountant is the atomic accountant on top of a rueidis.Client.
type RueidisAccountant struct {
	client rueidis.Client
	keys   keyspace
}

// NewRueidisAccountant wraps client as an atomic accountant.
//
// prefix is optional; if non-empty, keys become prefix + ":{" + key + "}".
// The client must not serve reads from client-side cache.
func NewRueidisAccountant(client rueidis.Client, prefix string) *RueidisAccountant {
	return &RueidisAccountant{client: client, keys: newKeyspace(prefix)}
}

// CheckAndRecord implements ratelimit.Accountant.
func (a *RueidisAccountant) CheckAndRecord(ctx context.Context, key ratelimit.Key, req ratelimit.Request) (ratelimit.Tally, error) {
	if err := validWeight(req); err != nil {
		return ratelimit.Tally{}, err
	}
	prefix, err := memberPrefix(req.NowMs)
	if err != nil {
		return ratelimit.Tally{}, err
	}

	reply, err := rueidisCheck.Exec(ctx, a.client, a.keys.both(key), checkArgs(req, prefix)).AsIntSlice()
	if err != nil {
		return ratelimit.Tally{}, classifyRueidis("check", err)
	}
	return parseTally(reply)
}

// Inspect implements ratelimit.Accountant.
func (a *RueidisAccountant) Inspect(ctx context.Context, key ratelimit.Key, nowMs int64, window time.Duration) (ratelimit.Usage, error) {
	args := []string{strconv.FormatInt(windowStart(nowMs, window), 10)}
	reply, err := rueidisInspect.Exec(ctx, a.client, a.keys.both(key), args).AsIntSlice()
	if err != nil {
		return ratelimit.Usage{}, classifyRueidis("inspect", err)
	}
	return parseUsage(reply)
}

// Delete implements ratelimit.Accountant.
func (a *RueidisAccountant) Delete(ctx context.Context, key ratelimit.Key) error {
	return rueidisDelete(ctx, a.client, a.keys, key)
}

// RueidisFallback runs the sliding window steps as plain commands.
// It does not need scripting, but it is not atomic.
type RueidisFallback struct {
	client rueidis.Client
	keys   keyspace
}

func NewRueidisFallback(client rueidis.Client, prefix string) *RueidisFallback {
	return &RueidisFallback{client: client, keys: newKeyspace(prefix)}
}

// CheckAndRecord implements ratelimit.Accountant.
func (f *RueidisFallback) CheckAndRecord(ctx context.Context, key ratelimit.Key, req ratelimit.Request) (ratelimit.Tally, error) {
	if err := validWeight(req); err != nil {
		return ratelimit.Tally{}, err
	}
	set := f.keys.set(key)

	current, err := f.evictAndCount(ctx, set, windowStart(req.NowMs, req.Window))
	if err != nil {
		return ratelimit.Tally{}, err
	}

	if current+req.Weight > req.Limit {
		oldest, err := f.oldest(ctx, set)
		if err != nil {
			return ratelimit.Tally{}, err
		}
		if req.Penalty > 0 {
			resps := f.client.DoMulti(ctx,
				f.client.B().Incr().Key(f.keys.penalty(key)).Build(),
				f.client.B().Pexpire().Key(f.keys.penalty(key)).Milliseconds(req.Penalty.Milliseconds()).Build(),
			)
			for _, r := range resps {
				if err := r.Error(); err != nil {
					return ratelimit.Tally{}, classifyRueidis("penalty", err)
				}
			}
		}
		return ratelimit.Tally{Allowed: false, Count: current, OldestMs: oldest}, nil
	}

	prefix, err := memberPrefix(req.NowMs)
	if err != nil {
		return ratelimit.Tally{}, err
	}
	zadd := f.client.B().Zadd().Key(set).ScoreMember()
	for i := int64(1); i <= req.Weight; i++ {
		zadd = zadd.ScoreMember(float64(req.NowMs), member(prefix, i))
	}
	resps := f.client.DoMulti(ctx,
		zadd.Build(),
		f.client.B().Pexpire().Key(set).Milliseconds(setTTL(req.Window).Milliseconds()).Build(),
	)
	for _, r := range resps {
		if err := r.Error(); err != nil {
			return ratelimit.Tally{}, classifyRueidis("record", err)
		}
	}

	return ratelimit.Tally{Allowed: true, Count: current + req.Weight, OldestMs: -1}, nil
}

// Inspect implements ratelimit.Accountant.
func (f *RueidisFallback) Inspect(ctx context.Context, key ratelimit.Key, nowMs int64, window time.Duration) (ratelimit.Usage, error) {
	set := f.keys.set(key)
	current, err := f.evictAndCount(ctx, set, windowStart(nowMs, window))
	if err != nil {
		return ratelimit.Usage{}, err
	}
	oldest, err := f.oldest(ctx, set)
	if err != nil {
		return ratelimit.Usage{}, err
	}

	penalties, err := f.client.Do(ctx, f.client.B().Get().Key(f.keys.penalty(key)).Build()).AsInt64()
	if err != nil {
		if !rueidis.IsRedisNil(err) {
			return ratelimit.Usage{}, classifyRueidis("penalty", err)
		}
		penalties = 0
	}

	return ratelimit.Usage{Count: current, OldestMs: oldest, Penalties: penalties}, nil
}

// Delete implements ratelimit.Accountant.
func (f *RueidisFallback) Delete(ctx context.Context, key ratelimit.Key) error {
	return rueidisDelete(ctx, f.client, f.keys, key)
}

func (f *RueidisFallback) evictAndCount(ctx context.Context, set string, start int64) (int64, error) {
	resps := f.client.DoMulti(ctx,
		f.client.B().Zremrangebyscore().Key(set).Min("-inf").Max("("+strconv.FormatInt(start, 10)).Build(),
		f.client.B().Zcard().Key(set).Build(),
	)
	if err := resps[0].Error(); err != nil {
		return 0, classifyRueidis("evict", err)
	}
	current, err := resps[1].AsInt64()
	if err != nil {
		return 0, classifyRueidis("count", err)
	}
	return current, nil
}

func (f *RueidisFallback) oldest(ctx context.Context, set string) (int64, error) {
	head, err := f.client.Do(ctx, f.client.B().Zrange().Key(set).Min("0").Max("0").Withscores().Build()).AsZScores()
	if err != nil {
		return 0, classifyRueidis("oldest", err)
	}
	if len(head) == 0 {
		return -1, nil
	}
	return int64(head[0].Score), nil
}

func rueidisDelete(ctx context.Context, client rueidis.Client, keys keyspace, key ratelimit.Key) error {
	if err := client.Do(ctx, client.B().Del().Key(keys.both(key)...).Build()).Error(); err != nil {
		return classifyRueidis("delete", err)
	}
	return nil
}

// classifyRueidis maps an error reply from the server to ErrScriptExecution and
// everything else (dial, io, context deadline) to ErrStoreUnavailable.
func classifyRueidis(op string, err error) error {
	if _, ok := rueidis.IsRedisErr(err); ok {
		return fmt.Errorf("%w: %s: %w", ratelimit.ErrScriptExecution, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ratelimit.ErrStoreUnavailable, op, err)
}
