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
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ngnhng/reservation-ratelimiter/modules/ratelimit"
)

var (
	_ ratelimit.Accountant = (*GoRedisAccountant)(nil)
	_ ratelimit.Accountant = (*GoRedisFallback)(nil)

	// Run tries EVALSHA first and retries with EVAL on NOSCRIPT.
	goredisCheck   = goredis.NewScript(checkLua)
	goredisInspect = goredis.NewScript(inspectLua)
)

// GoRedisAccountant is the atomic accountant on top of go-redis. It runs the
// same scripts as RueidisAccountant, so both can serve one keyspace.
type GoRedisAccountant struct {
	client goredis.UniversalClient
	keys   keyspace
}

func NewGoRedisAccountant(client goredis.UniversalClient, prefix string) *GoRedisAccountant {
	return &GoRedisAccountant{client: client, keys: newKeyspace(prefix)}
}

// CheckAndRecord implements ratelimit.Accountant.
func (a *GoRedisAccountant) CheckAndRecord(ctx context.Context, key ratelimit.Key, req ratelimit.Request) (ratelimit.Tally, error) {
	if err := validWeight(req); err != nil {
		return ratelimit.Tally{}, err
	}
	prefix, err := memberPrefix(req.NowMs)
	if err != nil {
		return ratelimit.Tally{}, err
	}

	reply, err := goredisCheck.Run(ctx, a.client, a.keys.both(key), toArgs(checkArgs(req, prefix))...).Int64Slice()
	if err != nil {
		return ratelimit.Tally{}, classifyGoRedis("check", err)
	}
	return parseTally(reply)
}

// Inspect implements ratelimit.Accountant.
func (a *GoRedisAccountant) Inspect(ctx context.Context, key ratelimit.Key, nowMs int64, window time.Duration) (ratelimit.Usage, error) {
	reply, err := goredisInspect.Run(ctx, a.client, a.keys.both(key), windowStart(nowMs, window)).Int64Slice()
	if err != nil {
		return ratelimit.Usage{}, classifyGoRedis("inspect", err)
	}
	return parseUsage(reply)
}

// Delete implements ratelimit.Accountant.
func (a *GoRedisAccountant) Delete(ctx context.Context, key ratelimit.Key) error {
	return goredisDelete(ctx, a.client, a.keys, key)
}

// GoRedisFallback is the non-atomic counterpart of GoRedisAccountant.
type GoRedisFallback struct {
	client goredis.UniversalClient
	keys   keyspace
}

func NewGoRedisFallback(client goredis.UniversalClient, prefix string) *GoRedisFallback {
	return &GoRedisFallback{client: client, keys: newKeyspace(prefix)}
}

// CheckAndRecord implements ratelimit.Accountant.
func (f *GoRedisFallback) CheckAndRecord(ctx context.Context, key ratelimit.Key, req ratelimit.Request) (ratelimit.Tally, error) {
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
			_, err := f.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
				p.Incr(ctx, f.keys.penalty(key))
				p.PExpire(ctx, f.keys.penalty(key), req.Penalty)
				return nil
			})
			if err != nil {
				return ratelimit.Tally{}, classifyGoRedis("penalty", err)
			}
		}
		return ratelimit.Tally{Allowed: false, Count: current, OldestMs: oldest}, nil
	}

	prefix, err := memberPrefix(req.NowMs)
	if err != nil {
		return ratelimit.Tally{}, err
	}
	members := make([]goredis.Z, 0, req.Weight)
	for i := int64(1); i <= req.Weight; i++ {
		members = append(members, goredis.Z{Score: float64(req.NowMs), Member: member(prefix, i)})
	}
	_, err = f.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZAdd(ctx, set, members...)
		p.PExpire(ctx, set, setTTL(req.Window))
		return nil
	})
	if err != nil {
		return ratelimit.Tally{}, classifyGoRedis("record", err)
	}

	return ratelimit.Tally{Allowed: true, Count: current + req.Weight, OldestMs: -1}, nil
}

// Inspect implements ratelimit.Accountant.
func (f *GoRedisFallback) Inspect(ctx context.Context, key ratelimit.Key, nowMs int64, window time.Duration) (ratelimit.Usage, error) {
	set := f.keys.set(key)
	current, err := f.evictAndCount(ctx, set, windowStart(nowMs, window))
	if err != nil {
		return ratelimit.Usage{}, err
	}
	oldest, err := f.oldest(ctx, set)
	if err != nil {
		return ratelimit.Usage{}, err
	}

	penalties, err := f.client.Get(ctx, f.keys.penalty(key)).Int64()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			return ratelimit.Usage{}, classifyGoRedis("penalty", err)
		}
		penalties = 0
	}

	return ratelimit.Usage{Count: current, OldestMs: oldest, Penalties: penalties}, nil
}

// Delete implements ratelimit.Accountant.
func (f *GoRedisFallback) Delete(ctx context.Context, key ratelimit.Key) error {
	return goredisDelete(ctx, f.client, f.keys, key)
}

func (f *GoRedisFallback) evictAndCount(ctx context.Context, set string, start int64) (int64, error) {
	var card *goredis.IntCmd
	_, err := f.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, set, "-inf", "("+strconv.FormatInt(start, 10))
		card = p.ZCard(ctx, set)
		return nil
	})
	if err != nil {
		return 0, classifyGoRedis("evict", err)
	}
	return card.Val(), nil
}

func (f *GoRedisFallback) oldest(ctx context.Context, set string) (int64, error) {
	head, err := f.client.ZRangeWithScores(ctx, set, 0, 0).Result()
	if err != nil {
		return 0, classifyGoRedis("oldest", err)
	}
	if len(head) == 0 {
		return -1, nil
	}
	return int64(head[0].Score), nil
}

func goredisDelete(ctx context.Context, client goredis.UniversalClient, keys keyspace, key ratelimit.Key) error {
	if err := client.Del(ctx, keys.both(key)...).Err(); err != nil {
		return classifyGoRedis("delete", err)
	}
	return nil
}

func classifyGoRedis(op string, err error) error {
	var rerr goredis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %s: %w", ratelimit.ErrScriptExecution, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ratelimit.ErrStoreUnavailable, op, err)
}

func toArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
