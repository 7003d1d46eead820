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

// Command ratelimitctl inspects and exercises the shared rate limit store
// directly, without going through the admin API.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Status StatusCmd `cmd:"" help:"Show the usage of an identifier."`
	Reset  ResetCmd  `cmd:"" help:"Drop every entry of an identifier."`
	Check  CheckCmd  `cmd:"" help:"Account one call and print the decision."`
	Bench  BenchCmd  `cmd:"" help:"Fire concurrent checks and report allowed/denied counts."`
	Token  TokenCmd  `cmd:"" help:"Mint an admin API bearer token."`
}

type Globals struct {
	RedisURL  string `name:"redis-url" env:"REDIS_URL" default:"redis://:redis@localhost:6379/0" help:"Redis connection URL."`
	Backend   string `env:"REDIS_BACKEND" default:"rueidis" enum:"rueidis,goredis" help:"Client library (rueidis, goredis)."`
	KeyPrefix string `name:"key-prefix" env:"REDIS_KEY_PREFIX" default:"rl" help:"Prefix of every rate limit key."`
	LogLevel  string `name:"log-level" env:"LOG_LEVEL" default:"warn" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)."`

	out io.Writer `kong:"-"`
}

func main() {
	// optional, earlier files win
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	cli := CLI{Globals: Globals{out: os.Stdout}}
	kctx := kong.Parse(&cli,
		kong.Name("ratelimitctl"),
		kong.Description("Operate the sliding window rate limit store."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err == nil {
		slog.SetLogLoggerLevel(level)
	}

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}
