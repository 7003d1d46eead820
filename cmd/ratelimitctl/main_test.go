package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/reservation-ratelimiter/modules/hmac"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cli := CLI{Globals: Globals{out: &out}}
	parser, err := kong.New(&cli,
		kong.Name("ratelimitctl"),
		kong.BindTo(context.Background(), (*context.Context)(nil)),
	)
	require.NoError(t, err)

	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	err = kctx.Run(&cli.Globals)
	return out.String(), err
}

func storeArgs(mr *miniredis.Miniredis) []string {
	return []string{"--redis-url", "redis://" + mr.Addr() + "/0", "--backend", "goredis"}
}

func TestCheckStatusReset(t *testing.T) {
	mr := miniredis.RunT(t)
	base := storeArgs(mr)

	out, err := run(t, append([]string{"check", "api", "u1", "--limit", "1"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "allowed=true")

	out, err = run(t, append([]string{"check", "api", "u1", "--limit", "1"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "allowed=false")

	out, err = run(t, append([]string{"status", "api", "u1", "--limit", "1"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "key=api:u1 count=1 limit=1 remaining=0")

	out, err = run(t, append([]string{"reset", "api", "u1"}, base...)...)
	require.NoError(t, err)
	assert.Equal(t, "reset api:u1\n", out)

	out, err = run(t, append([]string{"status", "api", "u1", "--limit", "1"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "count=0")
}

func TestCheckWeight(t *testing.T) {
	mr := miniredis.RunT(t)

	out, err := run(t, append([]string{"check", "api", "u1", "--limit", "5", "--weight", "3"}, storeArgs(mr)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "remaining=2")
}

func TestBench(t *testing.T) {
	mr := miniredis.RunT(t)

	out, err := run(t, append([]string{"bench", "api", "-n", "20", "-c", "4", "--limit", "5"}, storeArgs(mr)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "requests=20 allowed=5 denied=15 failed_open=0")
}

func TestBenchSpreadsIdentifiers(t *testing.T) {
	mr := miniredis.RunT(t)

	out, err := run(t, append([]string{"bench", "api", "-n", "20", "-c", "4", "--limit", "5", "--identifiers", "2"}, storeArgs(mr)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "allowed=10 denied=10")
}

func TestUnreachableStore(t *testing.T) {
	mr := miniredis.RunT(t)
	args := storeArgs(mr)
	mr.Close()

	_, err := run(t, append([]string{"check", "api", "u1"}, args...)...)
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	t.Setenv("HMAC_SECRET", "cli-secret")

	out, err := run(t, "token", "--subject", "alice", "--ttl", "10m")
	require.NoError(t, err)

	signer, err := hmac.NewHMACSigner([]byte("cli-secret"))
	require.NoError(t, err)
	claims, err := signer.VerifyClaims(strings.TrimSpace(out), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.InDelta(t, 600, claims.ExpiresAt-claims.IssuedAt, 1)
}
