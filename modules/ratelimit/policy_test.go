package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPolicy() Policy[string] {
	return Policy[string]{
		Namespace: "api",
		Window:    time.Minute,
		Limit:     10,
		KeyFunc:   func(s string) Key { return Key(s) },
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy[string])
	}{
		{"zero window", func(p *Policy[string]) { p.Window = 0 }},
		{"negative window", func(p *Policy[string]) { p.Window = -time.Second }},
		{"sub millisecond window", func(p *Policy[string]) { p.Window = time.Microsecond }},
		{"zero limit", func(p *Policy[string]) { p.Limit = 0 }},
		{"negative limit", func(p *Policy[string]) { p.Limit = -1 }},
		{"negative default weight", func(p *Policy[string]) { p.DefaultWeight = -1 }},
		{"negative burst", func(p *Policy[string]) { p.Burst = -1 }},
		{"negative penalty", func(p *Policy[string]) { p.Penalty = -time.Second }},
		{"missing key func", func(p *Policy[string]) { p.KeyFunc = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPolicy()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)
		})
	}

	require.NoError(t, validPolicy().Validate())
}

func TestPolicyWeight(t *testing.T) {
	p := validPolicy().withDefaults()
	assert.Equal(t, int64(1), p.weight("x"))

	p.DefaultWeight = 2
	assert.Equal(t, int64(2), p.weight("x"))

	p.Weight = func(s string) int64 { return int64(len(s)) }
	assert.Equal(t, int64(3), p.weight("abc"))
	// below 1 falls back to the default
	assert.Equal(t, int64(2), p.weight(""))
}

func TestPolicySkip(t *testing.T) {
	p := validPolicy()
	assert.False(t, p.skip("x"))

	p.Skip = func(s string) bool { return s == "health" }
	assert.True(t, p.skip("health"))
	assert.False(t, p.skip("x"))
}
