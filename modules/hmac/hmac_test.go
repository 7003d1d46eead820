package hmac

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	_, err := NewHMACSigner(nil)
	assert.ErrorIs(t, err, ErrMissingKey)

	s, err := NewHMACSigner([]byte("secret"))
	require.NoError(t, err)

	tok, err := s.Sign([]byte("payload"))
	require.NoError(t, err)

	got, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	other, err := NewHMACSigner([]byte("other"))
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("no-dot")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify(tok + ".extra")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpiry(t *testing.T) {
	s, err := NewHMACSigner([]byte("secret"))
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)

	tok, err := s.Issue("ops", now, time.Hour)
	require.NoError(t, err)

	c, err := s.VerifyClaims(tok, now.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "ops", c.Subject)
	assert.Equal(t, now.Add(time.Hour).Unix(), c.ExpiresAt)

	_, err = s.VerifyClaims(tok, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = s.Issue("ops", now, 0)
	assert.Error(t, err)

	// tampered payload
	parts := strings.SplitN(tok, ".", 2)
	_, err = s.VerifyClaims("e30"+parts[0][3:]+"."+parts[1], now)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// signed but not claims
	raw, err := s.Sign([]byte(`{"sub":""}`))
	require.NoError(t, err)
	_, err = s.VerifyClaims(raw, now)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
