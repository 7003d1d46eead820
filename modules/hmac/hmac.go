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

// Package hmac mints and checks the bearer tokens of the admin API.
//
// A token is base64url(claims JSON) "." base64url(HMAC-SHA256 over the first
// part), keyed with the secret shared by the admin server and ratelimitctl.
package hmac

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type HMACConfig struct {
	Secret string `env:"SECRET,notEmpty"`

	// TokenTTL is the lifetime of admin tokens minted by ratelimitctl.
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"1h"`
}

var (
	ErrMissingKey   = errors.New("missing hmac key")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

var b64 = base64.RawURLEncoding

// Claims is the signed payload of an operator token.
type Claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type HMACSigner struct {
	key []byte
}

func NewHMACSigner(secKey []byte) (*HMACSigner, error) {
	if len(secKey) == 0 {
		return nil, ErrMissingKey
	}
	return &HMACSigner{key: secKey}, nil
}

// Issue signs claims for subject, valid for ttl from now.
func (h *HMACSigner) Issue(subject string, now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("hmac issue: ttl must be positive, got %s", ttl)
	}
	payload, err := json.Marshal(Claims{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	return h.Sign(payload)
}

// VerifyClaims checks signature, shape and expiry of an admin token.
func (h *HMACSigner) VerifyClaims(token string, now time.Time) (Claims, error) {
	payload, err := h.Verify(token)
	if err != nil {
		return Claims{}, err
	}

	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil || c.Subject == "" || c.ExpiresAt == 0 {
		return Claims{}, ErrInvalidToken
	}
	if now.Unix() >= c.ExpiresAt {
		return Claims{}, ErrExpiredToken
	}
	return c, nil
}

// Sign returns payload and its MAC in token form.
func (h *HMACSigner) Sign(payload []byte) (string, error) {
	encoded := b64.EncodeToString(payload)
	return encoded + "." + b64.EncodeToString(h.mac(encoded)), nil
}

// Verify returns the payload of a token signed with the same key.
func (h *HMACSigner) Verify(token string) ([]byte, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(sig, ".") {
		return nil, ErrInvalidToken
	}

	got, err := b64.DecodeString(sig)
	if err != nil || !hmac.Equal(h.mac(encoded), got) {
		return nil, ErrInvalidToken
	}
	payload, err := b64.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return payload, nil
}

func (h *HMACSigner) mac(encoded string) []byte {
	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write([]byte(encoded))
	return m.Sum(nil)
}
