// Package auth implements the authorization pipeline: bearer and cookie
// tokens, failed-login throttling, and the authorization modules plugged
// under the core "authorizations" entry point.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadSignature is returned when a signed value was not produced by the
// signer or was tampered with.
var ErrBadSignature = errors.New("auth: bad signature")

// Signer appends and verifies an HS256 signature in the "<value>.<sig>"
// form. One signer keyed from SECRET_KEY is shared by the whole process.
type Signer struct {
	key []byte
}

// NewSigner returns a signer keyed with key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: append([]byte(nil), key...)}
}

// Key returns the signing key.
func (s *Signer) Key() []byte { return s.key }

// Sign renders value as "<value>.<signature>". value must not contain dots.
func (s *Signer) Sign(value string) (string, error) {
	sig, err := jwt.SigningMethodHS256.Sign(value, s.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return value + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Unsign verifies signed and returns the original value.
func (s *Signer) Unsign(signed string) (string, error) {
	value, encoded, ok := strings.Cut(signed, ".")
	if !ok || value == "" || strings.Contains(encoded, ".") {
		return "", ErrBadSignature
	}
	sig, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrBadSignature
	}
	if err := jwt.SigningMethodHS256.Verify(value, sig, s.key); err != nil {
		return "", ErrBadSignature
	}
	return value, nil
}
