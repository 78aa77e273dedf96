// Package auth guards the control surfaces with a shared bearer token.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrUnauthorized is returned when a request carries no token or a wrong one.
var ErrUnauthorized = errors.New("unauthorized")

// Header is the metadata/HTTP header carrying the token.
const Header = "authorization"

// Token checks presented credentials against a shared secret. The zero
// value and an empty secret accept everything.
type Token struct {
	secret string
}

func NewToken(secret string) *Token {
	return &Token{secret: secret}
}

// Enabled reports whether requests are checked at all.
func (t *Token) Enabled() bool {
	return t != nil && t.secret != ""
}

// Check validates a raw header value ("Bearer <token>" or the bare token).
func (t *Token) Check(header string) error {
	if !t.Enabled() {
		return nil
	}
	presented := strings.TrimSpace(header)
	if len(presented) > 7 && strings.EqualFold(presented[:7], "bearer ") {
		presented = strings.TrimSpace(presented[7:])
	}
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(t.secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Generate returns a random 32-byte token, hex encoded.
func Generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Credentials attaches a token to every gRPC call. It implements
// credentials.PerRPCCredentials without requiring TLS, since the API
// normally listens on loopback.
type Credentials string

func (c Credentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	if c == "" {
		return nil, nil
	}
	return map[string]string{Header: "Bearer " + string(c)}, nil
}

func (c Credentials) RequireTransportSecurity() bool { return false }
