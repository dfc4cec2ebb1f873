// Package auth implements the shared-secret admission gate for inbound
// gateway connections.
//
// Credential sources:
//   - query string `?token=...` on the WebSocket upgrade request (preferred)
//   - first message `{"event":"auth","token":"..."}` on the connection
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"

	"github.com/anytalk/signaling/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return AllowAllVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// AllowAllVerifier admits every connection. Used for AUTH_MODE=none.
type AllowAllVerifier struct{}

func (AllowAllVerifier) Verify(string) error { return nil }

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(credential string) error {
	if credential == "" {
		return ErrMissingCredentials
	}
	if v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

func CredentialFromQuery(q url.Values) (string, error) {
	if token := q.Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
