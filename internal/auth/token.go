// Package auth resolves opaque bearer tokens to caller identities. The
// ingress core does not own user accounts; tokens are provisioned by the
// parent platform and configured here as hashed credentials.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned for missing, unknown, or malformed tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Caller is an authenticated principal.
type Caller struct {
	UserID string
	Admin  bool
}

// Authenticator resolves a bearer token to a caller.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Caller, error)
}

// StaticAuthenticator matches tokens against a configured set. Tokens are
// stored as SHA-256 digests and compared in constant time, so a config
// dump does not leak usable credentials.
type StaticAuthenticator struct {
	byDigest map[string]Caller
}

// HashToken returns the hex SHA-256 digest used to store a token.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

// NewStaticAuthenticator parses credential entries of the form
// "token:userId" or "token:userId:admin". Entries may carry either the
// raw token or its sha256 digest prefixed with "sha256:".
func NewStaticAuthenticator(entries []string) (*StaticAuthenticator, error) {
	byDigest := make(map[string]Caller, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		var digest string
		var tail []string
		if parts[0] == "sha256" {
			if len(parts) < 3 {
				return nil, fmt.Errorf("credential entry %q: want sha256:<digest>:<userId>", raw)
			}
			digest = strings.ToLower(parts[1])
			if len(digest) != hex.EncodedLen(sha256.Size) {
				return nil, fmt.Errorf("credential entry %q: bad digest length", raw)
			}
			tail = parts[2:]
		} else {
			if len(parts) < 2 {
				return nil, fmt.Errorf("credential entry %q: want <token>:<userId>", raw)
			}
			digest = HashToken(parts[0])
			tail = parts[1:]
		}
		caller := Caller{UserID: tail[0]}
		if caller.UserID == "" {
			return nil, fmt.Errorf("credential entry %q: empty user id", raw)
		}
		if len(tail) > 1 && strings.EqualFold(tail[1], "admin") {
			caller.Admin = true
		}
		byDigest[digest] = caller
	}
	return &StaticAuthenticator{byDigest: byDigest}, nil
}

// Authenticate resolves a token to its configured caller.
func (a *StaticAuthenticator) Authenticate(ctx context.Context, token string) (Caller, error) {
	if token == "" {
		return Caller{}, ErrInvalidToken
	}
	digest := HashToken(token)
	for candidate, caller := range a.byDigest {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(digest)) == 1 {
			return caller, nil
		}
	}
	return Caller{}, ErrInvalidToken
}

var _ Authenticator = (*StaticAuthenticator)(nil)
