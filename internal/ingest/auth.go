package ingest

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"aegis/internal/config"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrMissingHeader = errors.New("missing authorization header")
	ErrInvalidKey    = errors.New("invalid API key")
)

// TokenSet authorises location reports. The shared key may report for any
// identity; an identity token pins the report to its identity.
type TokenSet struct {
	sharedKey  string
	byIdentity map[string]string
}

func buildTokenSet(cfg config.RESTConfig) *TokenSet {
	ts := &TokenSet{sharedKey: strings.TrimSpace(cfg.APIKey)}
	if len(cfg.IdentityTokens) == 0 {
		return ts
	}
	ts.byIdentity = make(map[string]string, len(cfg.IdentityTokens))
	for identity, token := range cfg.IdentityTokens {
		identity = strings.TrimSpace(identity)
		token = strings.TrimSpace(token)
		if identity == "" || token == "" {
			continue
		}
		ts.byIdentity[identity] = token
	}
	return ts
}

// Authorize checks an Authorization header. It returns the identity the
// token is pinned to, or "" for the shared key.
func (t *TokenSet) Authorize(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.Join(ErrUnauthorized, ErrMissingHeader)
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if t == nil || token == "" {
		return "", errors.Join(ErrUnauthorized, ErrInvalidKey)
	}
	if t.sharedKey != "" && constantTimeEqual(token, t.sharedKey) {
		return "", nil
	}
	matched := ""
	for identity, want := range t.byIdentity {
		if constantTimeEqual(token, want) {
			matched = identity
		}
	}
	if matched != "" {
		return matched, nil
	}
	return "", errors.Join(ErrUnauthorized, ErrInvalidKey)
}

func (t *TokenSet) AuthorizeRequest(r *http.Request) (string, error) {
	return t.Authorize(r.Header.Get("Authorization"))
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
