package hub

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims are the fields of interest inside a hub API token. Scopes
// appear either as a JSON array or as a single space-separated string
// depending on how the token was minted.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
	Scope  string   `json:"scope,omitempty"`
}

// TokenInfo summarises an API token for diagnostics: who it was minted
// for, when it expires and which scopes it carries.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time // zero when the token never expires
	Scopes    []string
}

// InspectToken decodes a hub bearer token without verifying its signature.
// Only the hub holds the signing key, so local decoding is purely for
// surfacing expiry warnings and scope hints in logs and status output;
// it must never gate any decision the hub itself would enforce.
func InspectToken(token string) (*TokenInfo, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("hub: inspect token: %w", err)
	}
	info := &TokenInfo{
		Subject: claims.Subject,
		Scopes:  claims.Scopes,
	}
	if len(info.Scopes) == 0 && claims.Scope != "" {
		info.Scopes = strings.Fields(claims.Scope)
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// ExpiresWithin reports whether the token expires inside d. Tokens
// without an expiry never do.
func (t *TokenInfo) ExpiresWithin(d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(t.ExpiresAt) < d
}

// HasScope reports whether the token carries the given scope directly or
// through a broader parent (homey covers homey.device, which in turn
// covers homey.device.readonly).
func (t *TokenInfo) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope || strings.HasPrefix(scope, s+".") {
			return true
		}
	}
	return false
}
