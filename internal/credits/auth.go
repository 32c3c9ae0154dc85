package credits

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller extracted from a credits-rail JWT.
type Identity struct {
	UserID   string
	TenantID string
}

// claims is the payload the identity service signs. Standard registered
// claims (exp, iat, iss) are validated by jwt.ParseWithClaims; TenantID is
// the one credits-specific field this gateway reads.
type claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Authenticator validates bearer tokens issued by the sibling identity
// service for the credits payment rail.
type Authenticator struct {
	keys     *KeySource
	issuer   string
	audience string
}

// NewAuthenticator builds an Authenticator. issuer/audience are checked
// against the token's "iss"/"aud" claims when non-empty.
func NewAuthenticator(keys *KeySource, issuer, audience string) *Authenticator {
	return &Authenticator{keys: keys, issuer: issuer, audience: audience}
}

// Authenticate parses and verifies tokenString, returning the caller's
// identity on success.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	var parsed claims
	token, err := jwt.ParseWithClaims(tokenString, &parsed, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != "RS256" {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return a.publicKey(ctx, kid)
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("credits: verify token: %w", err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("credits: token invalid")
	}
	if parsed.Subject == "" {
		return Identity{}, fmt.Errorf("credits: token missing subject")
	}
	if parsed.TenantID == "" {
		return Identity{}, fmt.Errorf("credits: token missing tenant_id")
	}
	return Identity{UserID: parsed.Subject, TenantID: parsed.TenantID}, nil
}

func (a *Authenticator) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	return a.keys.Key(ctx, kid)
}
