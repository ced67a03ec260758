package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var ErrForbiddenTenant = errors.New("token not valid for tenant")

// Principal represents an authenticated caller from JWT token
type Principal struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email,omitempty"`
	Tenants []string `json:"tenants,omitempty"`
}

// CanAccess reports whether the caller may act on a tenant. A token without
// a tenants claim is an operator token and may act on every tenant.
func (p *Principal) CanAccess(tenantID string) bool {
	if len(p.Tenants) == 0 {
		return true
	}
	for _, t := range p.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// Options configures a JWTVerifier.
type Options struct {
	Issuer     string
	Audience   string
	RefreshTTL time.Duration
}

// JWTVerifier handles JWT token verification with cached JWKS
type JWTVerifier struct {
	jwksURL    string
	opts       Options
	keySet     jwk.Set
	refreshTTL time.Duration
}

// NewJWTVerifier creates a verifier whose JWKS is refreshed in the
// background until ctx is done. Keys are fetched once up front so a bad URL
// fails at startup.
func NewJWTVerifier(ctx context.Context, jwksURL string, opts Options) (*JWTVerifier, error) {
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 5 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(opts.RefreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{
		jwksURL:    jwksURL,
		opts:       opts,
		keySet:     jwk.NewCachedSet(cache, jwksURL),
		refreshTTL: opts.RefreshTTL,
	}, nil
}

// PrincipalFromRequest extracts and validates the bearer token of a request.
func (v *JWTVerifier) PrincipalFromRequest(r *http.Request) (*Principal, error) {
	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.opts.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.opts.Issuer))
	}
	if v.opts.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.opts.Audience))
	}

	token, err := jwt.ParseRequest(r, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	p := &Principal{Subject: token.Subject()}
	if p.Subject == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	if emailClaim, ok := token.Get("email"); ok {
		p.Email, _ = emailClaim.(string)
	}

	if tenantsClaim, ok := token.Get("tenants"); ok {
		list, _ := tenantsClaim.([]interface{})
		for _, t := range list {
			if s, ok := t.(string); ok {
				p.Tenants = append(p.Tenants, s)
			}
		}
	}

	return p, nil
}

// Stats describes the verifier for health output.
func (v *JWTVerifier) Stats() map[string]interface{} {
	return map[string]interface{}{
		"keys_cached": v.keySet.Len(),
		"refresh_ttl": v.refreshTTL.String(),
		"jwks_url":    v.jwksURL,
	}
}
