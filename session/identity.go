package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is an identity asserted by the identity provider.
type Identity struct {
	Subject   string
	Email     string
	Name      string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IdentityVerifier verifies identity-provider ID tokens.
type IdentityVerifier interface {
	VerifyIDToken(ctx context.Context, token string) (*Identity, error)
}

// VerifierFunc adapts a function to IdentityVerifier.
type VerifierFunc func(ctx context.Context, token string) (*Identity, error)

// VerifyIDToken calls f.
func (f VerifierFunc) VerifyIDToken(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// JWKSConfig configures a JWKSVerifier.
type JWKSConfig struct {
	Issuer   string
	Audience string
	// JWKSURL defaults to Issuer + "/.well-known/jwks.json".
	JWKSURL string
	Leeway  time.Duration
}

// JWKSVerifier verifies RS256 ID tokens against a remote JWKS.
type JWKSVerifier struct {
	keyfunc keyfunc.Keyfunc
	parser  *jwt.Parser
}

// NewJWKSVerifier fetches the key set and returns a verifier. The key set is
// refreshed in the background until ctx ends.
func NewJWKSVerifier(ctx context.Context, cfg JWKSConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("session: identity issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("session: identity audience is required")
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("session: load jwks: %w", err)
	}

	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = 30 * time.Second
	}

	return &JWKSVerifier{
		keyfunc: kf,
		parser: jwt.NewParser(
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(leeway),
			jwt.WithExpirationRequired(),
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name}),
		),
	}, nil
}

// VerifyIDToken validates token and returns the identity it asserts.
func (v *JWKSVerifier) VerifyIDToken(_ context.Context, token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyfunc.Keyfunc)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("session: invalid id token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("session: id token has no subject")
	}

	ident := &Identity{Subject: sub}
	ident.Issuer, _ = claims.GetIssuer()
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		ident.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ident.ExpiresAt = exp.Time
	}
	if email, ok := claims["email"].(string); ok {
		ident.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		ident.Name = name
	}
	return ident, nil
}
