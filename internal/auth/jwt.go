package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator validates an opaque bearer token string and returns the
// caller's claims. Implementations may be backed by JWKS, a static secret,
// or (in tests) a fixed stub.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// JWTValidatorConfig configures a JWKS-backed validator.
type JWTValidatorConfig struct {
	JWKSURL         string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
}

// JWTValidator validates RS256-signed JWTs against a JWKS endpoint, with
// automatic background key-set refresh to tolerate key rotation.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

var _ TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator creates a validator that fetches and caches JWKS from cfg.JWKSURL.
func NewJWTValidator(cfg JWTValidatorConfig) (*JWTValidator, error) {
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}

	ctx := context.Background()
	cache := jwk.NewCache(ctx)

	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		return nil, fmt.Errorf("register JWKS url: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &JWTValidator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// ValidateToken verifies signature, expiry, issuer and audience, and extracts claims.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("get JWKS: %w", err)
	}

	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}

	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}
	if teamID, ok := token.Get("team_id"); ok {
		if s, ok := teamID.(string); ok {
			claims.TeamID = s
		}
	}

	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, _ := pair.Key.(string)
		switch key {
		case "sub", "email", "role", "team_id", "iss", "aud", "exp", "iat", "nbf", "":
			continue
		}
		claims.Custom[key] = pair.Value
	}

	return claims, nil
}
