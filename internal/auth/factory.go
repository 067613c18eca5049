package auth

import (
	"fmt"

	"github.com/relaykit/orchestrate/config"
)

// NewValidatorFromConfig builds a TokenValidator from configuration, or
// returns (nil, nil) when authentication is disabled.
func NewValidatorFromConfig(cfg *config.AuthConfig) (TokenValidator, error) {
	if cfg == nil || !cfg.IsEnabled() {
		return nil, nil
	}

	validator, err := NewJWTValidator(JWTValidatorConfig{
		JWKSURL:         cfg.JWKSURL,
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		RefreshInterval: cfg.RefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("create JWT validator: %w", err)
	}
	return validator, nil
}
