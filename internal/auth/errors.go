package auth

import "errors"

var (
	ErrUnauthorized  = errors.New("unauthorized: authentication required")
	ErrForbidden     = errors.New("forbidden: insufficient permissions")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrMissingClaims = errors.New("missing required claims")
)
