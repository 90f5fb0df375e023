package auth

import "errors"

var (
	ErrMissingSecret      = errors.New("auth: session secret is not configured")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrWeakPassword       = errors.New("auth: password must be at least 8 characters")
)
