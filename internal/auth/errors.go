package auth

import "errors"

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrUnknownRole  = errors.New("unknown role")
	ErrInvalidHash  = errors.New("invalid password hash")
	ErrNoSecret     = errors.New("token secret is empty")
)
