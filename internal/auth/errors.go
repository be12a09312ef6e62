package auth

import "errors"

var (
	ErrEmptyToken     = errors.New("token is empty")
	ErrMalformedToken = errors.New("token is malformed")
	ErrTokenExpired   = errors.New("token is expired")
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingSubject = errors.New("user id not found in token")
)
