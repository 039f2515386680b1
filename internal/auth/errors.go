package auth

import "errors"

var (
	ErrTokenMissing   = errors.New("token missing")
	ErrTokenInvalid   = errors.New("token invalid or expired")
	ErrTokenWrongKind = errors.New("wrong token kind")
	ErrForbidden      = errors.New("forbidden")
)
