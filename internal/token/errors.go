package token

import "errors"

var (
	ErrInvalidEmail     = errors.New("a valid email is required")
	ErrUnknownNamespace = errors.New("unknown token namespace")
	ErrTokenCollision   = errors.New("could not allocate a unique token")
)
