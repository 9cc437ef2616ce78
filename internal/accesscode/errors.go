package accesscode

import "errors"

var (
	ErrInvalidEmail = errors.New("a valid email is required")
	ErrInvalidCode  = errors.New("invalid access code")
	ErrCodeUsed     = errors.New("access code already used")
	ErrCollision    = errors.New("could not allocate a unique access code")
)
