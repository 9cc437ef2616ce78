package webhook

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingEmail     = errors.New("checkout session has no customer email")
	ErrMalformedEvent   = errors.New("malformed event payload")
)
