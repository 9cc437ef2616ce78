package catalog

import "errors"

var (
	ErrUnknownFamily = errors.New("unknown product family")
	ErrUnknownTier   = errors.New("unknown tier for product family")
	ErrUnknownBundle = errors.New("unknown bundle")
	ErrUnknownPrice  = errors.New("no product mapped to price")
	ErrInvalid       = errors.New("invalid catalog")
)
