package entitlement

import (
	"errors"

	"github.com/ecoffie/market-assassin-sub003/internal/catalog"
)

var (
	ErrInvalidEmail  = errors.New("a valid email is required")
	ErrUnknownFamily = catalog.ErrUnknownFamily
	ErrUnknownTier   = catalog.ErrUnknownTier
	ErrUnknownBundle = catalog.ErrUnknownBundle
)
