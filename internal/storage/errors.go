package storage

import "errors"

var (
	ErrDuplicatePurchase = errors.New("purchase already recorded for this session")
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrUnknownFamily     = errors.New("no access flag column for product family")
)
