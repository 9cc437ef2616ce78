// Package storage is the relational side of the service: the append-only
// purchase ledger and the per-email access-flag table mirrored from grants.
package storage

import (
	"context"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/models"
)

type Storage interface {
	// InsertPurchase returns ErrDuplicatePurchase when the provider session
	// is already recorded.
	InsertPurchase(ctx context.Context, p *models.PurchaseRecord) error
	// FindPurchaseBySession returns nil, nil when nothing matches.
	FindPurchaseBySession(ctx context.Context, sessionID string) (*models.PurchaseRecord, error)
	FindPurchaseByPaymentIntent(ctx context.Context, paymentIntent string) (*models.PurchaseRecord, error)
	ListPurchasesByEmail(ctx context.Context, email string) ([]*models.PurchaseRecord, error)
	// MarkRefunded flips every purchase paid with paymentIntent to refunded.
	MarkRefunded(ctx context.Context, paymentIntent string, at time.Time) error

	// SetAccessFlag records tier for (email, family); an empty tier clears it.
	SetAccessFlag(ctx context.Context, email, family, tier string) error
	GetAccessFlags(ctx context.Context, email string) (map[string]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// flagColumns whitelists user_access columns by product family.
var flagColumns = map[string]string{
	"market-assassin":     "market_assassin",
	"content-engine":      "content_engine",
	"contractor-database": "contractor_database",
	"recompete-tracker":   "recompete_tracker",
	"opportunity-hunter":  "opportunity_hunter",
}
