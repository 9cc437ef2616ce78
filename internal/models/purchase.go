package models

import (
	"time"
)

const (
	PurchaseStatusCompleted = "completed"
	PurchaseStatusRefunded  = "refunded"
)

type PurchaseRecord struct {
	ID                    string     `json:"id" db:"id"`
	Email                 string     `json:"email" db:"email"`
	ProviderSessionID     string     `json:"providerSessionId" db:"provider_session_id"`
	ProviderPaymentIntent string     `json:"providerPaymentIntent,omitempty" db:"provider_payment_intent"`
	ProductID             string     `json:"productId" db:"product_id"`
	Tier                  string     `json:"tier,omitempty" db:"tier"`
	BundleID              string     `json:"bundleId,omitempty" db:"bundle_id"`
	AmountPaid            int64      `json:"amountPaid" db:"amount_paid"`
	Currency              string     `json:"currency" db:"currency"`
	Status                string     `json:"status" db:"status"`
	Mode                  string     `json:"mode" db:"mode"`
	CreatedAt             time.Time  `json:"createdAt" db:"created_at"`
	RefundedAt            *time.Time `json:"refundedAt,omitempty" db:"refunded_at"`
}
