package webhook

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
)

type LineItem struct {
	PriceID   string
	ProductID string
	Quantity  int64
}

// LineItemFetcher loads the purchased items of a checkout session using the
// API key of the mode the event was verified in.
type LineItemFetcher interface {
	LineItems(ctx context.Context, mode Mode, sessionID string) ([]LineItem, error)
}

type StripeLineItems struct {
	LiveKey string
	TestKey string
}

func (s StripeLineItems) key(mode Mode) string {
	if mode == ModeTest {
		return s.TestKey
	}
	return s.LiveKey
}

func (s StripeLineItems) LineItems(ctx context.Context, mode Mode, sessionID string) ([]LineItem, error) {
	key := s.key(mode)
	if key == "" {
		return nil, fmt.Errorf("no Stripe API key configured for %s mode", mode)
	}

	client := session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: key}
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Context = ctx

	var items []LineItem
	it := client.ListLineItems(params)
	for it.Next() {
		li := it.LineItem()
		item := LineItem{Quantity: li.Quantity}
		if li.Price != nil {
			item.PriceID = li.Price.ID
			if li.Price.Product != nil {
				item.ProductID = li.Price.Product.ID
			}
		}
		items = append(items, item)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list line items for %s: %w", sessionID, err)
	}
	return items, nil
}
