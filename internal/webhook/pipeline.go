// Package webhook ingests payment-provider events: it verifies signatures,
// drops duplicates and applies completed checkouts as grants and ledger rows.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/ecoffie/market-assassin-sub003/internal/catalog"
	"github.com/ecoffie/market-assassin-sub003/internal/email"
	"github.com/ecoffie/market-assassin-sub003/internal/entitlement"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/metrics"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
	"github.com/ecoffie/market-assassin-sub003/internal/storage"
	"github.com/ecoffie/market-assassin-sub003/internal/token"
)

type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventAsyncPaymentPaid  = "checkout.session.async_payment_succeeded"
	EventChargeRefunded    = "charge.refunded"
)

// Outcome describes what happened to one delivery.
type Outcome struct {
	EventID   string
	Type      string
	Mode      Mode
	Duplicate bool
	Ignored   bool
	Purchase  *models.PurchaseRecord
	Grants    []entitlement.Applied
	Tokens    []models.AccessToken
}

type Config struct {
	LiveSecret string
	TestSecret string

	Storage   storage.Storage
	Resolver  *entitlement.Resolver
	Issuers   []*token.Issuer
	LineItems LineItemFetcher
	Notifier  email.Sender

	// RecentEvents bounds the in-process cache of processed event IDs.
	RecentEvents int
	PublicURL    string
}

type Pipeline struct {
	secrets   []secret
	store     storage.Storage
	resolver  *entitlement.Resolver
	catalog   *catalog.Catalog
	issuers   map[string]*token.Issuer
	lineItems LineItemFetcher
	notifier  email.Sender
	recent    *lru.Cache[string, struct{}]
	publicURL string
	now       func() time.Time
}

type secret struct {
	value string
	mode  Mode
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	var secrets []secret
	if cfg.LiveSecret != "" {
		secrets = append(secrets, secret{cfg.LiveSecret, ModeLive})
	}
	if cfg.TestSecret != "" {
		secrets = append(secrets, secret{cfg.TestSecret, ModeTest})
	}
	if len(secrets) == 0 {
		return nil, errors.New("at least one webhook secret is required")
	}
	if cfg.Storage == nil || cfg.Resolver == nil {
		return nil, errors.New("webhook pipeline needs storage and an entitlement resolver")
	}

	size := cfg.RecentEvents
	if size <= 0 {
		size = 1000
	}
	recent, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}

	issuers := make(map[string]*token.Issuer, len(cfg.Issuers))
	for _, iss := range cfg.Issuers {
		issuers[iss.Namespace().Name] = iss
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = email.LogSender{}
	}

	return &Pipeline{
		secrets:   secrets,
		store:     cfg.Storage,
		resolver:  cfg.Resolver,
		catalog:   cfg.Resolver.Catalog(),
		issuers:   issuers,
		lineItems: cfg.LineItems,
		notifier:  notifier,
		recent:    recent,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		now:       time.Now,
	}, nil
}

// verify tries the live secret, then the test secret. The first that
// validates decides the mode used for provider API calls.
func (p *Pipeline) verify(payload []byte, sigHeader string) (stripe.Event, Mode, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, "", ErrInvalidSignature
	}

	for _, s := range p.secrets {
		event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, s.value, stripewebhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return event, s.mode, nil
		}
	}
	return stripe.Event{}, "", ErrInvalidSignature
}

// Handle runs one delivery through verification, deduplication and
// application. A nil error means the provider should see a 200.
func (p *Pipeline) Handle(ctx context.Context, payload []byte, sigHeader string) (out Outcome, err error) {
	start := time.Now()
	defer func() {
		eventType := out.Type
		if eventType == "" {
			eventType = "unknown"
		}
		metrics.WebhookEventsTotal.WithLabelValues(eventType, outcomeLabel(out, err)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	return p.handle(ctx, payload, sigHeader)
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case err != nil:
		return "error"
	case out.Duplicate:
		return "duplicate"
	case out.Ignored:
		return "ignored"
	default:
		return "applied"
	}
}

func (p *Pipeline) handle(ctx context.Context, payload []byte, sigHeader string) (Outcome, error) {
	event, mode, err := p.verify(payload, sigHeader)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{EventID: event.ID, Type: string(event.Type), Mode: mode}

	if p.recent.Contains(event.ID) {
		out.Duplicate = true
		return out, nil
	}

	switch event.Type {
	case EventCheckoutCompleted, EventAsyncPaymentPaid:
		err = p.applyCheckout(ctx, event, mode, &out)
	case EventChargeRefunded:
		err = p.applyRefund(ctx, event, &out)
	default:
		out.Ignored = true
		logger.Debug("Webhook event ignored", map[string]interface{}{
			"type":     string(event.Type),
			"event_id": event.ID,
		})
	}
	if err != nil {
		return out, err
	}

	// Only events that reached a terminal state are remembered.
	p.recent.Add(event.ID, struct{}{})
	return out, nil
}

func (p *Pipeline) applyCheckout(ctx context.Context, event stripe.Event, mode Mode, out *Outcome) error {
	var sess CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return errors.Join(ErrMalformedEvent, err)
	}
	if sess.ID == "" {
		return fmt.Errorf("%w: checkout session without id", ErrMalformedEvent)
	}

	buyer := models.NormalizeEmail(sess.Email())
	if !models.ValidEmail(buyer) {
		return ErrMissingEmail
	}
	if sess.PaymentStatus == "unpaid" {
		out.Ignored = true
		logger.Info("Checkout completed without payment, waiting for async payment", map[string]interface{}{
			"session_id": sess.ID,
		})
		return nil
	}

	existing, err := p.store.FindPurchaseBySession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("lookup purchase: %w", err)
	}
	if existing != nil {
		out.Duplicate = true
		out.Purchase = existing
		return nil
	}

	products, productID := p.resolveProducts(ctx, mode, sess)
	if len(products) == 0 {
		out.Ignored = true
		logger.Error("Checkout session does not map to a known product", map[string]interface{}{
			"session_id": sess.ID,
			"event_id":   event.ID,
		})
		sentry.CaptureMessage(fmt.Sprintf("unmapped checkout session %s", sess.ID))
		return nil
	}

	// Grants are idempotent, so they run before the ledger insert; a crash in
	// between is repaired by the provider's redelivery.
	customerName := strings.TrimSpace(sess.CustomerDetails.Name)
	for _, product := range products {
		applied, err := p.resolver.GrantProduct(ctx, buyer, product, customerName)
		out.Grants = append(out.Grants, applied...)
		if err != nil {
			return fmt.Errorf("apply grants: %w", err)
		}
	}

	first := products[0]
	purchase := &models.PurchaseRecord{
		ID:                    uuid.NewString(),
		Email:                 buyer,
		ProviderSessionID:     sess.ID,
		ProviderPaymentIntent: sess.PaymentIntent,
		ProductID:             productID,
		Tier:                  first.Tier,
		BundleID:              first.Bundle,
		AmountPaid:            sess.AmountTotal,
		Currency:              sess.Currency,
		Status:                models.PurchaseStatusCompleted,
		Mode:                  string(mode),
		CreatedAt:             p.now().UTC(),
	}
	if purchase.Currency == "" {
		purchase.Currency = "usd"
	}

	if err := p.store.InsertPurchase(ctx, purchase); err != nil {
		if errors.Is(err, storage.ErrDuplicatePurchase) {
			out.Duplicate = true
			return nil
		}
		return fmt.Errorf("record purchase: %w", err)
	}
	out.Purchase = purchase

	// Tokens mint new credentials, so only the delivery that won the insert
	// issues them. A failure here cannot be retried by redelivery.
	tokens, err := p.issueTokens(ctx, buyer, customerName, out.Grants)
	out.Tokens = tokens
	if err != nil {
		logger.Error("Failed to issue access tokens", map[string]interface{}{
			"session_id": sess.ID,
			"email":      logger.MaskEmail(buyer),
			"error":      err.Error(),
		})
		sentry.CaptureException(err)
	}

	logger.Info("Checkout applied", map[string]interface{}{
		"session_id": sess.ID,
		"email":      logger.MaskEmail(buyer),
		"product":    productID,
		"grants":     len(out.Grants),
		"mode":       string(mode),
	})

	p.notify(ctx, buyer, customerName, products, tokens)
	return nil
}

// resolveProducts maps line items (price ID, then product ID) onto catalog
// products, falling back to the session's metadata.
func (p *Pipeline) resolveProducts(ctx context.Context, mode Mode, sess CheckoutSession) ([]catalog.Product, string) {
	var products []catalog.Product
	var productID string

	if p.lineItems != nil {
		items, err := p.lineItems.LineItems(ctx, mode, sess.ID)
		if err != nil {
			logger.Warn("Failed to fetch line items, falling back to metadata", map[string]interface{}{
				"session_id": sess.ID,
				"error":      err.Error(),
			})
		}
		for _, item := range items {
			product, err := p.catalog.Lookup(item.PriceID, item.ProductID)
			if err != nil {
				logger.Warn("Line item does not map to a product", map[string]interface{}{
					"price_id":   item.PriceID,
					"product_id": item.ProductID,
				})
				continue
			}
			if productID == "" {
				productID = item.PriceID
				if productID == "" {
					productID = item.ProductID
				}
			}
			products = append(products, product)
		}
	}
	if len(products) > 0 {
		return products, productID
	}

	md := sess.Metadata
	if id := md["price_id"]; id != "" {
		if product, err := p.catalog.Lookup(id); err == nil {
			return []catalog.Product{product}, id
		}
	}
	if bundle := md["bundle"]; bundle != "" {
		if _, err := p.catalog.Bundle(bundle); err == nil {
			return []catalog.Product{{Bundle: bundle}}, bundle
		}
	}
	if family, tier := md["product"], md["tier"]; family != "" && tier != "" {
		if _, err := p.catalog.Rank(family, tier); err == nil {
			return []catalog.Product{{Family: family, Tier: tier}}, family + ":" + tier
		}
	}
	return nil, ""
}

func (p *Pipeline) issueTokens(ctx context.Context, buyer, customerName string, grants []entitlement.Applied) ([]models.AccessToken, error) {
	var tokens []models.AccessToken
	issued := make(map[string]bool)

	for _, a := range grants {
		family, err := p.catalog.Family(a.Grant.Family)
		if err != nil || family.TokenNamespace == "" || issued[family.TokenNamespace] {
			continue
		}
		issuer, ok := p.issuers[family.TokenNamespace]
		if !ok {
			continue
		}

		tok, err := issuer.Issue(ctx, buyer, customerName)
		if err != nil {
			return tokens, fmt.Errorf("issue %s token: %w", family.TokenNamespace, err)
		}
		issued[family.TokenNamespace] = true
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func (p *Pipeline) notify(ctx context.Context, buyer, customerName string, products []catalog.Product, tokens []models.AccessToken) {
	data := map[string]string{
		"Email":        buyer,
		"CustomerName": customerName,
		"Product":      p.displayName(products[0]),
	}
	if !products[0].IsBundle() {
		if tier, err := p.catalog.Tier(products[0].Family, products[0].Tier); err == nil {
			data["Tier"] = tier.Name
		}
	}
	if len(tokens) > 0 {
		data["AccessURL"] = fmt.Sprintf("%s/%s-access/%s", p.publicURL, tokens[0].Namespace, tokens[0].Token)
	}

	err := p.notifier.Send(ctx, email.Message{
		To:       buyer,
		Template: email.TemplatePurchaseConfirmation,
		Data:     data,
	})
	if err != nil {
		logger.Error("Failed to send purchase confirmation", map[string]interface{}{
			"email": logger.MaskEmail(buyer),
			"error": err.Error(),
		})
	}
}

func (p *Pipeline) displayName(product catalog.Product) string {
	if product.IsBundle() {
		if b, err := p.catalog.Bundle(product.Bundle); err == nil {
			return b.Name
		}
		return product.Bundle
	}
	if f, err := p.catalog.Family(product.Family); err == nil {
		return f.Name
	}
	return product.Family
}

// applyRefund marks the ledger row refunded. Grants are left for an admin to
// review.
func (p *Pipeline) applyRefund(ctx context.Context, event stripe.Event, out *Outcome) error {
	var charge Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return errors.Join(ErrMalformedEvent, err)
	}

	err := p.store.MarkRefunded(ctx, charge.PaymentIntent, p.now().UTC())
	if errors.Is(err, storage.ErrPurchaseNotFound) {
		out.Ignored = true
		logger.Warn("Refund for unknown purchase", map[string]interface{}{
			"charge_id":      charge.ID,
			"payment_intent": charge.PaymentIntent,
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}

	purchase, err := p.store.FindPurchaseByPaymentIntent(ctx, charge.PaymentIntent)
	if err != nil {
		return fmt.Errorf("lookup refunded purchase: %w", err)
	}
	out.Purchase = purchase

	logger.Info("Purchase refunded, grants left for review", map[string]interface{}{
		"payment_intent":  charge.PaymentIntent,
		"amount_refunded": charge.AmountRefunded,
	})
	return nil
}
