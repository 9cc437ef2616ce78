// Package testutil wires the full service stack on in-memory stores for
// handler and end-to-end tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/ecoffie/market-assassin-sub003/internal/accesscode"
	"github.com/ecoffie/market-assassin-sub003/internal/adminauth"
	"github.com/ecoffie/market-assassin-sub003/internal/catalog"
	"github.com/ecoffie/market-assassin-sub003/internal/config"
	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
	"github.com/ecoffie/market-assassin-sub003/internal/email"
	"github.com/ecoffie/market-assassin-sub003/internal/entitlement"
	"github.com/ecoffie/market-assassin-sub003/internal/handlers"
	"github.com/ecoffie/market-assassin-sub003/internal/ratelimit"
	"github.com/ecoffie/market-assassin-sub003/internal/storage"
	"github.com/ecoffie/market-assassin-sub003/internal/token"
	"github.com/ecoffie/market-assassin-sub003/internal/usage"
	"github.com/ecoffie/market-assassin-sub003/internal/webhook"
)

const (
	AdminPassword = "test-admin-secret"
	LiveSecret    = "whsec_live_testutil"
	TestSecret    = "whsec_test_testutil"
	PublicURL     = "https://tools.example.com"
)

// TestConfig returns a development config with every secret set.
func TestConfig() *config.Config {
	return &config.Config{
		Env:                     config.EnvDevelopment,
		Port:                    "0",
		AdminPassword:           AdminPassword,
		StripeWebhookSecret:     LiveSecret,
		StripeTestWebhookSecret: TestSecret,
		RecentEventsCapacity:    64,
		EmailService:            "log",
		EmailFrom:               "access@example.com",
		PublicURL:               PublicURL,
		CORSOrigins:             []string{"*"},
		CookieMaxAge:            8760 * time.Hour,
		LogLevel:                "WARN",
	}
}

// LineItems is a LineItemFetcher backed by a map of session ID to items.
type LineItems struct {
	mu    sync.Mutex
	items map[string][]webhook.LineItem
}

func (l *LineItems) Add(sessionID string, items ...webhook.LineItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.items == nil {
		l.items = make(map[string][]webhook.LineItem)
	}
	l.items[sessionID] = append(l.items[sessionID], items...)
}

func (l *LineItems) LineItems(ctx context.Context, mode webhook.Mode, sessionID string) ([]webhook.LineItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items[sessionID], nil
}

// Outbox records sent messages.
type Outbox struct {
	mu       sync.Mutex
	Messages []email.Message
}

func (o *Outbox) Send(ctx context.Context, msg email.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Messages = append(o.Messages, msg)
	return nil
}

func (o *Outbox) Sent() []email.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]email.Message, len(o.Messages))
	copy(out, o.Messages)
	return out
}

type Env struct {
	Config      *config.Config
	Store       *counterstore.MemoryStore
	Storage     *storage.MemoryStorage
	Resolver    *entitlement.Resolver
	AccessCodes *accesscode.Manager
	Issuers     map[string]*token.Issuer
	Pipeline    *webhook.Pipeline
	LineItems   *LineItems
	Outbox      *Outbox
	Handler     http.Handler
}

// NewEnv builds the service graph the way main does, on memory stores.
func NewEnv(t testing.TB) *Env {
	t.Helper()

	cfg := TestConfig()
	store := counterstore.NewMemoryStore()
	db := storage.NewMemoryStorage()
	cat := catalog.Default()

	resolver := entitlement.NewResolver(store, cat, entitlement.WithMirror(db))
	ma := token.NewIssuer(store, token.MarketAssassin)
	dbIssuer := token.NewIssuer(store, token.Database)
	items := &LineItems{}
	outbox := &Outbox{}

	pipeline, err := webhook.NewPipeline(webhook.Config{
		LiveSecret:   cfg.StripeWebhookSecret,
		TestSecret:   cfg.StripeTestWebhookSecret,
		Storage:      db,
		Resolver:     resolver,
		Issuers:      []*token.Issuer{ma, dbIssuer},
		LineItems:    items,
		Notifier:     outbox,
		RecentEvents: cfg.RecentEventsCapacity,
		PublicURL:    cfg.PublicURL,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	codes := accesscode.NewManager(store)
	server := handlers.NewServer(handlers.Deps{
		Config:      cfg,
		Store:       store,
		Storage:     db,
		Resolver:    resolver,
		AccessCodes: codes,
		Issuers:     []*token.Issuer{ma, dbIssuer},
		Trackers: []*usage.Tracker{
			usage.NewTracker(store, resolver, cat, "market-assassin"),
			usage.NewTracker(store, resolver, cat, "content-engine"),
		},
		Limiter:  ratelimit.New(store),
		Admin:    adminauth.New(cfg.AdminPassword),
		Webhook:  pipeline,
		Notifier: outbox,
	})

	return &Env{
		Config:      cfg,
		Store:       store,
		Storage:     db,
		Resolver:    resolver,
		AccessCodes: codes,
		Issuers:     map[string]*token.Issuer{"ma": ma, "db": dbIssuer},
		Pipeline:    pipeline,
		LineItems:   items,
		Outbox:      outbox,
		Handler:     server.Routes(),
	}
}

// Request describes one call against Env.Handler.
type Request struct {
	Method string
	Path   string
	Body   interface{}
	Admin  bool
	// IP is sent as X-Forwarded-For; it defaults to a documentation address.
	IP string
}

func (e *Env) Do(t *testing.T, req Request) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if req.Body != nil {
		if err := json.NewEncoder(&body).Encode(req.Body); err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}

	r := httptest.NewRequest(req.Method, req.Path, &body)
	r.Header.Set("Content-Type", "application/json")
	if req.Admin {
		r.Header.Set("X-Admin-Password", AdminPassword)
	}
	ip := req.IP
	if ip == "" {
		ip = "198.51.100.7"
	}
	r.Header.Set("X-Forwarded-For", ip)

	w := httptest.NewRecorder()
	e.Handler.ServeHTTP(w, r)
	return w
}

// Decode unmarshals the recorded JSON body into a generic map.
func Decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// AssertErrorResponse checks status and the {success:false, error} body.
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	if w.Code != expectedStatus {
		t.Errorf("Expected status %d, got %d (%s)", expectedStatus, w.Code, w.Body.String())
	}

	resp := Decode(t, w)
	if resp["success"] != false {
		t.Errorf("Expected success=false, got %v", resp["success"])
	}
	if resp["error"] != expectedError {
		t.Errorf("Expected error '%s', got '%v'", expectedError, resp["error"])
	}
}

// CheckoutCompleted builds a checkout.session.completed event payload.
func CheckoutCompleted(eventID, sessionID, buyer string, metadata map[string]string) []byte {
	session := map[string]interface{}{
		"id":             sessionID,
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": "paid",
		"payment_intent": "pi_" + sessionID,
		"amount_total":   49700,
		"currency":       "usd",
		"customer_details": map[string]interface{}{
			"email": buyer,
			"name":  "Test Buyer",
		},
		"metadata": metadata,
	}
	return event(eventID, "checkout.session.completed", session)
}

// ChargeRefunded builds a charge.refunded event payload.
func ChargeRefunded(eventID, paymentIntent string) []byte {
	return event(eventID, "charge.refunded", map[string]interface{}{
		"id":              "ch_" + eventID,
		"object":          "charge",
		"payment_intent":  paymentIntent,
		"amount_refunded": 49700,
		"refunded":        true,
	})
}

func event(id, eventType string, object map[string]interface{}) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data":   map[string]interface{}{"object": object},
	})
	return payload
}

// SignedWebhook sends payload to the webhook endpoint signed with secret.
func (e *Env) SignedWebhook(t *testing.T, secret string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	r := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(signed.Payload))
	r.Header.Set("Stripe-Signature", signed.Header)
	r.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	e.Handler.ServeHTTP(w, r)
	return w
}
