package handlers_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/ecoffie/market-assassin-sub003/internal/testutil"
	"github.com/ecoffie/market-assassin-sub003/internal/webhook"
)

func TestServer_HealthEndpoint(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Do(t, testutil.Request{Method: http.MethodGet, Path: "/health"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
	}

	resp := testutil.Decode(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", resp["status"])
	}
	if resp["version"] == "" || resp["version"] == nil {
		t.Errorf("Expected a version in the health response")
	}
	checks, ok := resp["checks"].(map[string]interface{})
	if !ok || checks["redis"] != "ok" || checks["database"] != "ok" {
		t.Errorf("Unexpected checks: %v", resp["checks"])
	}
}

func TestServer_HealthDegradedWhenStoreDown(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Store.SetFailing(true)

	w := env.Do(t, testutil.Request{Method: http.MethodGet, Path: "/health"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if resp := testutil.Decode(t, w); resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got '%v'", resp["status"])
	}
}

func TestServer_Metrics(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Do(t, testutil.Request{Method: http.MethodGet, Path: "/metrics"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Errorf("Expected Prometheus exposition output")
	}
}

func TestServer_RoutingConfiguration(t *testing.T) {
	env := testutil.NewEnv(t)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/unknown", http.StatusNotFound},
		{http.MethodPut, "/access-codes", http.StatusMethodNotAllowed},
		{http.MethodGet, "/webhooks/payment", http.StatusMethodNotAllowed},
		{http.MethodGet, "/admin/purchases?email=a@co.com", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := env.Do(t, testutil.Request{Method: tt.method, Path: tt.path})
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestServer_PublicRateLimit(t *testing.T) {
	env := testutil.NewEnv(t)

	var last int
	for i := 0; i < 31; i++ {
		w := env.Do(t, testutil.Request{
			Method: http.MethodGet,
			Path:   "/access-codes?code=NOPE-NOPE-NOPE-NOPE",
			IP:     "203.0.113.50",
		})
		last = w.Code
		if i < 30 && w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
		if i == 30 && w.Header().Get("Retry-After") == "" {
			t.Errorf("Expected Retry-After on denial")
		}
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("Expected 31st request to be limited, got %d", last)
	}

	// Another client is unaffected.
	w := env.Do(t, testutil.Request{Method: http.MethodGet, Path: "/access-codes?code=X", IP: "203.0.113.51"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for a different IP, got %d", w.Code)
	}
}

func TestServer_StoreDownFailsClosed(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Store.SetFailing(true)

	w := env.Do(t, testutil.Request{
		Method: http.MethodPost,
		Path:   "/activate",
		Body:   map[string]string{"email": "a@co.com"},
	})
	testutil.AssertErrorResponse(t, w, http.StatusServiceUnavailable, "Service temporarily unavailable")
}

func webhookItem(priceID string) webhook.LineItem {
	return webhook.LineItem{PriceID: priceID, Quantity: 1}
}
