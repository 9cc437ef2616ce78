package handlers_test

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoffie/market-assassin-sub003/internal/email"
	"github.com/ecoffie/market-assassin-sub003/internal/testutil"
)

func TestAdminGrant_ProductIssuesToken(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/admin/grants", Admin: true, Body: map[string]interface{}{
		"email":        "Gia@Co.com",
		"product":      "market-assassin",
		"tier":         "standard",
		"customerName": "Gia",
		"sendEmail":    true,
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := testutil.Decode(t, w)
	assert.Equal(t, "gia@co.com", resp["email"])
	grants := resp["grants"].([]interface{})
	require.Len(t, grants, 1)
	assert.Equal(t, "created", grants[0].(map[string]interface{})["outcome"])

	tokens := resp["tokens"].([]interface{})
	require.Len(t, tokens, 1)
	url := tokens[0].(map[string]interface{})["url"].(string)
	assert.True(t, strings.HasPrefix(url, testutil.PublicURL+"/ma-access/"), url)

	sent := env.Outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, email.TemplatePurchaseConfirmation, sent[0].Template)
	assert.Equal(t, url, sent[0].Data["AccessURL"])
	assert.Equal(t, "Federal Market Assassin", sent[0].Data["Product"])
}

func TestAdminGrant_NeverDowngrades(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	_, _, err := env.Resolver.Grant(ctx, "up@co.com", "market-assassin", "premium", "")
	require.NoError(t, err)

	w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/admin/grants", Admin: true, Body: map[string]string{
		"email": "up@co.com", "product": "market-assassin", "tier": "standard",
	}})
	require.Equal(t, http.StatusOK, w.Code)
	grant := testutil.Decode(t, w)["grants"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "premium", grant["tier"])
	assert.Equal(t, "unchanged", grant["outcome"])

	g, _, err := env.Resolver.Get(ctx, "up@co.com", "market-assassin")
	require.NoError(t, err)
	assert.Equal(t, "premium", g.Tier)
}

func TestAdminGrant_Bundle(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/admin/grants", Admin: true, Body: map[string]string{
		"email": "b@co.com", "bundle": "starter-bundle",
	}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, testutil.Decode(t, w)["grants"], 3)

	tiers, err := env.Resolver.Resolve(context.Background(), "b@co.com")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"opportunity-hunter":  "pro",
		"recompete-tracker":   "standard",
		"contractor-database": "standard",
	}, tiers)
}

func TestAdminGrant_Validation(t *testing.T) {
	env := testutil.NewEnv(t)

	tests := []struct {
		name string
		body map[string]string
		want string
	}{
		{"missing email", map[string]string{"product": "market-assassin", "tier": "standard"}, "email is required"},
		{"missing product", map[string]string{"email": "v@co.com"}, "product and tier, or bundle, are required"},
		{"unknown tier", map[string]string{"email": "v@co.com", "product": "market-assassin", "tier": "gold"}, ""},
		{"unknown bundle", map[string]string{"email": "v@co.com", "bundle": "mystery"}, ""},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.Do(t, testutil.Request{
				Method: http.MethodPost, Path: "/admin/grants", Admin: true, Body: tt.body,
				IP: fmt.Sprintf("192.0.2.%d", 100+i),
			})
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			if tt.want != "" {
				assert.Equal(t, tt.want, testutil.Decode(t, w)["error"])
			}
		})
	}
}

func TestAdminRevokeAndEntitlements(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	_, _, err := env.Resolver.Grant(ctx, "rv@co.com", "contractor-database", "standard", "")
	require.NoError(t, err)
	_, err = env.Issuers["db"].Issue(ctx, "rv@co.com", "")
	require.NoError(t, err)

	w := env.Do(t, testutil.Request{Method: http.MethodGet, Path: "/admin/entitlements?email=rv@co.com", Admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	resp := testutil.Decode(t, w)
	assert.Len(t, resp["grants"], 1)
	assert.Equal(t, map[string]interface{}{"contractor-database": "standard"}, resp["flags"])
	assert.Contains(t, resp["tokens"], "db")

	w = env.Do(t, testutil.Request{Method: http.MethodDelete, Path: "/admin/grants?email=rv@co.com&product=contractor-database", Admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, testutil.Decode(t, w)["success"])

	w = env.Do(t, testutil.Request{Method: http.MethodDelete, Path: "/admin/grants?email=rv@co.com&product=contractor-database", Admin: true})
	assert.Equal(t, false, testutil.Decode(t, w)["success"])

	w = env.Do(t, testutil.Request{Method: http.MethodGet, Path: "/admin/entitlements?email=rv@co.com", Admin: true})
	resp = testutil.Decode(t, w)
	assert.Empty(t, resp["grants"])
	assert.Empty(t, resp["flags"])
}

func TestAdminTokens(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/admin/tokens", Admin: true, Body: map[string]string{
		"email": "tk@co.com", "namespace": "db",
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tok := testutil.Decode(t, w)["token"].(string)
	require.Len(t, tok, 32)

	_, found, err := env.Issuers["db"].Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, found)

	w = env.Do(t, testutil.Request{Method: http.MethodDelete, Path: "/admin/tokens?namespace=db&token=" + tok, Admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, testutil.Decode(t, w)["success"])

	_, found, err = env.Issuers["db"].Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.False(t, found)

	w = env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/admin/tokens", Admin: true, Body: map[string]string{
		"email": "tk@co.com", "namespace": "zz",
	}})
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "unknown token namespace")
}

func TestAdminPurchases(t *testing.T) {
	env := testutil.NewEnv(t)
	env.LineItems.Add("cs_adm", webhookItem("price_ma_standard"))

	w := env.SignedWebhook(t, testutil.LiveSecret, testutil.CheckoutCompleted("evt_adm", "cs_adm", "adm@co.com", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Do(t, testutil.Request{Method: http.MethodGet, Path: "/admin/purchases?email=ADM@co.com", Admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	purchases := testutil.Decode(t, w)["purchases"].([]interface{})
	require.Len(t, purchases, 1)
	assert.Equal(t, "cs_adm", purchases[0].(map[string]interface{})["providerSessionId"])
}

func TestAdmin_RateLimited(t *testing.T) {
	env := testutil.NewEnv(t)

	for i := 0; i < 5; i++ {
		w := env.Do(t, testutil.Request{Method: http.MethodGet, Path: "/admin/purchases?email=a@co.com", IP: "192.0.2.200"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := env.Do(t, testutil.Request{Method: http.MethodGet, Path: "/admin/purchases?email=a@co.com", Admin: true, IP: "192.0.2.200"})
	testutil.AssertErrorResponse(t, w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
}
