package handlers_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoffie/market-assassin-sub003/internal/testutil"
)

func TestUsage_CheckWithoutGrant(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage", Body: map[string]string{"email": "free@co.com"}})
	require.Equal(t, http.StatusOK, w.Code)

	resp := testutil.Decode(t, w)
	assert.Equal(t, false, resp["allowed"])
	assert.Equal(t, "none", resp["tier"])
	assert.Equal(t, float64(0), resp["limit"])
}

func TestUsage_IncrementAndRelease(t *testing.T) {
	env := testutil.NewEnv(t)
	_, _, err := env.Resolver.Grant(context.Background(), "use@co.com", "market-assassin", "standard", "")
	require.NoError(t, err)

	w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage/increment", Body: map[string]string{"email": "use@co.com"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := testutil.Decode(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(1), resp["currentUsage"])
	assert.Equal(t, float64(50), resp["limit"])
	assert.Equal(t, float64(49), resp["remaining"])
	assert.Equal(t, "standard", resp["tier"])
	assert.Equal(t, "50", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "49", w.Header().Get("X-RateLimit-Remaining"))

	w = env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage/release", Body: map[string]string{"email": "use@co.com"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), testutil.Decode(t, w)["currentUsage"])

	w = env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage", Body: map[string]string{"email": "use@co.com"}})
	resp = testutil.Decode(t, w)
	assert.Equal(t, true, resp["allowed"])
	assert.Equal(t, float64(0), resp["currentUsage"])
}

func TestUsage_QuotaExceeded(t *testing.T) {
	env := testutil.NewEnv(t)
	_, _, err := env.Resolver.Grant(context.Background(), "cap@co.com", "content-engine", "content-engine", "")
	require.NoError(t, err)

	body := map[string]string{"email": "cap@co.com", "product": "content-engine"}
	for i := 0; i < 10; i++ {
		w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage/increment", Body: body, IP: "192.0.2.10"})
		require.Equal(t, http.StatusOK, w.Code, "increment %d: %s", i+1, w.Body.String())
	}

	// The daily content policy (10) trips before the monthly quota (10) is consulted.
	w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage/increment", Body: body, IP: "192.0.2.10"})
	testutil.AssertErrorResponse(t, w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage", Body: body, IP: "192.0.2.10"})
	resp := testutil.Decode(t, w)
	assert.Equal(t, false, resp["allowed"])
	assert.Equal(t, float64(10), resp["currentUsage"])
}

func TestUsage_MonthlyQuotaDenied(t *testing.T) {
	env := testutil.NewEnv(t)

	// No grant means a zero quota; the daily limiter still admits the call.
	w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage/increment", Body: map[string]string{"email": "zero@co.com"}})
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	resp := testutil.Decode(t, w)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "Monthly usage limit reached", resp["error"])
	assert.Equal(t, float64(0), resp["currentUsage"])
}

func TestUsage_Validation(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage", Body: map[string]string{}})
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "email is required")

	w = env.Do(t, testutil.Request{Method: http.MethodPost, Path: "/usage", Body: map[string]string{"email": "a@co.com", "product": "recompete-tracker"}})
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "product has no usage quota")
}
