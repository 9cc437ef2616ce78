// Package adminauth gates privileged operations behind a shared admin secret.
package adminauth

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ecoffie/market-assassin-sub003/internal/logger"
)

// maxBodyPeek bounds how much of a JSON body is buffered to look for adminPassword.
const maxBodyPeek = 64 << 10

// Verify compares supplied against configured in time that depends only on the
// longer of the two lengths. An empty configured secret never matches.
func Verify(supplied, configured string) bool {
	if configured == "" {
		return false
	}

	a, b := []byte(supplied), []byte(configured)
	n := max(len(a), len(b))

	// Non-zero when lengths differ, so the cyclic comparison below cannot pass on its own.
	diff := subtle.ConstantTimeEq(int32(len(a)), int32(len(b))) ^ 1
	for i := 0; i < n; i++ {
		var x, y byte
		if len(a) > 0 {
			x = a[i%len(a)]
		}
		y = b[i%len(b)]
		diff |= int(x ^ y)
	}
	return diff == 0
}

type Authenticator struct {
	secret string
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// Configured reports whether an admin secret is set at all.
func (a *Authenticator) Configured() bool {
	return a.secret != ""
}

// SecretFromRequest looks for the admin secret in the X-Admin-Password header,
// an Authorization bearer token, or an adminPassword field of a JSON body. The
// body is restored so handlers can decode it again.
func SecretFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Admin-Password"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var payload struct {
		AdminPassword string `json:"adminPassword"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.AdminPassword
}

// Authorize reports whether r carries the configured admin secret.
func (a *Authenticator) Authorize(r *http.Request) bool {
	return Verify(SecretFromRequest(r), a.secret)
}

// RequireAdmin rejects requests without a valid admin secret with 401.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorize(r) {
			logger.Warn("Rejected admin request", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"Unauthorized"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
