package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc extracts the subject a policy is counted against.
type KeyFunc func(r *http.Request) string

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SetHeaders writes the X-RateLimit-* headers, plus Retry-After on denial.
func SetHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	if !res.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	if !res.Allowed {
		if retry := int64(res.RetryAfter().Seconds()); retry > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		}
	}
}

// Middleware enforces p per keyFunc subject. Denied requests get 429; a store
// failure gets 503 and the request is not served.
func (l *Limiter) Middleware(p Policy, keyFunc KeyFunc) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := keyFunc(r)
			if subject == "" {
				subject = ClientIP(r)
			}

			res, err := l.CheckPolicy(r.Context(), p, subject)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
				return
			}

			SetHeaders(w, res)
			if !res.Allowed {
				writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"error":` + strconv.Quote(message) + "}\n"))
}
