package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/ecoffie/market-assassin-sub003/internal/logger"
)

const maxBodyBytes = int64(65536)

// Handler adapts the pipeline to HTTP. Only signature and payload problems
// produce a 4xx; everything else the provider should retry gets a 500.
func (p *Pipeline) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Warn("Error reading webhook body", map[string]interface{}{
				"error": err.Error(),
			})
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Error reading request body"})
			return
		}

		out, err := p.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
		switch {
		case errors.Is(err, ErrInvalidSignature):
			logger.Warn("Webhook signature verification failed", map[string]interface{}{
				"remote_addr": r.RemoteAddr,
			})
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid signature"})
			return
		case errors.Is(err, ErrMissingEmail), errors.Is(err, ErrMalformedEvent):
			logger.Warn("Webhook event rejected", map[string]interface{}{
				"event_id": out.EventID,
				"error":    err.Error(),
			})
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
			return
		case err != nil:
			logger.Error("Webhook processing failed", map[string]interface{}{
				"event_id": out.EventID,
				"type":     out.Type,
				"error":    err.Error(),
			})
			if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
				hub.CaptureException(err)
			} else {
				sentry.CaptureException(err)
			}
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Webhook processing failed"})
			return
		}

		resp := map[string]interface{}{"received": true}
		if out.Duplicate {
			resp["duplicate"] = true
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}
