package handlers

import (
	"errors"
	"net/http"

	"github.com/ecoffie/market-assassin-sub003/internal/models"
	"github.com/ecoffie/market-assassin-sub003/internal/ratelimit"
	"github.com/ecoffie/market-assassin-sub003/internal/usage"
)

const defaultUsageFamily = "market-assassin"

// generationPolicies are the per-email daily limits stacked on top of the
// monthly quota.
var generationPolicies = map[string]ratelimit.Policy{
	"market-assassin": ratelimit.ReportGeneration,
	"content-engine":  ratelimit.ContentGeneration,
}

type UsageRequest struct {
	Email   string `json:"email"`
	Product string `json:"product"`
}

type UsageResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	usage.Status
}

func (s *Server) usageRequest(w http.ResponseWriter, r *http.Request) (*usage.Tracker, string, bool) {
	var req UsageRequest
	if !decodeJSON(w, r, &req) {
		return nil, "", false
	}

	addr := models.NormalizeEmail(req.Email)
	if !models.ValidEmail(addr) {
		writeErrorResponse(w, http.StatusBadRequest, "email is required")
		return nil, "", false
	}

	family := req.Product
	if family == "" {
		family = defaultUsageFamily
	}
	tracker, ok := s.trackers[family]
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, "product has no usage quota")
		return nil, "", false
	}
	return tracker, addr, true
}

func (s *Server) UsageCheck(w http.ResponseWriter, r *http.Request) {
	tracker, addr, ok := s.usageRequest(w, r)
	if !ok {
		return
	}

	st, err := tracker.Check(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "Failed to check usage", err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Success: true, Status: st})
}

// UsageIncrement consumes one unit. The daily per-email limit is enforced
// first, then the monthly quota on the post-increment value.
func (s *Server) UsageIncrement(w http.ResponseWriter, r *http.Request) {
	tracker, addr, ok := s.usageRequest(w, r)
	if !ok {
		return
	}

	if policy, limited := generationPolicies[tracker.Family()]; limited {
		res, err := s.limiter.CheckPolicy(r.Context(), policy, addr)
		if err != nil {
			s.fail(w, r, "Rate limiter unavailable", err)
			return
		}
		ratelimit.SetHeaders(w, res)
		if !res.Allowed {
			writeErrorResponse(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
			return
		}
	}

	st, err := tracker.Increment(r.Context(), addr)
	if errors.Is(err, usage.ErrQuotaExceeded) {
		writeJSON(w, http.StatusTooManyRequests, UsageResponse{
			Success: false,
			Error:   "Monthly usage limit reached",
			Status:  st,
		})
		return
	}
	if err != nil {
		s.fail(w, r, "Failed to increment usage", err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Success: true, Status: st})
}

func (s *Server) UsageRelease(w http.ResponseWriter, r *http.Request) {
	tracker, addr, ok := s.usageRequest(w, r)
	if !ok {
		return
	}

	st, err := tracker.Release(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "Failed to release usage", err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Success: true, Status: st})
}
