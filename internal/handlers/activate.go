package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
	"github.com/ecoffie/market-assassin-sub003/internal/token"
)

const (
	emailCookie  = "access_email"
	accessPrefix = "access_"
)

type ActivateRequest struct {
	Email      string `json:"email"`
	LicenseKey string `json:"licenseKey"`
}

type Tool struct {
	Name   string `json:"name"`
	Key    string `json:"key"`
	Active bool   `json:"active"`
	Tier   string `json:"tier,omitempty"`
}

type ActivateResponse struct {
	Success bool   `json:"success"`
	Email   string `json:"email,omitempty"`
	Tools   []Tool `json:"tools,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Activate reports which tools an email owns and drops one cookie per active
// grant plus the identity cookie. A licenseKey, when given, must be an access
// token issued to the same email.
func (s *Server) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	addr := models.NormalizeEmail(req.Email)
	if key := strings.TrimSpace(req.LicenseKey); key != "" {
		tok, ok, err := s.resolveAnyToken(r, key)
		if err != nil {
			s.fail(w, r, "Failed to resolve license key", err)
			return
		}
		if !ok || (addr != "" && tok.Email != addr) {
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid license key")
			return
		}
		addr = tok.Email
	}

	if !models.ValidEmail(addr) {
		writeErrorResponse(w, http.StatusBadRequest, "email is required")
		return
	}

	tiers, err := s.resolver.Resolve(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "Failed to resolve entitlements", err)
		return
	}
	if len(tiers) == 0 {
		writeJSON(w, http.StatusOK, ActivateResponse{
			Success: false,
			Error:   "No active purchases found for this email",
		})
		return
	}

	tools := make([]Tool, 0, len(s.catalog.FamilyIDs()))
	for _, id := range s.catalog.FamilyIDs() {
		family, err := s.catalog.Family(id)
		if err != nil {
			continue
		}
		tier, active := tiers[id]
		tools = append(tools, Tool{Name: family.Name, Key: id, Active: active, Tier: tier})
		if active {
			s.setCookie(w, accessPrefix+id, tier)
		}
	}
	s.setCookie(w, emailCookie, addr)

	logger.Info("Access activated", map[string]interface{}{
		"email": logger.MaskEmail(addr),
		"tools": len(tiers),
	})
	writeJSON(w, http.StatusOK, ActivateResponse{Success: true, Email: addr, Tools: tools})
}

func (s *Server) resolveAnyToken(r *http.Request, key string) (models.AccessToken, bool, error) {
	for _, iss := range s.issuers {
		tok, ok, err := iss.Resolve(r.Context(), key)
		if err != nil || ok {
			return tok, ok, err
		}
	}
	return models.AccessToken{}, false, nil
}

// familyForNamespace returns the catalog family whose links are served under ns.
func (s *Server) familyForNamespace(ns string) string {
	for _, id := range s.catalog.FamilyIDs() {
		if f, err := s.catalog.Family(id); err == nil && f.TokenNamespace == ns {
			return id
		}
	}
	return ""
}

// TokenAccess serves GET /<ns>-access/{token}: a valid token binds its email
// into the session cookies and redirects into the tool, anything else
// redirects to the locked page.
func (s *Server) TokenAccess(iss *token.Issuer) http.HandlerFunc {
	ns := iss.Namespace().Name

	return func(w http.ResponseWriter, r *http.Request) {
		family := s.familyForNamespace(ns)
		home := "/" + family
		locked := home + "?access=locked"

		tok, ok, err := iss.Resolve(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			s.fail(w, r, "Failed to resolve access token", err)
			return
		}
		if !ok {
			logger.Warn("Invalid access token presented", map[string]interface{}{
				"namespace": ns,
			})
			http.Redirect(w, r, locked, http.StatusFound)
			return
		}

		s.setCookie(w, ns+"_session", tok.Token)
		s.setCookie(w, emailCookie, tok.Email)
		if family != "" {
			g, found, err := s.resolver.Get(r.Context(), tok.Email, family)
			if err != nil {
				s.fail(w, r, "Failed to load grant", err)
				return
			}
			if found {
				s.setCookie(w, accessPrefix+family, g.Tier)
			}
		}

		http.Redirect(w, r, home, http.StatusFound)
	}
}
