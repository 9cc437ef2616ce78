package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ecoffie/market-assassin-sub003/internal/catalog"
	"github.com/ecoffie/market-assassin-sub003/internal/email"
	"github.com/ecoffie/market-assassin-sub003/internal/entitlement"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
	"github.com/ecoffie/market-assassin-sub003/internal/token"
)

type GrantRequest struct {
	Email        string `json:"email"`
	Product      string `json:"product"`
	Tier         string `json:"tier"`
	Bundle       string `json:"bundle"`
	CustomerName string `json:"customerName"`
	SendEmail    bool   `json:"sendEmail"`
}

type GrantResult struct {
	Family  string `json:"family"`
	Tier    string `json:"tier"`
	Outcome string `json:"outcome"`
}

type IssuedToken struct {
	Namespace string `json:"namespace"`
	Token     string `json:"token"`
	URL       string `json:"url"`
}

type GrantResponse struct {
	Success bool          `json:"success"`
	Email   string        `json:"email"`
	Grants  []GrantResult `json:"grants"`
	Tokens  []IssuedToken `json:"tokens,omitempty"`
}

func isCatalogError(err error) bool {
	return errors.Is(err, entitlement.ErrUnknownFamily) ||
		errors.Is(err, entitlement.ErrUnknownTier) ||
		errors.Is(err, entitlement.ErrUnknownBundle)
}

// AdminGrant applies a product or bundle through the same resolver the
// webhook uses, then issues link tokens for the granted families.
func (s *Server) AdminGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	addr := models.NormalizeEmail(req.Email)
	if !models.ValidEmail(addr) {
		writeErrorResponse(w, http.StatusBadRequest, "email is required")
		return
	}

	var product catalog.Product
	switch {
	case req.Bundle != "":
		product.Bundle = req.Bundle
	case req.Product != "" && req.Tier != "":
		product.Family, product.Tier = req.Product, req.Tier
	default:
		writeErrorResponse(w, http.StatusBadRequest, "product and tier, or bundle, are required")
		return
	}

	applied, err := s.resolver.GrantProduct(r.Context(), addr, product, req.CustomerName)
	if isCatalogError(err) {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, "Failed to apply grant", err)
		return
	}

	resp := GrantResponse{Success: true, Email: addr}
	issued := make(map[string]bool)
	for _, a := range applied {
		resp.Grants = append(resp.Grants, GrantResult{
			Family:  a.Grant.Family,
			Tier:    a.Grant.Tier,
			Outcome: string(a.Outcome),
		})

		family, err := s.catalog.Family(a.Grant.Family)
		if err != nil || family.TokenNamespace == "" || issued[family.TokenNamespace] {
			continue
		}
		iss, ok := s.issuers[family.TokenNamespace]
		if !ok {
			continue
		}
		tok, err := iss.Issue(r.Context(), addr, req.CustomerName)
		if err != nil {
			s.fail(w, r, "Failed to issue access token", err)
			return
		}
		issued[family.TokenNamespace] = true
		resp.Tokens = append(resp.Tokens, IssuedToken{Namespace: tok.Namespace, Token: tok.Token, URL: s.accessURL(tok)})
	}

	logger.Info("Admin grant applied", map[string]interface{}{
		"email":  logger.MaskEmail(addr),
		"grants": len(applied),
	})

	if req.SendEmail {
		s.sendGrantEmail(r, addr, req, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sendGrantEmail(r *http.Request, addr string, req GrantRequest, resp GrantResponse) {
	data := map[string]string{
		"Email":        addr,
		"CustomerName": req.CustomerName,
		"Product":      req.Product,
		"Tier":         req.Tier,
	}
	if req.Bundle != "" {
		data["Product"] = req.Bundle
		if b, err := s.catalog.Bundle(req.Bundle); err == nil {
			data["Product"] = b.Name
		}
	} else if f, err := s.catalog.Family(req.Product); err == nil {
		data["Product"] = f.Name
	}
	if len(resp.Tokens) > 0 {
		data["AccessURL"] = resp.Tokens[0].URL
	}

	err := s.notifier.Send(r.Context(), email.Message{
		To:       addr,
		Template: email.TemplatePurchaseConfirmation,
		Data:     data,
	})
	if err != nil {
		logger.Error("Failed to send grant email", map[string]interface{}{
			"email": logger.MaskEmail(addr),
			"error": err.Error(),
		})
	}
}

func (s *Server) AdminRevoke(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	addr := models.NormalizeEmail(q.Get("email"))
	family := q.Get("product")
	if !models.ValidEmail(addr) || family == "" {
		writeErrorResponse(w, http.StatusBadRequest, "email and product are required")
		return
	}

	removed, err := s.resolver.Revoke(r.Context(), addr, family)
	if isCatalogError(err) {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, "Failed to revoke grant", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": removed})
}

func (s *Server) AdminEntitlements(w http.ResponseWriter, r *http.Request) {
	addr := models.NormalizeEmail(r.URL.Query().Get("email"))
	if !models.ValidEmail(addr) {
		writeErrorResponse(w, http.StatusBadRequest, "email is required")
		return
	}

	grants, err := s.resolver.Grants(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "Failed to load grants", err)
		return
	}
	flags, err := s.storage.GetAccessFlags(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "Failed to load access flags", err)
		return
	}

	tokens := make(map[string]models.TokenPointer)
	for name, iss := range s.issuers {
		ptr, ok, err := iss.LatestForEmail(r.Context(), addr)
		if err != nil {
			s.fail(w, r, "Failed to load token pointer", err)
			return
		}
		if ok {
			tokens[name] = ptr
		}
	}

	if grants == nil {
		grants = []models.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"email":   addr,
		"grants":  grants,
		"flags":   flags,
		"tokens":  tokens,
	})
}

type TokenRequest struct {
	Email        string `json:"email"`
	Namespace    string `json:"namespace"`
	CustomerName string `json:"customerName"`
}

func (s *Server) issuerFor(ns string) (*token.Issuer, bool) {
	iss, ok := s.issuers[strings.ToLower(strings.TrimSpace(ns))]
	return iss, ok
}

func (s *Server) AdminIssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	iss, ok := s.issuerFor(req.Namespace)
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, "unknown token namespace")
		return
	}

	tok, err := iss.Issue(r.Context(), req.Email, req.CustomerName)
	if errors.Is(err, token.ErrInvalidEmail) {
		writeErrorResponse(w, http.StatusBadRequest, "email is required")
		return
	}
	if err != nil {
		s.fail(w, r, "Failed to issue access token", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"token":     tok.Token,
		"namespace": tok.Namespace,
		"email":     tok.Email,
		"url":       s.accessURL(tok),
	})
}

func (s *Server) AdminRevokeToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	iss, ok := s.issuerFor(q.Get("namespace"))
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, "unknown token namespace")
		return
	}
	tok := q.Get("token")
	if tok == "" {
		writeErrorResponse(w, http.StatusBadRequest, "token is required")
		return
	}

	removed, err := iss.Revoke(r.Context(), tok)
	if err != nil {
		s.fail(w, r, "Failed to revoke access token", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": removed})
}

func (s *Server) AdminPurchases(w http.ResponseWriter, r *http.Request) {
	addr := models.NormalizeEmail(r.URL.Query().Get("email"))
	if !models.ValidEmail(addr) {
		writeErrorResponse(w, http.StatusBadRequest, "email is required")
		return
	}

	purchases, err := s.storage.ListPurchasesByEmail(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "Failed to list purchases", err)
		return
	}
	if purchases == nil {
		purchases = []*models.PurchaseRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "purchases": purchases})
}
