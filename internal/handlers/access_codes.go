package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/accesscode"
	"github.com/ecoffie/market-assassin-sub003/internal/email"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
)

type AccessCodeRequest struct {
	Action      string `json:"action"`
	Email       string `json:"email"`
	CompanyName string `json:"companyName"`
	Code        string `json:"code"`
	SendEmail   bool   `json:"sendEmail"`
}

type AccessCodeView struct {
	Email       string     `json:"email"`
	CompanyName string     `json:"companyName"`
	Used        bool       `json:"used"`
	UsedAt      *time.Time `json:"usedAt,omitempty"`
}

type ValidateCodeResponse struct {
	Valid      bool            `json:"valid"`
	Error      string          `json:"error,omitempty"`
	AccessCode *AccessCodeView `json:"accessCode,omitempty"`
}

func codeMessage(err error) string {
	if errors.Is(err, accesscode.ErrCodeUsed) {
		return "Access code already used"
	}
	return "Invalid access code"
}

// GetAccessCodes validates ?code=, or lists every code for an admin.
func (s *Server) GetAccessCodes(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		if !s.adminLimited(w, r) {
			return
		}
		if !s.admin.Authorize(r) {
			writeErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		codes, err := s.accessCodes.List(r.Context())
		if err != nil {
			s.fail(w, r, "Failed to list access codes", err)
			return
		}
		if codes == nil {
			codes = []models.AccessCode{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "codes": codes})
		return
	}

	v, err := s.accessCodes.Validate(r.Context(), code)
	if err != nil {
		s.fail(w, r, "Failed to validate access code", err)
		return
	}

	resp := ValidateCodeResponse{Valid: v.Valid}
	if !v.Valid {
		resp.Error = codeMessage(v.Err)
	}
	if v.Code != nil {
		resp.AccessCode = &AccessCodeView{
			Email:       v.Code.Email,
			CompanyName: v.Code.CompanyName,
			Used:        v.Code.Used,
			UsedAt:      v.Code.UsedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) PostAccessCodes(w http.ResponseWriter, r *http.Request) {
	// Read the admin secret first; it restores the body for decoding.
	authorized := s.admin.Authorize(r)

	var req AccessCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	switch req.Action {
	case "create":
		if !s.adminLimited(w, r) {
			return
		}
		if !authorized {
			writeErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		s.createAccessCode(w, r, req)
	case "use":
		s.useAccessCode(w, r, req)
	default:
		writeErrorResponse(w, http.StatusBadRequest, `action must be "create" or "use"`)
	}
}

func (s *Server) createAccessCode(w http.ResponseWriter, r *http.Request, req AccessCodeRequest) {
	rec, err := s.accessCodes.Create(r.Context(), req.Email, req.CompanyName)
	if errors.Is(err, accesscode.ErrInvalidEmail) {
		writeErrorResponse(w, http.StatusBadRequest, "email is required")
		return
	}
	if err != nil {
		s.fail(w, r, "Failed to create access code", err)
		return
	}

	if req.SendEmail {
		err := s.notifier.Send(r.Context(), email.Message{
			To:       rec.Email,
			Template: email.TemplateAccessCode,
			Data: map[string]string{
				"Code":        rec.Code,
				"CompanyName": rec.CompanyName,
				"Email":       rec.Email,
			},
		})
		if err != nil {
			logger.Error("Failed to send access code email", map[string]interface{}{
				"email": logger.MaskEmail(rec.Email),
				"error": err.Error(),
			})
		}
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) useAccessCode(w http.ResponseWriter, r *http.Request, req AccessCodeRequest) {
	if req.Code == "" {
		writeErrorResponse(w, http.StatusBadRequest, "code is required")
		return
	}

	ok, err := s.accessCodes.Consume(r.Context(), req.Code)
	if err != nil {
		s.fail(w, r, "Failed to consume access code", err)
		return
	}
	if ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
		return
	}

	v, err := s.accessCodes.Validate(r.Context(), req.Code)
	if err != nil {
		s.fail(w, r, "Failed to validate access code", err)
		return
	}
	writeErrorResponse(w, http.StatusUnauthorized, codeMessage(v.Err))
}

func (s *Server) DeleteAccessCode(w http.ResponseWriter, r *http.Request) {
	if !s.adminLimited(w, r) {
		return
	}
	if !s.admin.Authorize(r) {
		writeErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeErrorResponse(w, http.StatusBadRequest, "code is required")
		return
	}

	removed, err := s.accessCodes.Delete(r.Context(), code)
	if err != nil {
		s.fail(w, r, "Failed to delete access code", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": removed})
}
