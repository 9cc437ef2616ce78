// Package handlers exposes the entitlement services over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecoffie/market-assassin-sub003/internal/accesscode"
	"github.com/ecoffie/market-assassin-sub003/internal/adminauth"
	"github.com/ecoffie/market-assassin-sub003/internal/catalog"
	"github.com/ecoffie/market-assassin-sub003/internal/config"
	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
	"github.com/ecoffie/market-assassin-sub003/internal/email"
	"github.com/ecoffie/market-assassin-sub003/internal/entitlement"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
	"github.com/ecoffie/market-assassin-sub003/internal/ratelimit"
	"github.com/ecoffie/market-assassin-sub003/internal/storage"
	"github.com/ecoffie/market-assassin-sub003/internal/token"
	"github.com/ecoffie/market-assassin-sub003/internal/usage"
	"github.com/ecoffie/market-assassin-sub003/internal/version"
	"github.com/ecoffie/market-assassin-sub003/internal/webhook"
)

const maxRequestBytes = 1 << 20

// Deps holds the services the HTTP surface is built on.
type Deps struct {
	Config      *config.Config
	Store       counterstore.Store
	Storage     storage.Storage
	Resolver    *entitlement.Resolver
	AccessCodes *accesscode.Manager
	Issuers     []*token.Issuer
	Trackers    []*usage.Tracker
	Limiter     *ratelimit.Limiter
	Admin       *adminauth.Authenticator
	Webhook     *webhook.Pipeline
	Notifier    email.Sender
}

type Server struct {
	cfg         *config.Config
	store       counterstore.Store
	storage     storage.Storage
	resolver    *entitlement.Resolver
	catalog     *catalog.Catalog
	accessCodes *accesscode.Manager
	issuers     map[string]*token.Issuer
	trackers    map[string]*usage.Tracker
	limiter     *ratelimit.Limiter
	admin       *adminauth.Authenticator
	webhook     *webhook.Pipeline
	notifier    email.Sender
	now         func() time.Time
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:         d.Config,
		store:       d.Store,
		storage:     d.Storage,
		resolver:    d.Resolver,
		catalog:     d.Resolver.Catalog(),
		accessCodes: d.AccessCodes,
		issuers:     make(map[string]*token.Issuer, len(d.Issuers)),
		trackers:    make(map[string]*usage.Tracker, len(d.Trackers)),
		limiter:     d.Limiter,
		admin:       d.Admin,
		webhook:     d.Webhook,
		notifier:    d.Notifier,
		now:         time.Now,
	}
	for _, iss := range d.Issuers {
		s.issuers[iss.Namespace().Name] = iss
	}
	for _, t := range d.Trackers {
		s.trackers[t.Family()] = t
	}
	if s.notifier == nil {
		s.notifier = email.LogSender{}
	}
	return s
}

// Routes builds the router. Public routes share the per-IP fallback policy,
// admin routes the admin policy; the webhook is authenticated by signature.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(sentryHandler.Handle)
	r.Use(requestLogger)
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	if s.webhook != nil {
		wh := s.webhook.Handler()
		r.Method(http.MethodPost, "/webhooks/payment", wh)
		r.Method(http.MethodPost, "/webhooks/stripe", wh)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware(ratelimit.IPFallback, nil))

		r.Get("/access-codes", s.GetAccessCodes)
		r.Post("/access-codes", s.PostAccessCodes)
		r.Delete("/access-codes", s.DeleteAccessCode)

		r.Post("/activate", s.Activate)

		for name, iss := range s.issuers {
			r.Get("/"+name+"-access/{token}", s.TokenAccess(iss))
		}

		r.Post("/usage", s.UsageCheck)
		r.Post("/usage/increment", s.UsageIncrement)
		r.Post("/usage/release", s.UsageRelease)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.limiter.Middleware(ratelimit.AdminOperations, nil))
		r.Use(s.admin.RequireAdmin)

		r.Post("/grants", s.AdminGrant)
		r.Delete("/grants", s.AdminRevoke)
		r.Get("/entitlements", s.AdminEntitlements)
		r.Post("/tokens", s.AdminIssueToken)
		r.Delete("/tokens", s.AdminRevokeToken)
		r.Get("/purchases", s.AdminPurchases)
	})

	return r
}

func (s *Server) corsOptions() cors.Options {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Password"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("Request served", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   version.Version,
		Timestamp: s.now().UTC(),
		Checks:    map[string]string{"redis": "ok", "database": "ok"},
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Checks["redis"] = err.Error()
	}
	if err := s.storage.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Checks["database"] = err.Error()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// fail reports an unexpected error. Store outages map to 503, anything else
// to 500; both are sent to Sentry.
// adminLimited counts an admin action served outside /admin against the admin
// policy. It writes the denial and reports false when the request must stop.
func (s *Server) adminLimited(w http.ResponseWriter, r *http.Request) bool {
	res, err := s.limiter.CheckPolicy(r.Context(), ratelimit.AdminOperations, ratelimit.ClientIP(r))
	if err != nil {
		s.fail(w, r, "Rate limiter unavailable", err)
		return false
	}
	ratelimit.SetHeaders(w, res)
	if !res.Allowed {
		writeErrorResponse(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logger.Error(msg, map[string]interface{}{
		"path":  r.URL.Path,
		"error": err.Error(),
	})
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
	} else {
		sentry.CaptureException(err)
	}

	if errors.Is(err, counterstore.ErrStoreUnavailable) {
		writeErrorResponse(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	}
	writeErrorResponse(w, http.StatusInternalServerError, "Internal server error")
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.cfg.CookieMaxAge.Seconds()),
		Secure:   s.cfg.SecureCookies(),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) accessURL(tok models.AccessToken) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/" + tok.Namespace + "-access/" + tok.Token
}
