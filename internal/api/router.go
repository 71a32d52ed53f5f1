package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	mw "github.com/kiranshivaraju/bastion/internal/api/middleware"
	"github.com/kiranshivaraju/bastion/internal/api/response"
	"github.com/kiranshivaraju/bastion/internal/scope"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Logger   *slog.Logger
	Problems *response.Problems

	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	// Audit is nil when audit logging is disabled.
	Audit       mw.AuditRecorder
	IPRateLimit int
	// CORSOrigins enables CORS when non-empty.
	CORSOrigins []string

	HealthHandler http.HandlerFunc
	WhoamiHandler http.HandlerFunc
	ListTokens    http.HandlerFunc
	IssueToken    http.HandlerFunc
	RotateToken   http.HandlerFunc
	RevokeToken   http.HandlerFunc
	ListWebhooks  http.HandlerFunc
	CreateWebhook http.HandlerFunc
	ListAuditLogs http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	problems := deps.Problems
	if problems == nil {
		problems = response.NewProblems(true, "")
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger(logger))
	r.Use(mw.Recovery(problems))
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", mw.HeaderRequestID},
			ExposedHeaders: []string{mw.HeaderRequestID, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		problems.NotFound(w, r, "No route matches "+r.URL.Path)
	})

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler, problems))

	// Protected routes
	r.Group(func(r chi.Router) {
		if deps.IPRateLimit > 0 {
			r.Use(mw.IPRateLimit(deps.IPRateLimit, problems))
		}
		if deps.Audit != nil {
			r.Use(mw.Audit(deps.Audit))
		}

		// Authentication runs per route with that route's scope.
		protected := func(required string) chi.Router {
			chain := []func(http.Handler) http.Handler{deps.Auth.RequireScope(required)}
			if deps.RateLimit != nil {
				chain = append(chain, deps.RateLimit.Limit)
			}
			return r.With(chain...)
		}

		protected("").Get("/api/v1/whoami", orNotImplemented(deps.WhoamiHandler, problems))

		protected(scope.TokensRead).Get("/api/v1/tokens", orNotImplemented(deps.ListTokens, problems))
		protected(scope.TokensRead).Get("/api/v1/audit-logs", orNotImplemented(deps.ListAuditLogs, problems))

		writer := protected(scope.TokensWrite)
		writer.Post("/api/v1/tokens", orNotImplemented(deps.IssueToken, problems))
		writer.Post("/api/v1/tokens/{token_id}/rotate", orNotImplemented(deps.RotateToken, problems))
		writer.Delete("/api/v1/tokens/{token_id}", orNotImplemented(deps.RevokeToken, problems))

		protected(scope.WebhooksRead).Get("/api/v1/webhooks", orNotImplemented(deps.ListWebhooks, problems))
		protected(scope.WebhooksWrite).Post("/api/v1/webhooks", orNotImplemented(deps.CreateWebhook, problems))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc, problems *response.Problems) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		problems.Write(w, r, response.Problem{
			Code:   "not_implemented",
			Status: http.StatusNotImplemented,
			Title:  "Not Implemented",
			Detail: "Endpoint not yet implemented",
		})
	}
}
