package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/bastion/internal/api/response"
	"github.com/kiranshivaraju/bastion/internal/store"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

// Pinger is any dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

const maxAuditPage = 500

// Health checks database and cache connectivity. A nil cache is reported as
// disabled and does not degrade the service.
// GET /api/v1/health
func Health(db Pinger, c Pinger, problems *response.Problems) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c == nil {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] == "degraded" || checks["cache"] == "degraded" {
			problems.Write(w, r, response.Problem{
				Code:       response.CodeUnavailable,
				Status:     http.StatusServiceUnavailable,
				Title:      "Service Unavailable",
				Detail:     "One or more services degraded",
				Extensions: map[string]any{"services": checks},
			})
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// AuditLister reads audit entries.
type AuditLister interface {
	List(ctx context.Context, filter store.AuditFilter) ([]*models.AuditLogEntry, error)
}

type AuditHandler struct {
	audit    AuditLister
	problems *response.Problems
	logger   *slog.Logger
}

func NewAuditHandler(audit AuditLister, problems *response.Problems, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{audit: audit, problems: problems, logger: logger}
}

// List returns audit entries attributed to the caller's owner, newest first.
// Optional filters: token_id, since (RFC 3339), limit.
// GET /api/v1/audit-logs
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.AuditFilter{ActorID: caller(r).OwnerID}
	q := r.URL.Query()

	if raw := q.Get("token_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.problems.Invalid(w, r, "token_id", "token_id must be numeric", nil)
			return
		}
		filter.TokenID = &id
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.problems.Invalid(w, r, "since", "since must be an RFC 3339 timestamp", nil)
			return
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.problems.Invalid(w, r, "limit", "limit must be a positive integer", nil)
			return
		}
		filter.Limit = min(n, maxAuditPage)
	}

	entries, err := h.audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.problems, h.logger, err)
		return
	}
	response.Collection(w, entries, len(entries))
}
