package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/bastion/internal/api/response"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

// WebhookService registers delivery endpoints.
type WebhookService interface {
	CreateEndpoint(ctx context.Context, ownerID, rawURL string, eventNames []string, env models.Environment) (*models.WebhookEndpoint, string, error)
	List(ctx context.Context, ownerID string) ([]*models.WebhookEndpoint, error)
}

type WebhookHandler struct {
	webhooks WebhookService
	problems *response.Problems
	logger   *slog.Logger
}

func NewWebhookHandler(webhooks WebhookService, problems *response.Problems, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{webhooks: webhooks, problems: problems, logger: logger}
}

// List returns the caller's webhook endpoints.
// GET /api/v1/webhooks
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	eps, err := h.webhooks.List(r.Context(), caller(r).OwnerID)
	if err != nil {
		writeError(w, r, h.problems, h.logger, err)
		return
	}
	response.Collection(w, eps, len(eps))
}

// Create registers an endpoint and returns its signing secret once.
// POST /api/v1/webhooks
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	id := caller(r)

	var req struct {
		URL         string   `json:"url"`
		Events      []string `json:"events"`
		Environment string   `json:"environment"`
	}
	if err := readJSON(r, &req); err != nil {
		h.problems.Invalid(w, r, "", "Invalid JSON body", nil)
		return
	}
	env := id.Token.Environment
	if req.Environment != "" {
		env = models.Environment(req.Environment)
	}

	ep, secret, err := h.webhooks.CreateEndpoint(r.Context(), id.OwnerID, req.URL, req.Events, env)
	if err != nil {
		writeError(w, r, h.problems, h.logger, err)
		return
	}
	response.Created(w, map[string]any{
		"endpoint": ep,
		"secret":   secret,
	})
}
