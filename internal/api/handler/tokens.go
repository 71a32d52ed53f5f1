package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/bastion/internal/api/response"
	"github.com/kiranshivaraju/bastion/internal/authn"
	"github.com/kiranshivaraju/bastion/internal/scope"
	"github.com/kiranshivaraju/bastion/internal/token"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

// TokenService is the part of the token lifecycle the admin endpoints use.
type TokenService interface {
	Issue(ctx context.Context, p token.IssueParams) (*models.TokenRecord, string, error)
	Rotate(ctx context.Context, old *models.TokenRecord) (*models.TokenRecord, string, error)
	Revoke(ctx context.Context, rec *models.TokenRecord, reason string) error
	Get(ctx context.Context, id int64) (*models.TokenRecord, error)
	ListForOwner(ctx context.Context, owner token.Owner) ([]*models.TokenRecord, error)
}

// TokenHandler serves the token administration endpoints. A caller only ever
// sees tokens of its own owner; others answer 404.
type TokenHandler struct {
	tokens   TokenService
	problems *response.Problems
	logger   *slog.Logger
}

func NewTokenHandler(tokens TokenService, problems *response.Problems, logger *slog.Logger) *TokenHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenHandler{tokens: tokens, problems: problems, logger: logger}
}

type issuedToken struct {
	Token          *models.TokenRecord `json:"token"`
	PlainTextToken string              `json:"plain_text_token"`
}

type issueRequest struct {
	Name          string         `json:"name"`
	Environment   string         `json:"environment"`
	Type          string         `json:"type"`
	Scopes        []string       `json:"scopes"`
	ExpiresAt     *time.Time     `json:"expires_at"`
	ExpiresInDays int            `json:"expires_in_days"`
	Metadata      map[string]any `json:"metadata"`
}

// List returns the caller's active tokens.
// GET /api/v1/tokens
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	recs, err := h.tokens.ListForOwner(r.Context(), token.OwnerID(id.OwnerID))
	if err != nil {
		writeError(w, r, h.problems, h.logger, err)
		return
	}
	response.Collection(w, recs, len(recs))
}

// Issue creates a token for the caller's owner. The new token may not carry
// scopes the caller itself lacks, and only admin tokens may choose another
// environment or type than their own.
// POST /api/v1/tokens
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	id := caller(r)

	var req issueRequest
	if err := readJSON(r, &req); err != nil {
		h.problems.Invalid(w, r, "", "Invalid JSON body", nil)
		return
	}

	env := id.Token.Environment
	if req.Environment != "" {
		parsed, err := models.ParseEnvironment(req.Environment)
		if err != nil {
			writeError(w, r, h.problems, h.logger, err)
			return
		}
		env = parsed
	}
	typ := id.Token.Type
	if req.Type != "" {
		parsed, err := models.ParseTokenType(req.Type)
		if err != nil {
			writeError(w, r, h.problems, h.logger, err)
			return
		}
		typ = parsed
	}
	admin := scope.Satisfies(id.Token.Scopes, scope.Admin)
	if env != id.Token.Environment && !admin {
		h.forbidAttribute(w, r, "environment",
			fmt.Sprintf("Issuing a %s token from a %s token requires scope %s", env, id.Token.Environment, scope.Admin))
		return
	}
	if typ != id.Token.Type && !admin {
		h.forbidAttribute(w, r, "type",
			fmt.Sprintf("Issuing a %s token from a %s token requires scope %s", typ, id.Token.Type, scope.Admin))
		return
	}
	if req.ExpiresInDays < 0 {
		h.problems.Invalid(w, r, "expires_in_days", "expires_in_days must not be negative", nil)
		return
	}
	expiresAt := req.ExpiresAt
	if expiresAt == nil && req.ExpiresInDays > 0 {
		at := time.Now().AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &at
	}

	for _, s := range req.Scopes {
		if err := authn.Authorize(id, s); err != nil {
			writeError(w, r, h.problems, h.logger, err)
			return
		}
	}

	rec, plain, err := h.tokens.Issue(r.Context(), token.IssueParams{
		Owner:       token.OwnerID(id.OwnerID),
		Name:        req.Name,
		Environment: env,
		Type:        typ,
		Scopes:      req.Scopes,
		ExpiresAt:   expiresAt,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, r, h.problems, h.logger, err)
		return
	}
	response.Created(w, issuedToken{Token: rec, PlainTextToken: plain})
}

// Rotate replaces a token and revokes the old one.
// POST /api/v1/tokens/{token_id}/rotate
func (h *TokenHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.owned(w, r)
	if !ok {
		return
	}

	repl, plain, err := h.tokens.Rotate(r.Context(), rec)
	if err != nil && repl == nil {
		writeError(w, r, h.problems, h.logger, err)
		return
	}
	if err != nil {
		// The replacement exists and its plaintext cannot be shown again.
		h.logger.Error("rotated token but previous is still active",
			"token_id", rec.ID, "replacement_id", repl.ID, "error", err)
	}
	response.Created(w, issuedToken{Token: repl, PlainTextToken: plain})
}

// Revoke disables a token. An optional reason may be given as a query
// parameter or JSON body.
// DELETE /api/v1/tokens/{token_id}
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := readJSON(r, &req); err != nil {
		h.problems.Invalid(w, r, "", "Invalid JSON body", nil)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = req.Reason
	}
	if reason == "" {
		reason = token.ReasonManual
	}

	if err := h.tokens.Revoke(r.Context(), rec, reason); err != nil {
		writeError(w, r, h.problems, h.logger, err)
		return
	}
	response.JSON(w, rec)
}

// owned loads the {token_id} record and checks it belongs to the caller.
func (h *TokenHandler) owned(w http.ResponseWriter, r *http.Request) (*models.TokenRecord, bool) {
	id := caller(r)
	tokenID, ok := pathID(r, "token_id")
	if !ok {
		h.problems.NotFound(w, r, "Token not found")
		return nil, false
	}

	rec, err := h.tokens.Get(r.Context(), tokenID)
	if errors.Is(err, token.ErrNotFound) || (err == nil && rec.OwnerID != id.OwnerID) {
		h.problems.NotFound(w, r, "Token not found")
		return nil, false
	}
	if err != nil {
		writeError(w, r, h.problems, h.logger, err)
		return nil, false
	}
	return rec, true
}

func (h *TokenHandler) forbidAttribute(w http.ResponseWriter, r *http.Request, field, detail string) {
	h.problems.Write(w, r, response.Problem{
		Code:       string(authn.CodeInsufficientScope),
		Status:     http.StatusForbidden,
		Title:      "Forbidden",
		Detail:     detail,
		Extensions: map[string]any{"field": field, "required_scope": scope.Admin},
	})
}

// Whoami describes the presented token.
// GET /api/v1/whoami
func (h *TokenHandler) Whoami(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	scopes := make([]map[string]string, 0, len(id.Token.Scopes))
	for _, s := range id.Token.Scopes {
		scopes = append(scopes, map[string]string{"scope": s, "description": scope.Description(s)})
	}
	response.JSON(w, map[string]any{
		"owner_id":          id.OwnerID,
		"token":             id.Token,
		"environment_label": id.Token.Environment.Label(),
		"type_label":        id.Token.Type.Label(),
		"scopes":            scopes,
	})
}
