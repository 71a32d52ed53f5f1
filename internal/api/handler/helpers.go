package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/bastion/internal/api/middleware"
	"github.com/kiranshivaraju/bastion/internal/api/response"
	"github.com/kiranshivaraju/bastion/internal/authn"
	"github.com/kiranshivaraju/bastion/internal/store"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

const maxBodyBytes = 1 << 20

// readJSON decodes an optional JSON body into v. An empty body leaves v
// untouched.
func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// pathID parses a numeric chi URL parameter.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// writeError maps domain errors onto problems. Anything unrecognised is
// logged and reported as an internal error.
func writeError(w http.ResponseWriter, r *http.Request, p *response.Problems, logger *slog.Logger, err error) {
	var vErr *models.ValidationError
	var denial *authn.Denial
	switch {
	case errors.As(err, &vErr):
		p.Invalid(w, r, vErr.Field, vErr.Error(), vErr.Allowed)
	case errors.As(err, &denial):
		p.Write(w, r, mw.DenialProblem(denial))
	case errors.Is(err, store.ErrNotFound):
		p.NotFound(w, r, "Resource not found")
	default:
		logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", mw.GetRequestID(r.Context()), "error", err)
		p.Internal(w, r)
	}
}

// caller returns the authenticated identity. Handlers are only mounted
// behind Authenticate, so a missing identity is a wiring bug.
func caller(r *http.Request) *authn.Identity {
	id, ok := mw.GetIdentity(r)
	if !ok {
		panic("handler: no identity in request context")
	}
	return id
}
