package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/kiranshivaraju/bastion/internal/api/response"
	"github.com/kiranshivaraju/bastion/internal/authn"
)

// QueryTokenParam is the fallback query parameter for the bearer credential.
const QueryTokenParam = "api_key"

// Authenticator is the request decision procedure the middleware adapts.
type Authenticator interface {
	Authenticate(ctx context.Context, req authn.Request) (*authn.Identity, error)
}

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	authn    Authenticator
	problems *response.Problems
	logger   *slog.Logger
}

// NewAuth creates a new Auth middleware.
func NewAuth(a Authenticator, problems *response.Problems, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auth{authn: a, problems: problems, logger: logger}
}

// Authenticate resolves the presented credential and stores the identity in
// the request context. Denials are rendered as problems; store failures as
// internal errors.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return a.authenticate("", next)
}

// RequireScope authenticates the request with scope as part of the decision,
// so use is only recorded for requests that pass it. An identity already
// present is checked against scope instead.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentity(r)
			if !ok {
				a.authenticate(scope, next).ServeHTTP(w, r)
				return
			}
			if err := authn.Authorize(id, scope); err != nil {
				a.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Auth) authenticate(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.authn.Authenticate(r.Context(), authn.Request{
			Authorization: r.Header.Get("Authorization"),
			QueryToken:    r.URL.Query().Get(QueryTokenParam),
			RequiredScope: scope,
			IP:            ClientIP(r),
			UserAgent:     r.UserAgent(),
			Endpoint:      r.URL.Path,
		})
		if err != nil {
			a.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), id)))
	})
}

func (a *Auth) fail(w http.ResponseWriter, r *http.Request, err error) {
	var d *authn.Denial
	if errors.As(err, &d) {
		a.problems.Write(w, r, DenialProblem(d))
		return
	}
	a.logger.Error("authentication failed",
		"path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
	a.problems.Internal(w, r)
}

// DenialProblem converts an authentication denial into a response problem.
func DenialProblem(d *authn.Denial) response.Problem {
	return response.Problem{
		Code:       string(d.Code),
		Status:     d.Status,
		Title:      d.Title,
		Detail:     d.Detail,
		Extensions: d.Extensions,
	}
}

// ClientIP returns the host part of RemoteAddr. chi's RealIP middleware
// rewrites RemoteAddr from proxy headers beforehand.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
