// Package authn decides whether a presented bearer credential may perform a
// request. It knows nothing about HTTP frameworks; middleware adapts it.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/bastion/internal/credential"
	"github.com/kiranshivaraju/bastion/internal/events"
	"github.com/kiranshivaraju/bastion/internal/scope"
	"github.com/kiranshivaraju/bastion/internal/token"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

const defaultSideEffectTimeout = 5 * time.Second

// Resolver is the part of the token lifecycle the authenticator needs.
type Resolver interface {
	Resolve(ctx context.Context, presented string) (*models.TokenRecord, error)
	IsValid(ctx context.Context, rec *models.TokenRecord, now time.Time) bool
	Touch(ctx context.Context, rec *models.TokenRecord, now time.Time) error
}

// Policy holds the environment isolation inputs. EnforceEnvironment turns the
// check on; Production states whether this server is a production context.
// The two are independent.
type Policy struct {
	EnforceEnvironment bool
	Production         bool
}

// Allows reports whether a token of env may be used under p.
func (p Policy) Allows(env models.Environment) bool {
	if !p.EnforceEnvironment {
		return true
	}
	switch {
	case env == models.EnvironmentTest:
		return true
	case env.IsProduction():
		return p.Production
	}
	return false
}

// Request carries the credential sources and call-site requirements of one
// inbound request.
type Request struct {
	Authorization string
	QueryToken    string
	RequiredScope string
	IP            string
	UserAgent     string
	Endpoint      string
}

// Identity is the authenticated principal.
type Identity struct {
	OwnerID string
	Token   *models.TokenRecord
}

// Authenticator runs the request authentication decision procedure.
type Authenticator struct {
	tokens     Resolver
	policy     Policy
	bus        events.Publisher
	usage      bool
	now        func() time.Time
	timeout    time.Duration
	logger     *slog.Logger
	sideEffect sync.WaitGroup
}

type Option func(*Authenticator)

// WithUsageEvents controls whether successful authentications emit TokenUsed.
func WithUsageEvents(enabled bool) Option {
	return func(a *Authenticator) {
		a.usage = enabled
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = l
	}
}

// New creates an Authenticator. A nil bus discards events.
func New(tokens Resolver, policy Policy, bus events.Publisher, opts ...Option) *Authenticator {
	if bus == nil {
		bus = events.Discard
	}
	a := &Authenticator{
		tokens:  tokens,
		policy:  policy,
		bus:     bus,
		usage:   true,
		now:     time.Now,
		timeout: defaultSideEffectTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate returns the identity behind req, a *Denial when the request
// must be refused, or another error when the token store could not be
// consulted.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (*Identity, error) {
	presented := ExtractCredential(req.Authorization, req.QueryToken)
	if presented == "" {
		return nil, denyMissing()
	}

	rec, err := a.tokens.Resolve(ctx, presented)
	if errors.Is(err, token.ErrNotFound) {
		a.logger.Debug("unknown token presented", "token", credential.Redact(presented), "endpoint", req.Endpoint)
		return nil, denyInvalid()
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", credential.Redact(presented), err)
	}

	now := a.now()
	if !a.tokens.IsValid(ctx, rec, now) {
		a.logger.Debug("inactive token presented", "token_id", rec.ID, "state", rec.State, "endpoint", req.Endpoint)
		return nil, denyInvalid()
	}

	if !a.policy.Allows(rec.Environment) {
		a.logger.Warn("token used outside its environment",
			"token_id", rec.ID, "environment", rec.Environment, "endpoint", req.Endpoint)
		return nil, denyEnvironment()
	}

	if req.RequiredScope != "" && !scope.Satisfies(rec.Scopes, req.RequiredScope) {
		return nil, DenyScope(req.RequiredScope)
	}

	a.recordUse(ctx, rec, req, now)

	return &Identity{OwnerID: rec.OwnerID, Token: rec}, nil
}

// Authorize checks an already authenticated identity against a further scope.
func Authorize(id *Identity, required string) error {
	if required == "" || scope.Satisfies(id.Token.Scopes, required) {
		return nil
	}
	return DenyScope(required)
}

// recordUse persists last-used and emits TokenUsed off the request path.
// Failures are logged and never affect the decision.
func (a *Authenticator) recordUse(ctx context.Context, rec *models.TokenRecord, req Request, now time.Time) {
	used := events.Used(rec, req.IP, req.UserAgent, req.Endpoint, now)
	tokenID := rec.ID

	a.sideEffect.Add(1)
	go func() {
		defer a.sideEffect.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		if err := a.tokens.Touch(ctx, used.Token, now); err != nil {
			a.logger.Warn("failed to record token use", "token_id", tokenID, "error", err)
		}
		if a.usage {
			a.bus.Publish(ctx, used)
		}
	}()
}

// Close waits for outstanding usage side effects or until ctx is done.
func (a *Authenticator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.sideEffect.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExtractCredential prefers a bearer Authorization header and falls back to
// the query parameter value. The scheme is matched case-insensitively.
func ExtractCredential(authorization, query string) string {
	if scheme, value, ok := strings.Cut(strings.TrimSpace(authorization), " "); ok && strings.EqualFold(scheme, "Bearer") {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return strings.TrimSpace(query)
}
