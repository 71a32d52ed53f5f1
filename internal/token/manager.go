// Package token implements the token lifecycle: issuance, resolution,
// validity, usage tracking, revocation, rotation and maintenance pruning.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/kiranshivaraju/bastion/internal/credential"
	"github.com/kiranshivaraju/bastion/internal/events"
	"github.com/kiranshivaraju/bastion/internal/store"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

// ErrNotFound is returned when no record matches a presented token or reference.
var ErrNotFound = store.ErrNotFound

// Revocation reasons recorded on TokenRevoked events.
const (
	ReasonRotated = "rotated"
	ReasonPruned  = "pruned"
	ReasonManual  = "manual"
)

const maxIssueAttempts = 3

// Owner is any identity that can hold tokens.
type Owner interface {
	TokenOwnerID() string
}

// OwnerID is an Owner identified by an opaque string.
type OwnerID string

func (o OwnerID) TokenOwnerID() string { return string(o) }

// IssueParams describes a token to issue. A nil ExpiresAt falls back to the
// manager's default TTL, if any.
type IssueParams struct {
	Owner       Owner
	Name        string
	Environment models.Environment
	Type        models.TokenType
	Scopes      []string
	ExpiresAt   *time.Time
	Metadata    map[string]any
}

// Manager owns the token lifecycle. It holds no mutable state of its own and
// is safe for concurrent use.
type Manager struct {
	store      store.TokenStore
	codec      *credential.Codec
	bus        events.Publisher
	now        func() time.Time
	defaultTTL time.Duration
	logger     *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDefaultTTL sets the lifetime applied when IssueParams.ExpiresAt is nil.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.defaultTTL = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager. A nil bus discards events.
func NewManager(s store.TokenStore, codec *credential.Codec, bus events.Publisher, opts ...Option) *Manager {
	if bus == nil {
		bus = events.Discard
	}
	m := &Manager{
		store:  s,
		codec:  codec,
		bus:    bus,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates a token and returns the record together with the plaintext,
// which is never retrievable again.
func (m *Manager) Issue(ctx context.Context, p IssueParams) (*models.TokenRecord, string, error) {
	if err := p.validate(); err != nil {
		return nil, "", err
	}

	expiresAt := p.ExpiresAt
	if expiresAt == nil && m.defaultTTL > 0 {
		at := m.now().Add(m.defaultTTL)
		expiresAt = &at
	}

	rec := &models.TokenRecord{
		OwnerID:     p.Owner.TokenOwnerID(),
		Name:        p.Name,
		Environment: p.Environment,
		Type:        p.Type,
		Scopes:      slices.Clone(p.Scopes),
		Metadata:    maps.Clone(p.Metadata),
		ExpiresAt:   expiresAt,
	}
	if rec.Scopes == nil {
		rec.Scopes = []string{}
	}

	plain, err := m.create(ctx, rec)
	if err != nil {
		return nil, "", err
	}

	m.bus.Publish(ctx, events.Issued(rec, m.now()))
	return rec, plain, nil
}

// create draws credentials until the store accepts a unique prefix and hash.
func (m *Manager) create(ctx context.Context, rec *models.TokenRecord) (string, error) {
	var lastErr error
	for range maxIssueAttempts {
		cred, err := m.codec.Generate(rec.Environment, rec.Type)
		if err != nil {
			return "", fmt.Errorf("generate credential: %w", err)
		}
		rec.TokenHash = cred.Hash
		rec.TokenPrefix = cred.Prefix

		err = m.store.CreateToken(ctx, rec)
		if err == nil {
			return cred.Token, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return "", fmt.Errorf("create token: %w", err)
		}
		lastErr = err
		m.logger.Warn("token credential collision, retrying", "owner_id", rec.OwnerID)
	}
	return "", fmt.Errorf("create token after %d attempts: %w", maxIssueAttempts, lastErr)
}

func (p IssueParams) validate() error {
	if p.Owner == nil || strings.TrimSpace(p.Owner.TokenOwnerID()) == "" {
		return &models.ValidationError{Field: "owner", Reason: "owner is required"}
	}
	if strings.TrimSpace(p.Name) == "" {
		return &models.ValidationError{Field: "name", Reason: "name is required"}
	}
	if _, err := models.ParseEnvironment(string(p.Environment)); err != nil {
		return err
	}
	if _, err := models.ParseTokenType(string(p.Type)); err != nil {
		return err
	}
	for _, s := range p.Scopes {
		if strings.TrimSpace(s) == "" {
			return &models.ValidationError{Field: "scope", Value: s, Reason: "scopes must not be blank"}
		}
	}
	return nil
}

// Resolve finds the record matching a presented token by exact keyed digest.
// Revoked and expired records are returned; use IsValid to decide.
func (m *Manager) Resolve(ctx context.Context, presented string) (*models.TokenRecord, error) {
	if presented == "" {
		return nil, ErrNotFound
	}
	rec, err := m.store.FindTokenByHash(ctx, m.codec.Hash(presented))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	return rec, nil
}

// IsValid reports whether rec may authenticate at now. Detecting an expired
// record emits TokenExpired.
func (m *Manager) IsValid(ctx context.Context, rec *models.TokenRecord, now time.Time) bool {
	if rec.IsRevoked() {
		return false
	}
	if rec.IsExpired(now) {
		m.bus.Publish(ctx, events.Expired(rec, now))
		return false
	}
	return true
}

// Touch records a use of rec. Concurrent touches are last-write-wins.
func (m *Manager) Touch(ctx context.Context, rec *models.TokenRecord, now time.Time) error {
	if err := m.store.UpdateTokenLastUsed(ctx, rec.ID, now); err != nil {
		return fmt.Errorf("touch token %d: %w", rec.ID, err)
	}
	return nil
}

// Revoke permanently disables rec. Revoking an already revoked record is a
// no-op and emits nothing.
func (m *Manager) Revoke(ctx context.Context, rec *models.TokenRecord, reason string) error {
	_, err := m.revoke(ctx, rec, reason)
	return err
}

func (m *Manager) revoke(ctx context.Context, rec *models.TokenRecord, reason string) (bool, error) {
	if rec.IsRevoked() {
		return false, nil
	}

	now := m.now()
	changed, err := m.store.SoftDeleteToken(ctx, rec.ID, now)
	if err != nil {
		return false, fmt.Errorf("revoke token %d: %w", rec.ID, err)
	}
	rec.MarkRevoked(now)
	if !changed {
		// A concurrent revoke already won and emitted the event.
		return false, nil
	}

	if reason == "" {
		reason = ReasonManual
	}
	m.bus.Publish(ctx, events.Revoked(rec, reason, now))
	return true, nil
}

// Rotate issues a replacement for old carrying the same name, environment,
// type, scopes and expiry, then revokes old. If the revocation fails both
// tokens remain valid and the replacement is returned along with the error.
func (m *Manager) Rotate(ctx context.Context, old *models.TokenRecord) (*models.TokenRecord, string, error) {
	if old.IsRevoked() {
		return nil, "", &models.ValidationError{Field: "token", Value: old.TokenPrefix, Reason: "revoked tokens cannot be rotated"}
	}

	now := m.now()
	metadata := maps.Clone(old.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[models.MetadataRotatedFrom] = old.ID
	metadata[models.MetadataRotatedAt] = now.UTC().Format(time.RFC3339)

	rec := &models.TokenRecord{
		OwnerID:     old.OwnerID,
		Name:        old.Name,
		Environment: old.Environment,
		Type:        old.Type,
		Scopes:      slices.Clone(old.Scopes),
		Metadata:    metadata,
		ExpiresAt:   old.ExpiresAt,
	}
	if rec.Scopes == nil {
		rec.Scopes = []string{}
	}

	plain, err := m.create(ctx, rec)
	if err != nil {
		return nil, "", fmt.Errorf("rotate token %d: %w", old.ID, err)
	}

	m.bus.Publish(ctx, events.Rotated(old, rec, plain, now))

	if err := m.Revoke(ctx, old, ReasonRotated); err != nil {
		return rec, plain, fmt.Errorf("rotate token %d: revoke previous: %w", old.ID, err)
	}
	return rec, plain, nil
}

// Get finds a token by its numeric id.
func (m *Manager) Get(ctx context.Context, id int64) (*models.TokenRecord, error) {
	rec, err := m.store.FindTokenByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token %d: %w", id, err)
	}
	return rec, nil
}

// Lookup finds a token by prefix or numeric id, for administrative callers.
func (m *Manager) Lookup(ctx context.Context, ref string) (*models.TokenRecord, error) {
	rec, err := m.store.FindTokenByPrefixOrID(ctx, strings.TrimSpace(ref))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	return rec, nil
}

// ListForOwner returns the owner's active tokens, newest first.
func (m *Manager) ListForOwner(ctx context.Context, owner Owner) ([]*models.TokenRecord, error) {
	recs, err := m.store.ListTokensByOwner(ctx, owner.TokenOwnerID())
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return recs, nil
}

// RevokeAllForOwner revokes every active token of owner and returns how many
// this call revoked.
func (m *Manager) RevokeAllForOwner(ctx context.Context, owner Owner, reason string) (int, error) {
	recs, err := m.ListForOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	return m.revokeAll(ctx, recs, reason)
}

// PruneExpired revokes active tokens whose expiry lies before now.
func (m *Manager) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	recs, err := m.store.ListExpiredTokens(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired tokens: %w", err)
	}
	return m.revokeAll(ctx, recs, ReasonPruned)
}

// PruneUnused revokes active tokens not used since the cutoff. Tokens never
// used count from their creation time.
func (m *Manager) PruneUnused(ctx context.Context, since time.Time) (int, error) {
	recs, err := m.store.ListTokensUnusedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list unused tokens: %w", err)
	}
	return m.revokeAll(ctx, recs, ReasonPruned)
}

func (m *Manager) revokeAll(ctx context.Context, recs []*models.TokenRecord, reason string) (int, error) {
	count := 0
	for _, rec := range recs {
		changed, err := m.revoke(ctx, rec, reason)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}
