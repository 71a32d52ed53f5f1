package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/bastion/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// TokenStore persists token records. Lookups return revoked records too; the
// caller decides validity. Records are soft-deleted, never removed.
type TokenStore interface {
	CreateToken(ctx context.Context, t *models.TokenRecord) error
	FindTokenByHash(ctx context.Context, hash string) (*models.TokenRecord, error)
	FindTokenByID(ctx context.Context, id int64) (*models.TokenRecord, error)
	FindTokenByPrefixOrID(ctx context.Context, ref string) (*models.TokenRecord, error)
	// SoftDeleteToken reports whether this call moved the record to revoked.
	SoftDeleteToken(ctx context.Context, id int64, at time.Time) (bool, error)
	UpdateTokenLastUsed(ctx context.Context, id int64, at time.Time) error
	UpdateTokenMetadata(ctx context.Context, id int64, metadata map[string]any) error
	UpdateTokenExpiry(ctx context.Context, id int64, expiresAt *time.Time) error
	ListExpiredTokens(ctx context.Context, before time.Time) ([]*models.TokenRecord, error)
	ListTokensUnusedSince(ctx context.Context, before time.Time) ([]*models.TokenRecord, error)
	ListTokensByOwner(ctx context.Context, ownerID string) ([]*models.TokenRecord, error)
}

// AuditStore is append-only apart from retention pruning.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error)
	DeleteAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type WebhookStore interface {
	CreateWebhookEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error
	GetWebhookEndpoint(ctx context.Context, id int64) (*models.WebhookEndpoint, error)
	ListWebhookEndpoints(ctx context.Context, ownerID string) ([]*models.WebhookEndpoint, error)
	RecordWebhookSuccess(ctx context.Context, id int64, at time.Time) error
	// IncrementWebhookFailures atomically bumps the counter and returns the new value.
	IncrementWebhookFailures(ctx context.Context, id int64) (int, error)
	DisableWebhookEndpoint(ctx context.Context, id int64, at time.Time) error
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	TokenStore
	AuditStore
	WebhookStore
}

// AuditFilter narrows ListAuditLogs. Zero values match everything; entries
// come back newest first.
type AuditFilter struct {
	TokenID *int64
	ActorID string
	Since   time.Time
	Limit   int
}

const defaultAuditLimit = 100

func (f AuditFilter) limit() int {
	if f.Limit <= 0 {
		return defaultAuditLimit
	}
	return f.Limit
}

// deriveState fills the domain lifecycle state from the persisted deleted_at.
func deriveState(t *models.TokenRecord) {
	if t.RevokedAt != nil {
		t.State = models.TokenStateRevoked
	} else {
		t.State = models.TokenStateActive
	}
}

func emptyIfNil[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
