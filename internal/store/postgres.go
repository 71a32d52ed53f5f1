package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tokens ---

const tokenColumns = `id, owner_id, name, token_prefix, token_hash, environment, type, scopes, metadata,
	last_used_at, expires_at, deleted_at, created_at, updated_at`

func scanToken(row pgx.Row) (*models.TokenRecord, error) {
	var t models.TokenRecord
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.TokenPrefix, &t.TokenHash,
		&t.Environment, &t.Type, &t.Scopes, &t.Metadata,
		&t.LastUsedAt, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	deriveState(&t)
	return &t, nil
}

func (s *PostgresStore) queryTokens(ctx context.Context, op, query string, args ...any) ([]*models.TokenRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var tokens []*models.TokenRecord
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) CreateToken(ctx context.Context, t *models.TokenRecord) error {
	now := time.Now().UTC()
	t.Scopes = nonNilStrings(t.Scopes)
	t.Metadata = emptyIfNil(t.Metadata)

	err := s.pool.QueryRow(ctx,
		`INSERT INTO api_tokens (owner_id, name, token_prefix, token_hash, environment, type, scopes, metadata, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 RETURNING id, created_at, updated_at`,
		t.OwnerID, t.Name, t.TokenPrefix, t.TokenHash, t.Environment, t.Type,
		t.Scopes, t.Metadata, utcPtr(t.ExpiresAt), now,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create token: %w", err)
	}
	t.State = models.TokenStateActive
	t.RevokedAt = nil
	return nil
}

func (s *PostgresStore) FindTokenByHash(ctx context.Context, hash string) (*models.TokenRecord, error) {
	t, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE token_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find token by hash: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) FindTokenByID(ctx context.Context, id int64) (*models.TokenRecord, error) {
	t, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find token by id: %w", err)
	}
	return t, nil
}

// FindTokenByPrefixOrID matches the prefix first, then a numeric id.
func (s *PostgresStore) FindTokenByPrefixOrID(ctx context.Context, ref string) (*models.TokenRecord, error) {
	t, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE token_prefix = $1`, ref))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find token by prefix: %w", err)
	}

	id, convErr := strconv.ParseInt(ref, 10, 64)
	if convErr != nil {
		return nil, ErrNotFound
	}
	return s.FindTokenByID(ctx, id)
}

func (s *PostgresStore) SoftDeleteToken(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_tokens SET deleted_at = $2, updated_at = $2
		 WHERE id = $1 AND deleted_at IS NULL`, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("soft delete token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateTokenLastUsed(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "update token last used",
		`UPDATE api_tokens SET last_used_at = $2 WHERE id = $1`, id, at.UTC())
}

func (s *PostgresStore) UpdateTokenMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	return s.execOne(ctx, "update token metadata",
		`UPDATE api_tokens SET metadata = $2, updated_at = NOW() WHERE id = $1`, id, emptyIfNil(metadata))
}

func (s *PostgresStore) UpdateTokenExpiry(ctx context.Context, id int64, expiresAt *time.Time) error {
	return s.execOne(ctx, "update token expiry",
		`UPDATE api_tokens SET expires_at = $2, updated_at = NOW() WHERE id = $1`, id, utcPtr(expiresAt))
}

func (s *PostgresStore) ListExpiredTokens(ctx context.Context, before time.Time) ([]*models.TokenRecord, error) {
	return s.queryTokens(ctx, "list expired tokens",
		`SELECT `+tokenColumns+` FROM api_tokens
		 WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at < $1
		 ORDER BY id`, before.UTC())
}

func (s *PostgresStore) ListTokensUnusedSince(ctx context.Context, before time.Time) ([]*models.TokenRecord, error) {
	return s.queryTokens(ctx, "list unused tokens",
		`SELECT `+tokenColumns+` FROM api_tokens
		 WHERE deleted_at IS NULL
		   AND (last_used_at < $1 OR (last_used_at IS NULL AND created_at < $1))
		 ORDER BY id`, before.UTC())
}

func (s *PostgresStore) ListTokensByOwner(ctx context.Context, ownerID string) ([]*models.TokenRecord, error) {
	return s.queryTokens(ctx, "list tokens by owner",
		`SELECT `+tokenColumns+` FROM api_tokens
		 WHERE owner_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC`, ownerID)
}

func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Audit Logs ---

func (s *PostgresStore) AppendAuditLog(ctx context.Context, e *models.AuditLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_logs (actor_id, token_id, action, resource_type, resource_id, method, endpoint,
		   status_code, ip_address, user_agent, environment, changes, metadata, response_time_ms, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id`,
		e.ActorID, e.TokenID, e.Action, e.ResourceType, e.ResourceID, e.Method, e.Endpoint,
		e.StatusCode, e.IPAddress, e.UserAgent, e.Environment, e.Changes, e.Metadata,
		e.ResponseTimeMS, e.ErrorMessage, e.CreatedAt.UTC(),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.TokenID != nil {
		conditions = append(conditions, fmt.Sprintf("token_id = $%d", argIdx))
		args = append(args, *filter.TokenID)
		argIdx++
	}
	if filter.ActorID != "" {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", argIdx))
		args = append(args, filter.ActorID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.Since.UTC())
		argIdx++
	}

	query := `SELECT id, actor_id, token_id, action, resource_type, resource_id, method, endpoint,
		status_code, ip_address, user_agent, environment, changes, metadata, response_time_ms, error_message, created_at
		FROM audit_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIdx)
	args = append(args, filter.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.TokenID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Method, &e.Endpoint, &e.StatusCode, &e.IPAddress, &e.UserAgent, &e.Environment,
			&e.Changes, &e.Metadata, &e.ResponseTimeMS, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) DeleteAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Webhook Endpoints ---

const webhookColumns = `id, owner_id, url, events, environment, is_active, secret_hash, secret_prefix,
	failure_count, last_success_at, disabled_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (*models.WebhookEndpoint, error) {
	var w models.WebhookEndpoint
	if err := row.Scan(&w.ID, &w.OwnerID, &w.URL, &w.Events, &w.Environment, &w.IsActive,
		&w.SecretHash, &w.SecretPrefix, &w.FailureCount, &w.LastSuccessAt, &w.DisabledAt,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) CreateWebhookEndpoint(ctx context.Context, w *models.WebhookEndpoint) error {
	now := time.Now().UTC()
	w.Events = nonNilStrings(w.Events)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO webhook_endpoints (owner_id, url, events, environment, is_active, secret_hash, secret_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 RETURNING id, created_at, updated_at`,
		w.OwnerID, w.URL, w.Events, w.Environment, w.IsActive, w.SecretHash, w.SecretPrefix, now,
	).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create webhook endpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWebhookEndpoint(ctx context.Context, id int64) (*models.WebhookEndpoint, error) {
	w, err := scanWebhook(s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_endpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook endpoint: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) ListWebhookEndpoints(ctx context.Context, ownerID string) ([]*models.WebhookEndpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhook_endpoints WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*models.WebhookEndpoint
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook endpoint: %w", err)
		}
		endpoints = append(endpoints, w)
	}
	return endpoints, rows.Err()
}

func (s *PostgresStore) RecordWebhookSuccess(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "record webhook success",
		`UPDATE webhook_endpoints SET failure_count = 0, last_success_at = $2, updated_at = $2 WHERE id = $1`,
		id, at.UTC())
}

func (s *PostgresStore) IncrementWebhookFailures(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE webhook_endpoints SET failure_count = failure_count + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING failure_count`, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment webhook failures: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DisableWebhookEndpoint(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "disable webhook endpoint",
		`UPDATE webhook_endpoints SET is_active = FALSE, disabled_at = COALESCE(disabled_at, $2), updated_at = $2
		 WHERE id = $1`, id, at.UTC())
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
