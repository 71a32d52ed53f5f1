package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kiranshivaraju/bastion/pkg/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements the Store interface on an embedded SQLite database.
// It backs local servers, the CLI and tests.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path. Pass an empty path
// or ":memory:" for a throwaway in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" || path == ":memory:" {
		dsn = ":memory:?_time_format=sqlite"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_time_format=sqlite"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite serializes writers; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			token_prefix TEXT UNIQUE NOT NULL,
			token_hash TEXT UNIQUE NOT NULL,
			environment TEXT NOT NULL CHECK (environment IN ('test', 'live')),
			type TEXT NOT NULL CHECK (type IN ('public', 'secret', 'restricted')),
			scopes TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			last_used_at DATETIME,
			expires_at DATETIME,
			deleted_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_tokens_owner ON api_tokens(owner_id)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor_id TEXT,
			token_id INTEGER,
			action TEXT NOT NULL,
			resource_type TEXT,
			resource_id INTEGER,
			method TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '',
			changes TEXT,
			metadata TEXT,
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at)`,

		`CREATE TABLE IF NOT EXISTS webhook_endpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			url TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			environment TEXT NOT NULL CHECK (environment IN ('test', 'live')),
			is_active INTEGER NOT NULL DEFAULT 1,
			secret_hash TEXT NOT NULL,
			secret_prefix TEXT NOT NULL,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_success_at DATETIME,
			disabled_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_owner ON webhook_endpoints(owner_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// tokenRow maps 1:1 to api_tokens; scopes and metadata are JSON text.
type tokenRow struct {
	ID          int64      `db:"id"`
	OwnerID     string     `db:"owner_id"`
	Name        string     `db:"name"`
	TokenPrefix string     `db:"token_prefix"`
	TokenHash   string     `db:"token_hash"`
	Environment string     `db:"environment"`
	Type        string     `db:"type"`
	Scopes      string     `db:"scopes"`
	Metadata    string     `db:"metadata"`
	LastUsedAt  *time.Time `db:"last_used_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func tokenRowFromModel(t *models.TokenRecord) (tokenRow, error) {
	scopes, err := json.Marshal(nonNilStrings(t.Scopes))
	if err != nil {
		return tokenRow{}, fmt.Errorf("encode scopes: %w", err)
	}
	metadata, err := json.Marshal(emptyIfNil(t.Metadata))
	if err != nil {
		return tokenRow{}, fmt.Errorf("encode metadata: %w", err)
	}
	return tokenRow{
		ID:          t.ID,
		OwnerID:     t.OwnerID,
		Name:        t.Name,
		TokenPrefix: t.TokenPrefix,
		TokenHash:   t.TokenHash,
		Environment: string(t.Environment),
		Type:        string(t.Type),
		Scopes:      string(scopes),
		Metadata:    string(metadata),
		LastUsedAt:  utcPtr(t.LastUsedAt),
		ExpiresAt:   utcPtr(t.ExpiresAt),
		DeletedAt:   utcPtr(t.RevokedAt),
		CreatedAt:   t.CreatedAt.UTC(),
		UpdatedAt:   t.UpdatedAt.UTC(),
	}, nil
}

func (r tokenRow) toModel() (*models.TokenRecord, error) {
	t := &models.TokenRecord{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		TokenPrefix: r.TokenPrefix,
		TokenHash:   r.TokenHash,
		Environment: models.Environment(r.Environment),
		Type:        models.TokenType(r.Type),
		LastUsedAt:  r.LastUsedAt,
		ExpiresAt:   r.ExpiresAt,
		RevokedAt:   r.DeletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Scopes), &t.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	deriveState(t)
	return t, nil
}

func (s *SQLiteStore) CreateToken(ctx context.Context, t *models.TokenRecord) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.RevokedAt = nil

	row, err := tokenRowFromModel(t)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_tokens
		(owner_id, name, token_prefix, token_hash, environment, type, scopes, metadata, expires_at, created_at, updated_at)
		VALUES
		(:owner_id, :name, :token_prefix, :token_hash, :environment, :type, :scopes, :metadata, :expires_at, :created_at, :updated_at)`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		if isSQLiteUniqueError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert token: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get token id: %w", err)
	}
	t.ID = id
	t.Scopes = nonNilStrings(t.Scopes)
	t.Metadata = emptyIfNil(t.Metadata)
	t.State = models.TokenStateActive
	return nil
}

func (s *SQLiteStore) getToken(ctx context.Context, op, where string, arg any) (*models.TokenRecord, error) {
	var row tokenRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM api_tokens WHERE "+where, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return row.toModel()
}

func (s *SQLiteStore) selectTokens(ctx context.Context, op, query string, args ...any) ([]*models.TokenRecord, error) {
	var rows []tokenRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tokens := make([]*models.TokenRecord, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func (s *SQLiteStore) FindTokenByHash(ctx context.Context, hash string) (*models.TokenRecord, error) {
	return s.getToken(ctx, "find token by hash", "token_hash = ?", hash)
}

func (s *SQLiteStore) FindTokenByID(ctx context.Context, id int64) (*models.TokenRecord, error) {
	return s.getToken(ctx, "find token by id", "id = ?", id)
}

// FindTokenByPrefixOrID matches the prefix first, then a numeric id.
func (s *SQLiteStore) FindTokenByPrefixOrID(ctx context.Context, ref string) (*models.TokenRecord, error) {
	t, err := s.getToken(ctx, "find token by prefix", "token_prefix = ?", ref)
	if !errors.Is(err, ErrNotFound) {
		return t, err
	}
	id, convErr := strconv.ParseInt(ref, 10, 64)
	if convErr != nil {
		return nil, ErrNotFound
	}
	return s.FindTokenByID(ctx, id)
}

func (s *SQLiteStore) SoftDeleteToken(ctx context.Context, id int64, at time.Time) (bool, error) {
	at = at.UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_tokens SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL", at, at, id)
	if err != nil {
		return false, fmt.Errorf("soft delete token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete token rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateTokenLastUsed(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "update token last used",
		"UPDATE api_tokens SET last_used_at = ? WHERE id = ?", at.UTC(), id)
}

func (s *SQLiteStore) UpdateTokenMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	b, err := json.Marshal(emptyIfNil(metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return s.execOne(ctx, "update token metadata",
		"UPDATE api_tokens SET metadata = ?, updated_at = ? WHERE id = ?", string(b), time.Now().UTC(), id)
}

func (s *SQLiteStore) UpdateTokenExpiry(ctx context.Context, id int64, expiresAt *time.Time) error {
	return s.execOne(ctx, "update token expiry",
		"UPDATE api_tokens SET expires_at = ?, updated_at = ? WHERE id = ?", utcPtr(expiresAt), time.Now().UTC(), id)
}

func (s *SQLiteStore) ListExpiredTokens(ctx context.Context, before time.Time) ([]*models.TokenRecord, error) {
	return s.selectTokens(ctx, "list expired tokens",
		`SELECT * FROM api_tokens
		 WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY id`, before.UTC())
}

func (s *SQLiteStore) ListTokensUnusedSince(ctx context.Context, before time.Time) ([]*models.TokenRecord, error) {
	before = before.UTC()
	return s.selectTokens(ctx, "list unused tokens",
		`SELECT * FROM api_tokens
		 WHERE deleted_at IS NULL
		   AND (last_used_at < ? OR (last_used_at IS NULL AND created_at < ?))
		 ORDER BY id`, before, before)
}

func (s *SQLiteStore) ListTokensByOwner(ctx context.Context, ownerID string) ([]*models.TokenRecord, error) {
	return s.selectTokens(ctx, "list tokens by owner",
		`SELECT * FROM api_tokens WHERE owner_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC`, ownerID)
}

func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Audit logs
// ---------------------------------------------------------------------------

type auditRow struct {
	ID             int64          `db:"id"`
	ActorID        *string        `db:"actor_id"`
	TokenID        *int64         `db:"token_id"`
	Action         string         `db:"action"`
	ResourceType   *string        `db:"resource_type"`
	ResourceID     *int64         `db:"resource_id"`
	Method         string         `db:"method"`
	Endpoint       string         `db:"endpoint"`
	StatusCode     int            `db:"status_code"`
	IPAddress      string         `db:"ip_address"`
	UserAgent      string         `db:"user_agent"`
	Environment    string         `db:"environment"`
	Changes        sql.NullString `db:"changes"`
	Metadata       sql.NullString `db:"metadata"`
	ResponseTimeMS int64          `db:"response_time_ms"`
	ErrorMessage   *string        `db:"error_message"`
	CreatedAt      time.Time      `db:"created_at"`
}

func encodeNullableJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeNullableJSON(s sql.NullString) (map[string]any, error) {
	if !s.Valid {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *models.AuditLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	changes, err := encodeNullableJSON(e.Changes)
	if err != nil {
		return fmt.Errorf("encode audit changes: %w", err)
	}
	metadata, err := encodeNullableJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	row := auditRow{
		ActorID:        e.ActorID,
		TokenID:        e.TokenID,
		Action:         string(e.Action),
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		Method:         e.Method,
		Endpoint:       e.Endpoint,
		StatusCode:     e.StatusCode,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		Environment:    string(e.Environment),
		Changes:        changes,
		Metadata:       metadata,
		ResponseTimeMS: e.ResponseTimeMS,
		ErrorMessage:   e.ErrorMessage,
		CreatedAt:      e.CreatedAt.UTC(),
	}

	const q = `INSERT INTO audit_logs
		(actor_id, token_id, action, resource_type, resource_id, method, endpoint, status_code, ip_address,
		 user_agent, environment, changes, metadata, response_time_ms, error_message, created_at)
		VALUES
		(:actor_id, :token_id, :action, :resource_type, :resource_id, :method, :endpoint, :status_code, :ip_address,
		 :user_agent, :environment, :changes, :metadata, :response_time_ms, :error_message, :created_at)`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get audit log id: %w", err)
	}
	e.ID = id
	return nil
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error) {
	var conditions []string
	var args []any
	if filter.TokenID != nil {
		conditions = append(conditions, "token_id = ?")
		args = append(args, *filter.TokenID)
	}
	if filter.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT * FROM audit_logs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.limit())

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}

	entries := make([]*models.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		changes, err := decodeNullableJSON(r.Changes)
		if err != nil {
			return nil, fmt.Errorf("decode audit changes: %w", err)
		}
		metadata, err := decodeNullableJSON(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		entries = append(entries, &models.AuditLogEntry{
			ID:             r.ID,
			ActorID:        r.ActorID,
			TokenID:        r.TokenID,
			Action:         models.AuditAction(r.Action),
			ResourceType:   r.ResourceType,
			ResourceID:     r.ResourceID,
			Method:         r.Method,
			Endpoint:       r.Endpoint,
			StatusCode:     r.StatusCode,
			IPAddress:      r.IPAddress,
			UserAgent:      r.UserAgent,
			Environment:    models.Environment(r.Environment),
			Changes:        changes,
			Metadata:       metadata,
			ResponseTimeMS: r.ResponseTimeMS,
			ErrorMessage:   r.ErrorMessage,
			CreatedAt:      r.CreatedAt,
		})
	}
	return entries, nil
}

func (s *SQLiteStore) DeleteAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit logs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete audit logs rows affected: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Webhook endpoints
// ---------------------------------------------------------------------------

type webhookRow struct {
	ID            int64      `db:"id"`
	OwnerID       string     `db:"owner_id"`
	URL           string     `db:"url"`
	Events        string     `db:"events"`
	Environment   string     `db:"environment"`
	IsActive      bool       `db:"is_active"`
	SecretHash    string     `db:"secret_hash"`
	SecretPrefix  string     `db:"secret_prefix"`
	FailureCount  int        `db:"failure_count"`
	LastSuccessAt *time.Time `db:"last_success_at"`
	DisabledAt    *time.Time `db:"disabled_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (r webhookRow) toModel() (*models.WebhookEndpoint, error) {
	w := &models.WebhookEndpoint{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		URL:           r.URL,
		Environment:   models.Environment(r.Environment),
		IsActive:      r.IsActive,
		SecretHash:    r.SecretHash,
		SecretPrefix:  r.SecretPrefix,
		FailureCount:  r.FailureCount,
		LastSuccessAt: r.LastSuccessAt,
		DisabledAt:    r.DisabledAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Events), &w.Events); err != nil {
		return nil, fmt.Errorf("decode webhook events: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) CreateWebhookEndpoint(ctx context.Context, w *models.WebhookEndpoint) error {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.Events = nonNilStrings(w.Events)

	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("encode webhook events: %w", err)
	}
	row := webhookRow{
		OwnerID:      w.OwnerID,
		URL:          w.URL,
		Events:       string(events),
		Environment:  string(w.Environment),
		IsActive:     w.IsActive,
		SecretHash:   w.SecretHash,
		SecretPrefix: w.SecretPrefix,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	const q = `INSERT INTO webhook_endpoints
		(owner_id, url, events, environment, is_active, secret_hash, secret_prefix, created_at, updated_at)
		VALUES
		(:owner_id, :url, :events, :environment, :is_active, :secret_hash, :secret_prefix, :created_at, :updated_at)`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		if isSQLiteUniqueError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get webhook endpoint id: %w", err)
	}
	w.ID = id
	return nil
}

func (s *SQLiteStore) GetWebhookEndpoint(ctx context.Context, id int64) (*models.WebhookEndpoint, error) {
	var row webhookRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM webhook_endpoints WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get webhook endpoint: %w", err)
	}
	return row.toModel()
}

func (s *SQLiteStore) ListWebhookEndpoints(ctx context.Context, ownerID string) ([]*models.WebhookEndpoint, error) {
	var rows []webhookRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM webhook_endpoints WHERE owner_id = ? ORDER BY created_at DESC, id DESC", ownerID); err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}
	endpoints := make([]*models.WebhookEndpoint, 0, len(rows))
	for _, r := range rows {
		w, err := r.toModel()
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, w)
	}
	return endpoints, nil
}

func (s *SQLiteStore) RecordWebhookSuccess(ctx context.Context, id int64, at time.Time) error {
	at = at.UTC()
	return s.execOne(ctx, "record webhook success",
		"UPDATE webhook_endpoints SET failure_count = 0, last_success_at = ?, updated_at = ? WHERE id = ?", at, at, id)
}

func (s *SQLiteStore) IncrementWebhookFailures(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.QueryRowxContext(ctx,
		`UPDATE webhook_endpoints SET failure_count = failure_count + 1, updated_at = ?
		 WHERE id = ? RETURNING failure_count`, time.Now().UTC(), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment webhook failures: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) DisableWebhookEndpoint(ctx context.Context, id int64, at time.Time) error {
	at = at.UTC()
	return s.execOne(ctx, "disable webhook endpoint",
		"UPDATE webhook_endpoints SET is_active = 0, disabled_at = COALESCE(disabled_at, ?), updated_at = ? WHERE id = ?",
		at, at, id)
}

func isSQLiteUniqueError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
