package models

import "time"

// AuditAction classifies what an audited request or event did.
type AuditAction string

const (
	AuditActionRead   AuditAction = "read"
	AuditActionCreate AuditAction = "create"
	AuditActionUpdate AuditAction = "update"
	AuditActionDelete AuditAction = "delete"
	AuditActionOther  AuditAction = "other"
)

// AuditLogEntry is an append-only record of one authorization or lifecycle
// event. Entries are never updated after creation.
type AuditLogEntry struct {
	ID             int64          `db:"id"               json:"id"`
	ActorID        *string        `db:"actor_id"         json:"actor_id,omitempty"`
	TokenID        *int64         `db:"token_id"         json:"token_id,omitempty"`
	Action         AuditAction    `db:"action"           json:"action"`
	ResourceType   *string        `db:"resource_type"    json:"resource_type,omitempty"`
	ResourceID     *int64         `db:"resource_id"      json:"resource_id,omitempty"`
	Method         string         `db:"method"           json:"method"`
	Endpoint       string         `db:"endpoint"         json:"endpoint"`
	StatusCode     int            `db:"status_code"      json:"status_code"`
	IPAddress      string         `db:"ip_address"       json:"ip_address"`
	UserAgent      string         `db:"user_agent"       json:"user_agent"`
	Environment    Environment    `db:"environment"      json:"environment"`
	Changes        map[string]any `db:"changes"          json:"changes,omitempty"`
	Metadata       map[string]any `db:"metadata"         json:"metadata,omitempty"`
	ResponseTimeMS int64          `db:"response_time_ms" json:"response_time_ms"`
	ErrorMessage   *string        `db:"error_message"    json:"error_message,omitempty"`
	CreatedAt      time.Time      `db:"created_at"       json:"created_at"`
}
