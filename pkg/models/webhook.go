package models

import "time"

// WebhookEndpoint is a delivery target for signed event payloads. The signing
// secret is returned once at creation; only its SHA-256 digest is stored.
type WebhookEndpoint struct {
	ID            int64       `db:"id"              json:"id"`
	OwnerID       string      `db:"owner_id"        json:"owner_id"`
	URL           string      `db:"url"             json:"url"`
	Events        []string    `db:"events"          json:"events"`
	Environment   Environment `db:"environment"     json:"environment"`
	IsActive      bool        `db:"is_active"       json:"is_active"`
	SecretHash    string      `db:"secret_hash"     json:"-"`
	SecretPrefix  string      `db:"secret_prefix"   json:"secret_prefix"`
	FailureCount  int         `db:"failure_count"   json:"failure_count"`
	LastSuccessAt *time.Time  `db:"last_success_at" json:"last_success_at,omitempty"`
	DisabledAt    *time.Time  `db:"disabled_at"     json:"disabled_at,omitempty"`
	CreatedAt     time.Time   `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"      json:"updated_at"`
}

// Subscribes reports whether the endpoint wants the named event. An endpoint
// with no events listed receives everything.
func (w *WebhookEndpoint) Subscribes(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}
