// Package events defines the token lifecycle events and a best-effort
// dispatcher that delivers them to registered subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

// Type names a lifecycle event.
type Type string

const (
	TokenIssued  Type = "token.issued"
	TokenUsed    Type = "token.used"
	TokenRevoked Type = "token.revoked"
	TokenRotated Type = "token.rotated"
	TokenExpired Type = "token.expired"
)

// Types lists every lifecycle event type.
var Types = []Type{TokenIssued, TokenUsed, TokenRevoked, TokenRotated, TokenExpired}

// ParseType reports whether s names a known event type.
func ParseType(s string) (Type, bool) {
	for _, t := range Types {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Event is a single lifecycle notification. Only the fields relevant to Type
// are set.
type Event struct {
	ID         uuid.UUID           `json:"id"`
	Type       Type                `json:"type"`
	OccurredAt time.Time           `json:"occurred_at"`
	Token      *models.TokenRecord `json:"token"`

	// TokenRotated. PlainTextToken reaches in-process subscribers only and is
	// never serialized.
	Replacement    *models.TokenRecord `json:"replacement,omitempty"`
	PlainTextToken string              `json:"-"`

	// TokenRevoked
	Reason string `json:"reason,omitempty"`

	// TokenUsed
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// newEvent snapshots token so asynchronous subscribers never observe later
// mutations of the caller's record.
func newEvent(t Type, token *models.TokenRecord, at time.Time) Event {
	return Event{
		ID:         uuid.Must(uuid.NewV7()),
		Type:       t,
		OccurredAt: at,
		Token:      snapshot(token),
	}
}

func snapshot(token *models.TokenRecord) *models.TokenRecord {
	if token == nil {
		return nil
	}
	cp := *token
	return &cp
}

// Issued builds a TokenIssued event.
func Issued(token *models.TokenRecord, at time.Time) Event {
	return newEvent(TokenIssued, token, at)
}

// Used builds a TokenUsed event with request metadata.
func Used(token *models.TokenRecord, ip, userAgent, endpoint string, at time.Time) Event {
	e := newEvent(TokenUsed, token, at)
	e.IPAddress = ip
	e.UserAgent = userAgent
	e.Endpoint = endpoint
	return e
}

func Revoked(token *models.TokenRecord, reason string, at time.Time) Event {
	e := newEvent(TokenRevoked, token, at)
	e.Reason = reason
	return e
}

// Rotated builds a TokenRotated event.
func Rotated(old, replacement *models.TokenRecord, plainText string, at time.Time) Event {
	e := newEvent(TokenRotated, old, at)
	e.Replacement = snapshot(replacement)
	e.PlainTextToken = plainText
	return e
}

func Expired(token *models.TokenRecord, at time.Time) Event {
	return newEvent(TokenExpired, token, at)
}
