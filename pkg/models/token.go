// Package models contains shared data models used across the Bastion codebase.
package models

import (
	"time"
)

// Environment isolates test credentials from live ones.
type Environment string

const (
	EnvironmentTest Environment = "test"
	EnvironmentLive Environment = "live"
)

// Environments lists every valid environment in display order.
var Environments = []Environment{EnvironmentTest, EnvironmentLive}

// ParseEnvironment converts external input (CLI flags, request bodies) into an
// Environment.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvironmentTest, EnvironmentLive:
		return Environment(s), nil
	}
	return "", &ValidationError{Field: "environment", Value: s, Allowed: environmentValues()}
}

// IsProduction reports whether tokens of this environment are live credentials.
func (e Environment) IsProduction() bool {
	return e == EnvironmentLive
}

func (e Environment) Label() string {
	switch e {
	case EnvironmentTest:
		return "Test Environment"
	case EnvironmentLive:
		return "Live Environment"
	}
	return string(e)
}

func environmentValues() []string {
	out := make([]string, len(Environments))
	for i, e := range Environments {
		out[i] = string(e)
	}
	return out
}

// TokenType classifies a credential. The short code embedded in the presented
// token is for human recognition only and is never trusted.
type TokenType string

const (
	TokenTypePublic     TokenType = "public"
	TokenTypeSecret     TokenType = "secret"
	TokenTypeRestricted TokenType = "restricted"
)

var TokenTypes = []TokenType{TokenTypePublic, TokenTypeSecret, TokenTypeRestricted}

func ParseTokenType(s string) (TokenType, error) {
	switch TokenType(s) {
	case TokenTypePublic, TokenTypeSecret, TokenTypeRestricted:
		return TokenType(s), nil
	}
	values := make([]string, len(TokenTypes))
	for i, t := range TokenTypes {
		values[i] = string(t)
	}
	return "", &ValidationError{Field: "type", Value: s, Allowed: values}
}

// Code returns the two-letter code embedded in presented tokens.
func (t TokenType) Code() string {
	switch t {
	case TokenTypePublic:
		return "pk"
	case TokenTypeSecret:
		return "sk"
	case TokenTypeRestricted:
		return "rk"
	}
	return ""
}

func (t TokenType) Label() string {
	switch t {
	case TokenTypePublic:
		return "Public Key"
	case TokenTypeSecret:
		return "Secret Key"
	case TokenTypeRestricted:
		return "Restricted Key"
	}
	return string(t)
}

func (t TokenType) Description() string {
	switch t {
	case TokenTypePublic:
		return "Limited access, safe for client-side use"
	case TokenTypeSecret:
		return "Full access, must be kept secure"
	case TokenTypeRestricted:
		return "Scoped access with specific permissions"
	}
	return ""
}

// TokenState is the lifecycle state of a token record.
type TokenState string

const (
	TokenStateActive  TokenState = "active"
	TokenStateRevoked TokenState = "revoked"
)

// Metadata keys stamped on a record created by rotation.
const (
	MetadataRotatedFrom = "rotated_from"
	MetadataRotatedAt   = "rotated_at"
)

// TokenRecord represents one issued credential. The plaintext token is shown
// once at issuance; only the keyed hash is stored.
type TokenRecord struct {
	ID          int64          `db:"id"           json:"id"`
	OwnerID     string         `db:"owner_id"     json:"owner_id"`
	Name        string         `db:"name"         json:"name"`
	TokenPrefix string         `db:"token_prefix" json:"token_prefix"`
	TokenHash   string         `db:"token_hash"   json:"-"`
	Environment Environment    `db:"environment"  json:"environment"`
	Type        TokenType      `db:"type"         json:"type"`
	Scopes      []string       `db:"scopes"       json:"scopes"`
	Metadata    map[string]any `db:"metadata"     json:"metadata,omitempty"`
	State       TokenState     `db:"-"            json:"state"`
	LastUsedAt  *time.Time     `db:"last_used_at" json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time     `db:"expires_at"   json:"expires_at,omitempty"`
	RevokedAt   *time.Time     `db:"deleted_at"   json:"revoked_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"   json:"updated_at"`
}

// IsRevoked reports whether the record has been soft-deleted.
func (t *TokenRecord) IsRevoked() bool {
	return t.State == TokenStateRevoked
}

// IsExpired reports whether the record carries an expiry that lies before now.
// A record without an expiry never expires.
func (t *TokenRecord) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// MarkRevoked moves the record into the revoked state.
func (t *TokenRecord) MarkRevoked(at time.Time) {
	t.State = TokenStateRevoked
	t.RevokedAt = &at
}
