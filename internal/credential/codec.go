// Package credential generates bearer token material and derives the keyed
// digest that is stored in place of the token.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/kiranshivaraju/bastion/pkg/models"
	"golang.org/x/crypto/hkdf"
)

const (
	// TokenBytes is the amount of entropy drawn for every token.
	TokenBytes = 32
	// PrefixLen is the number of encoded characters used as the token prefix.
	PrefixLen = 8

	tokenScheme = "app"
	hashInfo    = "bastion token hash"
)

// Credential is the output of Generate. Token is the only copy of the
// plaintext and must be handed to the caller exactly once.
type Credential struct {
	Token  string
	Hash   string
	Prefix string
}

// Codec generates and hashes presented tokens under a server-held key.
// A Codec is safe for concurrent use.
type Codec struct {
	key  []byte
	rand io.Reader
}

// Option customizes a Codec.
type Option func(*Codec)

// WithRandom replaces the entropy source. Intended for tests.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		c.rand = r
	}
}

// NewCodec derives the token hashing key from the server secret. It refuses to
// build a codec without a secret.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, &ConfigurationError{Setting: "APP_KEY", Reason: "server secret key is required for token hashing"}
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hashInfo)), key); err != nil {
		return nil, fmt.Errorf("derive hashing key: %w", err)
	}

	c := &Codec{key: key, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ParseSecret decodes an application secret. Values prefixed with "base64:"
// are decoded; anything else is used verbatim.
func ParseSecret(raw string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(raw, "base64:"); ok {
		b, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, &ConfigurationError{Setting: "APP_KEY", Reason: "invalid base64 secret: " + err.Error()}
		}
		return b, nil
	}
	return []byte(raw), nil
}

// Generate draws fresh token material for the given environment and type.
func (c *Codec) Generate(env models.Environment, typ models.TokenType) (Credential, error) {
	raw := make([]byte, TokenBytes)
	var body string
	for len(body) < PrefixLen {
		if _, err := io.ReadFull(c.rand, raw); err != nil {
			return Credential{}, fmt.Errorf("read random bytes: %w", err)
		}
		body = encodeBody(raw)
	}

	token := fmt.Sprintf("%s_%s_%s_%s", tokenScheme, env, typ.Code(), body)

	return Credential{
		Token:  token,
		Hash:   c.Hash(token),
		Prefix: body[:PrefixLen],
	}, nil
}

// Hash returns the hex HMAC-SHA256 of a presented token. The same function is
// used at issuance and at lookup.
func (c *Codec) Hash(token string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// encodeBody base64-encodes raw and strips the characters that are not
// URL-safe, leaving an alphanumeric body.
func encodeBody(raw []byte) string {
	enc := base64.StdEncoding.EncodeToString(raw)
	return strings.NewReplacer("+", "", "/", "", "=", "").Replace(enc)
}

// Parsed is the display breakdown of a presented token.
type Parsed struct {
	Environment string
	TypeCode    string
	Body        string
}

// Describe splits a presented token into its display fields. The result is
// for logs and debugging only; authorization always goes through Hash.
func Describe(token string) (Parsed, bool) {
	parts := strings.SplitN(token, "_", 4)
	if len(parts) != 4 || parts[0] != tokenScheme || parts[3] == "" {
		return Parsed{}, false
	}
	return Parsed{Environment: parts[1], TypeCode: parts[2], Body: parts[3]}, true
}

// Redact returns a form of the token that is safe to log.
func Redact(token string) string {
	p, ok := Describe(token)
	if !ok || len(p.Body) < PrefixLen {
		return "[REDACTED]"
	}
	return fmt.Sprintf("%s_%s_%s_%s...", tokenScheme, p.Environment, p.TypeCode, p.Body[:PrefixLen])
}
