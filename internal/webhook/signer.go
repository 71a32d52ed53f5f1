// Package webhook issues webhook signing secrets, signs and verifies payloads,
// and keeps per-endpoint delivery bookkeeping.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/kiranshivaraju/bastion/pkg/models"
)

const (
	SecretPrefix    = "whsec_"
	secretRandomLen = 32
	displayLen      = 8

	// ReplayWindow bounds the accepted skew between a signed timestamp and
	// the verifier's clock.
	ReplayWindow = 300 * time.Second

	DefaultMaxFailures = 10
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Secret is a freshly created signing secret. Plaintext is returned once and
// never stored.
type Secret struct {
	Plaintext string
	Hash      string
	Prefix    string
}

// CreateSecret draws a new signing secret from crypto/rand.
func CreateSecret() (Secret, error) {
	return createSecret(rand.Reader)
}

func createSecret(r io.Reader) (Secret, error) {
	body, err := randomAlphanumeric(r, secretRandomLen)
	if err != nil {
		return Secret{}, fmt.Errorf("create webhook secret: %w", err)
	}
	plain := SecretPrefix + body
	return Secret{
		Plaintext: plain,
		Hash:      HashSecret(plain),
		Prefix:    plain[len(SecretPrefix) : len(SecretPrefix)+displayLen],
	}, nil
}

// HashSecret returns the hex SHA-256 digest stored for a plaintext secret.
func HashSecret(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// randomAlphanumeric rejects bytes above the largest multiple of the alphabet
// size so every character is equally likely.
func randomAlphanumeric(r io.Reader, n int) (string, error) {
	const limit = 256 - 256%len(alphanumeric)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphanumeric[int(b)%len(alphanumeric)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Sign returns the hex HMAC-SHA256 of "{ts}.{payload}" keyed by the stored
// secret hash.
func Sign(payload []byte, secretHash string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secretHash))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against payload and ts. Timestamps outside the
// replay window are rejected before any comparison.
func Verify(payload []byte, signature string, ts int64, secretHash string, now time.Time) bool {
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(ReplayWindow/time.Second) {
		return false
	}
	expected := Sign(payload, secretHash, ts)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// RecordDeliverySuccess resets the failure streak. It never re-activates a
// disabled endpoint.
func RecordDeliverySuccess(ep *models.WebhookEndpoint, now time.Time) {
	ep.FailureCount = 0
	ep.LastSuccessAt = &now
	ep.UpdatedAt = now
}

// RecordDeliveryFailure counts a failed delivery and disables the endpoint
// once maxFailures is reached. It reports whether this call disabled it.
func RecordDeliveryFailure(ep *models.WebhookEndpoint, maxFailures int, now time.Time) bool {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	ep.FailureCount++
	ep.UpdatedAt = now
	if ep.FailureCount >= maxFailures && ep.IsActive {
		ep.IsActive = false
		ep.DisabledAt = &now
		return true
	}
	return false
}
