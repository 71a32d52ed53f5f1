package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/bastion/internal/events"
	"github.com/kiranshivaraju/bastion/internal/store"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

// Signature header names.
const (
	HeaderSignature = "X-Bastion-Signature"
	HeaderTimestamp = "X-Bastion-Timestamp"
)

// ErrInvalidSignature is returned by VerifyRequest when the signature headers
// are missing, malformed, stale or do not match.
var ErrInvalidSignature = errors.New("invalid webhook signature")

const maxVerifyBody = 1 << 20

// Service persists webhook endpoints and their delivery outcomes.
type Service struct {
	store       store.WebhookStore
	maxFailures int
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Service)

// WithMaxFailures sets the consecutive failure count that disables an endpoint.
func WithMaxFailures(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxFailures = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func NewService(s store.WebhookStore, opts ...Option) *Service {
	svc := &Service{
		store:       s,
		maxFailures: DefaultMaxFailures,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// CreateEndpoint registers a delivery target and returns it with the one-time
// plaintext signing secret.
func (s *Service) CreateEndpoint(ctx context.Context, ownerID, rawURL string, eventNames []string, env models.Environment) (*models.WebhookEndpoint, string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, "", &models.ValidationError{Field: "owner", Reason: "owner is required"}
	}
	if err := ValidateURL(rawURL); err != nil {
		return nil, "", err
	}
	if _, err := models.ParseEnvironment(string(env)); err != nil {
		return nil, "", err
	}
	subscribed, err := normalizeEvents(eventNames)
	if err != nil {
		return nil, "", err
	}

	secret, err := CreateSecret()
	if err != nil {
		return nil, "", err
	}

	ep := &models.WebhookEndpoint{
		OwnerID:      ownerID,
		URL:          rawURL,
		Events:       subscribed,
		Environment:  env,
		IsActive:     true,
		SecretHash:   secret.Hash,
		SecretPrefix: secret.Prefix,
	}
	if err := s.store.CreateWebhookEndpoint(ctx, ep); err != nil {
		return nil, "", fmt.Errorf("create webhook endpoint: %w", err)
	}
	return ep, secret.Plaintext, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.WebhookEndpoint, error) {
	return s.store.GetWebhookEndpoint(ctx, id)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]*models.WebhookEndpoint, error) {
	return s.store.ListWebhookEndpoints(ctx, ownerID)
}

// RecordSuccess persists a successful delivery to ep.
func (s *Service) RecordSuccess(ctx context.Context, ep *models.WebhookEndpoint) error {
	now := s.now()
	if err := s.store.RecordWebhookSuccess(ctx, ep.ID, now); err != nil {
		return fmt.Errorf("record webhook success: %w", err)
	}
	RecordDeliverySuccess(ep, now)
	return nil
}

// RecordFailure persists a failed delivery and disables ep once the failure
// ceiling is reached. It reports whether ep was disabled by this call.
func (s *Service) RecordFailure(ctx context.Context, ep *models.WebhookEndpoint) (bool, error) {
	count, err := s.store.IncrementWebhookFailures(ctx, ep.ID)
	if err != nil {
		return false, fmt.Errorf("record webhook failure: %w", err)
	}
	now := s.now()
	ep.FailureCount = count - 1
	disabled := RecordDeliveryFailure(ep, s.maxFailures, now)
	if !disabled {
		return false, nil
	}

	if err := s.store.DisableWebhookEndpoint(ctx, ep.ID, now); err != nil {
		return false, fmt.Errorf("disable webhook endpoint: %w", err)
	}
	s.logger.Warn("webhook endpoint disabled after repeated failures",
		"endpoint_id", ep.ID, "failures", count)
	return true, nil
}

// SignatureHeaders returns the headers a delivery of payload must carry.
func SignatureHeaders(payload []byte, secretHash string, now time.Time) http.Header {
	ts := now.Unix()
	h := http.Header{}
	h.Set(HeaderSignature, Sign(payload, secretHash, ts))
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	return h
}

// VerifyRequest reads the body of an inbound delivery and checks its
// signature headers. The body is returned so the caller can decode it.
func VerifyRequest(r *http.Request, secretHash string, now time.Time) ([]byte, error) {
	sig := r.Header.Get(HeaderSignature)
	rawTS := r.Header.Get(HeaderTimestamp)
	if sig == "" || rawTS == "" {
		return nil, ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxVerifyBody))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	if !Verify(payload, sig, ts, secretHash, now) {
		return nil, ErrInvalidSignature
	}
	return payload, nil
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &models.ValidationError{Field: "url", Value: raw, Reason: "must be an absolute http or https URL"}
	}
	return nil
}

func normalizeEvents(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		if _, ok := events.ParseType(n); !ok && n != "*" {
			allowed := []string{"*"}
			for _, t := range events.Types {
				allowed = append(allowed, string(t))
			}
			return nil, &models.ValidationError{Field: "event", Value: n, Allowed: allowed}
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}
