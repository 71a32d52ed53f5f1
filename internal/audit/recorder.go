// Package audit builds redacted audit entries for authenticated requests and
// token lifecycle events and appends them off the request path.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/bastion/internal/events"
	"github.com/kiranshivaraju/bastion/internal/store"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

const (
	defaultAppendTimeout = 5 * time.Second
	resourceToken        = "token"
)

// Recorder appends audit entries asynchronously. Append failures are logged
// and never reach the caller.
type Recorder struct {
	store   store.AuditStore
	now     func() time.Time
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = l
	}
}

func NewRecorder(s store.AuditStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:   s,
		now:     time.Now,
		timeout: defaultAppendTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends entry in the background. The request context only
// contributes values; its cancellation does not abort the append.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditLogEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		if err := r.store.AppendAuditLog(ctx, entry); err != nil {
			r.logger.Error("failed to append audit log",
				"method", entry.Method, "endpoint", entry.Endpoint, "error", err)
		}
	}()
}

// HandleEvent records a lifecycle event synchronously. It is meant to be
// subscribed to the event dispatcher, which already runs it off the caller's
// goroutine. TokenUsed is skipped; the request entry covers it.
func (r *Recorder) HandleEvent(ctx context.Context, e events.Event) error {
	entry := EntryForEvent(e)
	if entry == nil {
		return nil
	}
	if err := r.store.AppendAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("append audit log for %s: %w", e.Type, err)
	}
	return nil
}

// EntryForEvent maps a lifecycle event to an audit entry, or nil for events
// that are not recorded.
func EntryForEvent(e events.Event) *models.AuditLogEntry {
	var action models.AuditAction
	switch e.Type {
	case events.TokenIssued:
		action = models.AuditActionCreate
	case events.TokenRotated:
		action = models.AuditActionUpdate
	case events.TokenRevoked:
		action = models.AuditActionDelete
	case events.TokenExpired:
		action = models.AuditActionOther
	default:
		return nil
	}
	if e.Token == nil {
		return nil
	}

	resource := resourceToken
	tokenID := e.Token.ID
	owner := e.Token.OwnerID
	meta := map[string]any{"event": string(e.Type), "event_id": e.ID.String()}
	changes := map[string]any{}
	switch e.Type {
	case events.TokenRevoked:
		if e.Reason != "" {
			changes["reason"] = e.Reason
		}
	case events.TokenRotated:
		if e.Replacement != nil {
			changes["replacement_id"] = e.Replacement.ID
			changes["replacement_prefix"] = e.Replacement.TokenPrefix
		}
	case events.TokenIssued:
		changes["name"] = e.Token.Name
		changes["scopes"] = e.Token.Scopes
	}

	return &models.AuditLogEntry{
		ActorID:      &owner,
		TokenID:      &tokenID,
		Action:       action,
		ResourceType: &resource,
		ResourceID:   &tokenID,
		Method:       "EVENT",
		Endpoint:     string(e.Type),
		Environment:  e.Token.Environment,
		Changes:      changes,
		Metadata:     meta,
		CreatedAt:    e.OccurredAt,
	}
}

func (r *Recorder) List(ctx context.Context, filter store.AuditFilter) ([]*models.AuditLogEntry, error) {
	return r.store.ListAuditLogs(ctx, filter)
}

// PruneBefore hard-deletes entries created before cutoff.
func (r *Recorder) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := r.store.DeleteAuditLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit logs: %w", err)
	}
	r.logger.Info("pruned audit logs", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// RetentionCutoff returns the cutoff for a retention period in days.
func RetentionCutoff(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, -days)
}

// Close waits for pending appends or until ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
