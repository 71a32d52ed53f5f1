package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/kiranshivaraju/bastion/internal/audit"
	"github.com/kiranshivaraju/bastion/internal/authn"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

const maxAuditBody = 64 << 10

// AuditRecorder accepts finished audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLogEntry)
}

// Audit records one entry per request once the response is written. It must
// wrap Authenticate so that denied requests are recorded too.
func Audit(rec AuditRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var reqBody []byte
			if r.Body != nil && audit.ActionForMethod(r.Method) != models.AuditActionRead {
				reqBody, _ = io.ReadAll(io.LimitReader(r.Body, maxAuditBody))
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(reqBody), r.Body))
			}

			ctx, slot := withIdentitySlot(r.Context())
			r = r.WithContext(ctx)
			sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK, limit: maxAuditBody}

			next.ServeHTTP(sw, r)

			rec.Record(r.Context(), buildEntry(r, slot.id, sw, reqBody, time.Since(start)))
		})
	}
}

func buildEntry(r *http.Request, id *authn.Identity, sw *statusRecorder, reqBody []byte, elapsed time.Duration) *models.AuditLogEntry {
	contentType := sw.Header().Get("Content-Type")
	metadata := map[string]any{
		"headers": audit.RedactHeaders(r.Header),
		"query":   redactQuery(r),
	}
	if rid := GetRequestID(r.Context()); rid != "" {
		metadata["request_id"] = rid
	}
	if sw.status >= http.StatusBadRequest {
		metadata["response"] = audit.ResponseMetadata(sw.status, contentType, sw.body)
	}

	entry := &models.AuditLogEntry{
		Action:         audit.ActionForMethod(r.Method),
		Method:         r.Method,
		Endpoint:       r.URL.Path,
		StatusCode:     sw.status,
		IPAddress:      ClientIP(r),
		UserAgent:      r.UserAgent(),
		Changes:        audit.RedactBody(r.Method, reqBody),
		Metadata:       metadata,
		ResponseTimeMS: elapsed.Milliseconds(),
		ErrorMessage:   audit.ErrorMessage(sw.status, contentType, sw.body),
	}
	entry.ResourceType, entry.ResourceID = audit.ResourceFromRoute(r)
	// Unauthenticated requests carry no environment.
	if id != nil {
		owner, tokenID := id.OwnerID, id.Token.ID
		entry.ActorID = &owner
		entry.TokenID = &tokenID
		entry.Environment = id.Token.Environment
	}
	return entry
}

func redactQuery(r *http.Request) map[string][]string {
	q := r.URL.Query()
	if q.Has(QueryTokenParam) {
		q.Set(QueryTokenParam, audit.Redacted)
	}
	return q
}
