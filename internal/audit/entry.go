package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

const Redacted = "[REDACTED]"

var sensitiveHeaders = []string{"Authorization", "Cookie", "X-Xsrf-Token", "X-Csrf-Token"}

var sensitiveFields = []string{"password", "password_confirmation", "token", "api_key"}

// ActionForMethod classifies an HTTP method.
func ActionForMethod(method string) models.AuditAction {
	switch strings.ToUpper(method) {
	case http.MethodGet:
		return models.AuditActionRead
	case http.MethodPost:
		return models.AuditActionCreate
	case http.MethodPut, http.MethodPatch:
		return models.AuditActionUpdate
	case http.MethodDelete:
		return models.AuditActionDelete
	}
	return models.AuditActionOther
}

// RedactHeaders returns a copy of h with credential-bearing headers masked.
// Keys are lower-cased.
func RedactHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = append([]string(nil), v...)
	}
	for _, k := range sensitiveHeaders {
		lk := strings.ToLower(k)
		if _, ok := out[lk]; ok {
			out[lk] = []string{Redacted}
		}
	}
	return out
}

// RedactBody decodes a JSON object body of a write request and drops secret
// fields. Other methods and non-object bodies yield an empty map.
func RedactBody(method string, body []byte) map[string]any {
	out := map[string]any{}
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return out
	}
	if len(body) == 0 || json.Unmarshal(body, &out) != nil {
		return map[string]any{}
	}
	for _, f := range sensitiveFields {
		delete(out, f)
	}
	return out
}

// ResourceFromRoute picks the first numeric chi URL parameter named
// "<type>_id" or "<type>ID" and returns its type and id.
func ResourceFromRoute(r *http.Request) (*string, *int64) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil, nil
	}
	for i, key := range rctx.URLParams.Keys {
		if i >= len(rctx.URLParams.Values) {
			break
		}
		var kind string
		switch {
		case strings.HasSuffix(key, "_id") && len(key) > 3:
			kind = strings.TrimSuffix(key, "_id")
		case strings.HasSuffix(key, "ID") && len(key) > 2:
			kind = strings.TrimSuffix(key, "ID")
		default:
			continue
		}
		id, err := strconv.ParseInt(rctx.URLParams.Values[i], 10, 64)
		if err != nil {
			continue
		}
		return &kind, &id
	}
	return nil, nil
}

// ErrorMessage extracts a human message from an error response. Successful
// statuses yield nil.
func ErrorMessage(status int, contentType string, body []byte) *string {
	if status < http.StatusBadRequest {
		return nil
	}
	if decoded, ok := decodeJSON(contentType, body); ok {
		for _, k := range []string{"message", "error", "detail", "title"} {
			if s, ok := decoded[k].(string); ok && s != "" {
				return &s
			}
		}
	}
	msg := http.StatusText(status)
	if msg == "" {
		msg = "Unknown error"
	}
	return &msg
}

// ResponseMetadata is stored with error entries.
func ResponseMetadata(status int, contentType string, body []byte) map[string]any {
	text := http.StatusText(status)
	if text == "" {
		text = "Unknown"
	}
	meta := map[string]any{"status": status, "statusText": text}
	if decoded, ok := decodeJSON(contentType, body); ok {
		meta["content"] = decoded
	}
	return meta
}

func decodeJSON(contentType string, body []byte) (map[string]any, bool) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(mediaType)
	if mediaType != "application/json" && mediaType != "application/problem+json" {
		return nil, false
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}
