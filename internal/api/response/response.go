package response

import (
	"encoding/json"
	"net/http"
	"strings"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta CollectionMeta `json:"meta"`
}

type CollectionMeta struct {
	Total int `json:"total"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, "application/json", envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, "application/json", envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, total int) {
	writeJSON(w, http.StatusOK, "application/json", collectionEnvelope{Data: data, Meta: CollectionMeta{Total: total}})
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Problem is a machine-readable error. Code becomes the last segment of the
// RFC 7807 type URI.
type Problem struct {
	Code       string
	Status     int
	Title      string
	Detail     string
	Extensions map[string]any
}

// Error codes shared by handlers and middleware.
const (
	CodeInternal    = "internal_error"
	CodeValidation  = "validation_error"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limit_exceeded"
	CodeUnavailable = "service_unavailable"
)

const (
	problemContentType  = "application/problem+json"
	defaultProblemsBase = "https://bastion.dev/errors/"
)

var reservedProblemKeys = map[string]bool{
	"type": true, "title": true, "status": true, "detail": true, "instance": true,
}

// Problems renders Problem values either as RFC 7807 problem details or in
// the legacy {error, message} shape.
type Problems struct {
	rfc7807 bool
	baseURL string
}

func NewProblems(rfc7807 bool, baseURL string) *Problems {
	if baseURL == "" {
		baseURL = defaultProblemsBase
	}
	return &Problems{rfc7807: rfc7807, baseURL: strings.TrimRight(baseURL, "/") + "/"}
}

func (p *Problems) Write(w http.ResponseWriter, r *http.Request, prob Problem) {
	if !p.rfc7807 {
		body := map[string]any{}
		for k, v := range prob.Extensions {
			body[k] = v
		}
		body["error"] = prob.Title
		body["message"] = prob.Detail
		writeJSON(w, prob.Status, "application/json", body)
		return
	}

	body := map[string]any{}
	for k, v := range prob.Extensions {
		if !reservedProblemKeys[k] {
			body[k] = v
		}
	}
	body["type"] = p.baseURL + prob.Code
	body["title"] = prob.Title
	body["status"] = prob.Status
	body["detail"] = prob.Detail
	body["instance"] = r.URL.Path
	writeJSON(w, prob.Status, problemContentType, body)
}

func (p *Problems) Internal(w http.ResponseWriter, r *http.Request) {
	p.Write(w, r, Problem{
		Code:   CodeInternal,
		Status: http.StatusInternalServerError,
		Title:  "Internal Server Error",
		Detail: "An unexpected error occurred",
	})
}

func (p *Problems) NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	p.Write(w, r, Problem{
		Code:   CodeNotFound,
		Status: http.StatusNotFound,
		Title:  "Not Found",
		Detail: detail,
	})
}

// Invalid reports a malformed request. field may be empty.
func (p *Problems) Invalid(w http.ResponseWriter, r *http.Request, field, detail string, allowed []string) {
	ext := map[string]any{}
	if field != "" {
		ext["field"] = field
	}
	if len(allowed) > 0 {
		ext["allowed"] = allowed
	}
	p.Write(w, r, Problem{
		Code:       CodeValidation,
		Status:     http.StatusBadRequest,
		Title:      "Bad Request",
		Detail:     detail,
		Extensions: ext,
	})
}
