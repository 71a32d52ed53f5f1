package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/bastion/internal/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]string{"name": "test"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "test", data["name"])
}

func TestCreated(t *testing.T) {
	w := httptest.NewRecorder()
	response.Created(w, map[string]string{"id": "abc"})

	assert.Equal(t, http.StatusCreated, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "abc", data["id"])
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	items := []map[string]string{{"id": "1"}, {"id": "2"}}

	response.Collection(w, items, len(items))

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"], 2)
	assert.Equal(t, float64(2), body["meta"].(map[string]any)["total"])
}

func TestProblems_RFC7807(t *testing.T) {
	p := response.NewProblems(true, "https://example.com/errors")
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/v1/tokens?api_key=secret", nil)

	p.Write(w, r, response.Problem{
		Code:       "insufficient_scope",
		Status:     http.StatusForbidden,
		Title:      "Forbidden",
		Detail:     "Missing required scope: tokens:write",
		Extensions: map[string]any{"required_scope": "tokens:write", "status": 999},
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	body := decode(t, w)
	assert.Equal(t, "https://example.com/errors/insufficient_scope", body["type"])
	assert.Equal(t, "Forbidden", body["title"])
	assert.Equal(t, float64(403), body["status"], "extensions never override reserved members")
	assert.Equal(t, "Missing required scope: tokens:write", body["detail"])
	assert.Equal(t, "/api/v1/tokens", body["instance"])
	assert.Equal(t, "tokens:write", body["required_scope"])
}

func TestProblems_BaseURLTrailingSlash(t *testing.T) {
	p := response.NewProblems(true, "https://example.com/errors///")
	w := httptest.NewRecorder()
	p.Internal(w, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, "https://example.com/errors/internal_error", decode(t, w)["type"])
}

func TestProblems_Legacy(t *testing.T) {
	p := response.NewProblems(false, "")
	w := httptest.NewRecorder()

	p.Write(w, httptest.NewRequest("GET", "/", nil), response.Problem{
		Code:       "token_invalid",
		Status:     http.StatusUnauthorized,
		Title:      "Unauthenticated",
		Detail:     "Invalid or expired API token",
		Extensions: map[string]any{"hint": "rotate"},
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	body := decode(t, w)
	assert.Equal(t, "Unauthenticated", body["error"])
	assert.Equal(t, "Invalid or expired API token", body["message"])
	assert.Equal(t, "rotate", body["hint"])
	assert.NotContains(t, body, "type")
}

func TestProblems_Helpers(t *testing.T) {
	p := response.NewProblems(true, "")
	r := httptest.NewRequest("POST", "/api/v1/tokens", nil)

	w := httptest.NewRecorder()
	p.Internal(w, r)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "https://bastion.dev/errors/internal_error", decode(t, w)["type"])

	w = httptest.NewRecorder()
	p.NotFound(w, r, "Token not found")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Token not found", decode(t, w)["detail"])

	w = httptest.NewRecorder()
	p.Invalid(w, r, "environment", `invalid environment "prod"`, []string{"test", "live"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "environment", body["field"])
	assert.Equal(t, []any{"test", "live"}, body["allowed"])
}
