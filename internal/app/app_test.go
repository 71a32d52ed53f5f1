package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/bastion/internal/app"
	"github.com/kiranshivaraju/bastion/internal/config"
	"github.com/kiranshivaraju/bastion/internal/events"
	"github.com/kiranshivaraju/bastion/internal/scope"
	"github.com/kiranshivaraju/bastion/internal/store"
	"github.com/kiranshivaraju/bastion/internal/token"
	"github.com/kiranshivaraju/bastion/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 8080, Env: "development", LogLevel: "info"},
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, URL: ":memory:"},
		Auth:     config.AuthConfig{AppKey: "base64:c2VjcmV0LWtleS1mb3ItdGVzdHM="},
		Security: config.SecurityConfig{
			PreventTestTokensInProduction: true,
			EnableAuditLogging:            true,
		},
		Errors:     config.ErrorsConfig{UseRFC7807: true, BaseURL: "https://bastion.dev/errors/"},
		Webhooks:   config.WebhooksConfig{MaxFailures: 10, Timeout: 5 * time.Second},
		Audit:      config.AuditConfig{RetentionDays: 90},
		RateLimits: config.RateLimitConfig{Test: 100, Live: 60, IP: 300},
	}
}

func newApp(t *testing.T, cfg *config.Config) (*app.App, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), cfg, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, a.Close(context.Background()))
	})
	return a, srv
}

func call(t *testing.T, srv *httptest.Server, method, path, plain, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	if plain != "" {
		req.Header.Set("Authorization", "Bearer "+plain)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func issue(t *testing.T, a *app.App, env models.Environment, scopes ...string) (*models.TokenRecord, string) {
	t.Helper()
	rec, plain, err := a.Tokens.Issue(context.Background(), token.IssueParams{
		Owner:       token.OwnerID("user-1"),
		Name:        "ci",
		Environment: env,
		Type:        models.TokenTypeSecret,
		Scopes:      scopes,
	})
	require.NoError(t, err)
	return rec, plain
}

func TestNew_MissingSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.AppKey = ""
	_, err := app.New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_KEY")
}

func TestHealth_CacheDisabled(t *testing.T) {
	_, srv := newApp(t, testConfig())

	status, body := call(t, srv, "GET", "/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	services := body["data"].(map[string]any)["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "disabled", services["cache"])
}

func TestTokenLifecycleOverHTTP(t *testing.T) {
	a, srv := newApp(t, testConfig())

	admin, adminPlain := issue(t, a, models.EnvironmentTest, scope.TokensRead, scope.TokensWrite)
	_, readerPlain := issue(t, a, models.EnvironmentTest, scope.TokensRead)

	// whoami
	status, body := call(t, srv, "GET", "/api/v1/whoami", adminPlain, "")
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "user-1", data["owner_id"])
	assert.Equal(t, "Test Environment", data["environment_label"])

	// missing scope
	status, body = call(t, srv, "POST", "/api/v1/tokens", readerPlain, `{"name":"x"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "https://bastion.dev/errors/insufficient_scope", body["type"])
	assert.Equal(t, scope.TokensWrite, body["required_scope"])

	// issue through the API
	status, body = call(t, srv, "POST", "/api/v1/tokens", adminPlain,
		`{"name":"deploy","scopes":["tokens:read"]}`)
	require.Equal(t, http.StatusCreated, status)
	issued := body["data"].(map[string]any)
	plain := issued["plain_text_token"].(string)
	assert.True(t, strings.HasPrefix(plain, "app_test_sk_"))

	status, _ = call(t, srv, "GET", "/api/v1/tokens", plain, "")
	assert.Equal(t, http.StatusOK, status)

	// rotate the admin token; the old plaintext stops working
	status, body = call(t, srv, "POST", fmt.Sprintf("/api/v1/tokens/%d/rotate", admin.ID), adminPlain, "")
	require.Equal(t, http.StatusCreated, status)
	rotatedPlain := body["data"].(map[string]any)["plain_text_token"].(string)

	status, body = call(t, srv, "GET", "/api/v1/whoami", adminPlain, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid or expired API token", body["detail"])

	status, _ = call(t, srv, "GET", "/api/v1/whoami", rotatedPlain, "")
	assert.Equal(t, http.StatusOK, status)

	// revoke the API-issued token
	tokenID := int64(issued["token"].(map[string]any)["id"].(float64))
	status, body = call(t, srv, "DELETE", fmt.Sprintf("/api/v1/tokens/%d?reason=compromised", tokenID), rotatedPlain, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "revoked", body["data"].(map[string]any)["state"])

	status, _ = call(t, srv, "GET", "/api/v1/whoami", plain, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	require.NoError(t, a.Authenticator.Close(context.Background()))
	require.NoError(t, a.Events.Close(context.Background()))
	require.NoError(t, a.Audit.Close(context.Background()))

	entries, err := a.Audit.List(context.Background(), store.AuditFilter{ActorID: "user-1", Limit: 500})
	require.NoError(t, err)
	var requests, revocations int
	for _, e := range entries {
		if e.Method == "EVENT" && e.Endpoint == "token.revoked" {
			revocations++
		}
		if e.Method != "EVENT" {
			requests++
		}
	}
	assert.Equal(t, 2, revocations, "rotation and manual revoke")
	assert.Positive(t, requests)
}

func TestScopeDenialDoesNotRecordUse(t *testing.T) {
	a, srv := newApp(t, testConfig())

	var used atomic.Int32
	a.Events.Subscribe("count", func(_ context.Context, e events.Event) error {
		if e.Type == events.TokenUsed {
			used.Add(1)
		}
		return nil
	})

	denied, deniedPlain := issue(t, a, models.EnvironmentTest, "users:read")
	allowed, allowedPlain := issue(t, a, models.EnvironmentTest, scope.TokensRead)

	status, body := call(t, srv, "GET", "/api/v1/tokens", deniedPlain, "")
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "https://bastion.dev/errors/insufficient_scope", body["type"])

	status, _ = call(t, srv, "GET", "/api/v1/tokens", allowedPlain, "")
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, a.Authenticator.Close(context.Background()))
	require.NoError(t, a.Events.Close(context.Background()))

	got, err := a.Tokens.Get(context.Background(), denied.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastUsedAt, "denied request must not touch the token")

	got, err = a.Tokens.Get(context.Background(), allowed.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	assert.Equal(t, int32(1), used.Load(), "only the allowed request emits token.used")
}

func TestOwnerIsolation(t *testing.T) {
	a, srv := newApp(t, testConfig())

	_, plain := issue(t, a, models.EnvironmentTest, scope.TokensWrite)
	other, _, err := a.Tokens.Issue(context.Background(), token.IssueParams{
		Owner:       token.OwnerID("user-2"),
		Name:        "theirs",
		Environment: models.EnvironmentTest,
		Type:        models.TokenTypeSecret,
	})
	require.NoError(t, err)

	status, body := call(t, srv, "DELETE", fmt.Sprintf("/api/v1/tokens/%d", other.ID), plain, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Token not found", body["detail"])
}

func TestEnvironmentIsolation(t *testing.T) {
	a, srv := newApp(t, testConfig())
	_, livePlain := issue(t, a, models.EnvironmentLive, scope.Admin)

	status, body := call(t, srv, "GET", "/api/v1/whoami", livePlain, "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "https://bastion.dev/errors/environment_mismatch", body["type"])

	cfg := testConfig()
	cfg.Server.Env = "production"
	b, prodSrv := newApp(t, cfg)
	_, prodLive := issue(t, b, models.EnvironmentLive, scope.Admin)
	status, _ = call(t, prodSrv, "GET", "/api/v1/whoami", prodLive, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestLegacyErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Errors.UseRFC7807 = false
	_, srv := newApp(t, cfg)

	status, body := call(t, srv, "GET", "/api/v1/whoami", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthenticated", body["error"])
	assert.NotContains(t, body, "type")
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.Server.CORSOrigins = []string{"https://app.example.com"}
	_, srv := newApp(t, cfg)

	req, err := http.NewRequest("OPTIONS", srv.URL+"/api/v1/whoami", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
