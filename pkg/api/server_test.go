package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden/pkg/apikey"
	"github.com/keywarden/keywarden/pkg/config"
	"github.com/keywarden/keywarden/pkg/observability"
	"github.com/keywarden/keywarden/pkg/storage"
)

type testServer struct {
	*Server
	store       *storage.MemoryStore
	adminSecret string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := storage.NewMemoryStore()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	registry := apikey.NewScopeRegistry()
	require.NoError(t, registry.RegisterResource("orders", "orders"))

	codec := apikey.NewKeyCodec()
	lifecycle := apikey.NewLifecycleManager(codec, store, registry, nil, logger)

	// Bootstrap an admin key the way an operator would
	_, adminSecret, err := lifecycle.Issue(context.Background(), apikey.IssueParams{
		Owner:         apikey.Owner{UserID: "admin"},
		Scopes:        []string{apikey.ScopeAdmin},
		ExpiresInDays: 30,
	})
	require.NoError(t, err)

	server := NewServer(Options{
		Repository:    store,
		Lifecycle:     lifecycle,
		Verifier:      apikey.NewVerifier(codec, store, nil),
		RateLimiter:   apikey.NewRateLimiter(store),
		UsageRecorder: apikey.NewUsageRecorder(store, logger),
		Authorizer:    apikey.NewScopeAuthorizer(registry),
		Defaults: config.KeysConfig{
			DefaultExpiryDays:           365,
			DefaultRotationOverlapHours: 24,
		},
		Logger: logger,
	})

	return &testServer{Server: server, store: store, adminSecret: adminSecret}
}

func (ts *testServer) request(t *testing.T, method, path, secret string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	r := httptest.NewRequest(method, path, reader)
	if secret != "" {
		r.Header.Set("Authorization", "Bearer "+secret)
	}
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, r)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestServer_IssueKey(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
		UserID: "u-1",
		Scopes: []string{"orders:read", "orders:write"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp IssuedKeyResponse
	decodeJSON(t, w, &resp)

	assert.True(t, strings.HasPrefix(resp.Secret, apikey.MarkerUserLive))
	assert.Len(t, resp.Secret, len(apikey.MarkerUserLive)+apikey.SecretLength)
	assert.Equal(t, "u-1", resp.Key.UserID)
	assert.Equal(t, apikey.KeyStateActive, resp.Key.State)
	assert.True(t, resp.Key.IsActive)
	assert.NotEmpty(t, resp.Key.Prefix)

	// The issued secret immediately authenticates
	w = ts.request(t, http.MethodGet, "/v1/verify", resp.Secret, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var verify VerifyResponse
	decodeJSON(t, w, &verify)
	assert.True(t, verify.Valid)
	assert.Equal(t, resp.Key.ID, verify.Key.ID)
	assert.Equal(t, []string{"orders:read", "orders:write"}, verify.Scopes)
	assert.Equal(t, int64(1), verify.Key.UsageCount)
}

func TestServer_IssueKey_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body IssueKeyRequest
	}{
		{"both owners", IssueKeyRequest{UserID: "u-1", AppName: "svc", Scopes: []string{"read"}}},
		{"no owner", IssueKeyRequest{Scopes: []string{"read"}}},
		{"no scopes", IssueKeyRequest{UserID: "u-1"}},
		{"unknown scope", IssueKeyRequest{UserID: "u-1", Scopes: []string{"made:up"}}},
		{"bad environment", IssueKeyRequest{UserID: "u-1", Scopes: []string{"read"}, Environment: "staging"}},
		{"negative expiry", IssueKeyRequest{UserID: "u-1", Scopes: []string{"read"}, ExpiresInDays: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestServer_ManagementRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)

	// Issue a non-admin key
	w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
		UserID: "u-1",
		Scopes: []string{"orders:read"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued IssuedKeyResponse
	decodeJSON(t, w, &issued)

	// Management endpoints reject it with 403
	w = ts.request(t, http.MethodGet, "/v1/keys?user_id=u-1", issued.Secret, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// But it can still verify itself
	w = ts.request(t, http.MethodGet, "/v1/verify", issued.Secret, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// No key at all: generic 401
	w = ts.request(t, http.MethodGet, "/v1/keys?user_id=u-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid API key")
}

func TestServer_ListKeys(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 2; i++ {
		w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
			UserID: "u-1",
			Scopes: []string{"orders:read"},
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := ts.request(t, http.MethodGet, "/v1/keys?user_id=u-1", ts.adminSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Keys []KeyResponse `json:"keys"`
	}
	decodeJSON(t, w, &resp)
	assert.Len(t, resp.Keys, 2)

	// Owner selector must be exactly one of user_id and app_name
	w = ts.request(t, http.MethodGet, "/v1/keys", ts.adminSecret, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.request(t, http.MethodGet, "/v1/keys?user_id=u-1&app_name=svc", ts.adminSecret, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_GetKey(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
		UserID: "u-1",
		Scopes: []string{"orders:read"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued IssuedKeyResponse
	decodeJSON(t, w, &issued)

	w = ts.request(t, http.MethodGet, "/v1/keys/"+issued.Key.ID, ts.adminSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got KeyResponse
	decodeJSON(t, w, &got)
	assert.Equal(t, issued.Key.ID, got.ID)
	assert.NotContains(t, w.Body.String(), "digest", "digest must never leave the server")

	w = ts.request(t, http.MethodGet, "/v1/keys/nope", ts.adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_RotateKey(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
		UserID: "u-1",
		Scopes: []string{"orders:read"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued IssuedKeyResponse
	decodeJSON(t, w, &issued)

	// No body: server defaults apply
	w = ts.request(t, http.MethodPost, "/v1/keys/"+issued.Key.ID+"/rotate", ts.adminSecret, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rotated IssuedKeyResponse
	decodeJSON(t, w, &rotated)
	assert.NotEqual(t, issued.Key.ID, rotated.Key.ID)
	assert.NotEqual(t, issued.Secret, rotated.Secret)
	assert.Equal(t, issued.Key.Scopes, rotated.Key.Scopes)

	// Old key remains valid through the grace window
	w = ts.request(t, http.MethodGet, "/v1/verify", issued.Secret, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Rotating the same key again conflicts
	w = ts.request(t, http.MethodPost, "/v1/keys/"+issued.Key.ID+"/rotate", ts.adminSecret, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Validation
	overlap := -1
	w = ts.request(t, http.MethodPost, "/v1/keys/"+rotated.Key.ID+"/rotate", ts.adminSecret,
		RotateKeyRequest{OverlapHours: &overlap})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.request(t, http.MethodPost, "/v1/keys/nope/rotate", ts.adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_RevokeKey(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
		UserID: "u-1",
		Scopes: []string{"orders:read"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued IssuedKeyResponse
	decodeJSON(t, w, &issued)

	w = ts.request(t, http.MethodDelete, "/v1/keys/"+issued.Key.ID, ts.adminSecret,
		RevokeKeyRequest{Reason: "compromised"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	// The revoked key now fails with the generic 401
	w = ts.request(t, http.MethodGet, "/v1/verify", issued.Secret, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid API key")

	// Revocation is idempotent
	w = ts.request(t, http.MethodDelete, "/v1/keys/"+issued.Key.ID, ts.adminSecret, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.request(t, http.MethodDelete, "/v1/keys/nope", ts.adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_BulkRevoke(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
			AppName: "batch-import",
			Scopes:  []string{"orders:read"},
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := ts.request(t, http.MethodPost, "/v1/keys/bulk-revoke", ts.adminSecret, BulkRevokeRequest{
		AppName: "batch-import",
		Reason:  "offboarded",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result apikey.BulkRevokeResult
	decodeJSON(t, w, &result)
	assert.Equal(t, 3, result.RevokedCount)
	assert.Empty(t, result.Failures)
}

func TestServer_BulkRevoke_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body BulkRevokeRequest
	}{
		{"no selector", BulkRevokeRequest{Reason: "x"}},
		{"expired with owner", BulkRevokeRequest{Expired: true, UserID: "u-1"}},
		{"both owners", BulkRevokeRequest{UserID: "u-1", AppName: "svc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.request(t, http.MethodPost, "/v1/keys/bulk-revoke", ts.adminSecret, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestServer_ListKeyUsage(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
		UserID: "u-1",
		Scopes: []string{"orders:read"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued IssuedKeyResponse
	decodeJSON(t, w, &issued)

	// Verifying through the API leaves a usage event behind
	w = ts.request(t, http.MethodGet, "/v1/verify", issued.Secret, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.request(t, http.MethodGet, "/v1/keys/"+issued.Key.ID+"/usage", ts.adminSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events []apikey.UsageEvent `json:"events"`
	}
	decodeJSON(t, w, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "/v1/verify", resp.Events[0].Endpoint)

	w = ts.request(t, http.MethodGet, "/v1/keys/nope/usage", ts.adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.request(t, http.MethodGet, "/v1/keys/"+issued.Key.ID+"/usage?limit=5000", ts.adminSecret, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_KeyRateLimitHeaders(t *testing.T) {
	ts := newTestServer(t)

	limit := 2
	w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
		UserID:           "u-1",
		Scopes:           []string{"orders:read"},
		RateLimitPerHour: &limit,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued IssuedKeyResponse
	decodeJSON(t, w, &issued)
	assert.Equal(t, 2, issued.Key.RateLimitPerHour)

	// First two verifications pass and carry limit headers; the recorded
	// usage then exhausts the budget
	for i := 0; i < 2; i++ {
		w = ts.request(t, http.MethodGet, "/v1/verify", issued.Secret, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w = ts.request(t, http.MethodGet, "/v1/verify", issued.Secret, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestServer_DeniedRequestsStillRecorded(t *testing.T) {
	ts := newTestServer(t)

	limit := 1
	w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
		UserID:           "u-1",
		Scopes:           []string{"orders:read"},
		RateLimitPerHour: &limit,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued IssuedKeyResponse
	decodeJSON(t, w, &issued)

	// Allowed, then throttled, then scope-denied
	w = ts.request(t, http.MethodGet, "/v1/verify", issued.Secret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.request(t, http.MethodGet, "/v1/verify", issued.Secret, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	w = ts.request(t, http.MethodGet, "/v1/keys?user_id=u-1", issued.Secret, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	// Every authenticated outcome lands in usage telemetry
	events, err := ts.store.ListUsage(context.Background(), issued.Key.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	statuses := map[int]int{}
	for _, ev := range events {
		statuses[ev.StatusCode]++
	}
	assert.Equal(t, map[int]int{200: 1, 429: 1, 403: 1}, statuses)
}

func TestServer_IPDenialRecorded(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/v1/keys", ts.adminSecret, IssueKeyRequest{
		UserID:     "u-1",
		Scopes:     []string{"orders:read"},
		AllowedIPs: []string{"10.0.0.1"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var issued IssuedKeyResponse
	decodeJSON(t, w, &issued)

	w = ts.request(t, http.MethodGet, "/v1/verify", issued.Secret, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	events, err := ts.store.ListUsage(context.Background(), issued.Key.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusForbidden, events[0].StatusCode)
}

func TestServer_RequestIDHeader(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/v1/verify", ts.adminSecret, nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
