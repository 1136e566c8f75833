package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verigate/api-gate/internal/config"
	"github.com/verigate/api-gate/internal/models"
	"github.com/verigate/api-gate/internal/storage"
	"github.com/verigate/api-gate/internal/verify"
)

const testAdminPassword = "test-password"

// stubVerifier substitutes the upstream automation service in handlers.
type stubVerifier struct {
	challenge    *verify.Challenge
	challengeErr error
	result       *verify.Result
	verifyErr    error
}

func (v *stubVerifier) FetchChallenge(ctx context.Context) (*verify.Challenge, error) {
	return v.challenge, v.challengeErr
}

func (v *stubVerifier) Verify(ctx context.Context, req verify.Request) (*verify.Result, error) {
	return v.result, v.verifyErr
}

func newTestServer(t *testing.T, verifier verify.Runner) *Server {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Server:   config.ServerConfig{Mode: gin.TestMode},
		Security: config.SecurityConfig{AdminPassword: testAdminPassword},
		Defaults: config.DefaultsConfig{KeyExpiryDays: 30, HitLimit: 1000},
	}

	srv, err := New(cfg, zap.NewNop(), store, verifier)
	require.NoError(t, err)
	return srv
}

func (s *Server) storeTestKey(t *testing.T) *models.APIKey {
	t.Helper()

	key := &models.APIKey{
		ID:             "k1",
		Secret:         "secret-1",
		OwnerName:      "Owner",
		ExpiryDate:     "2099-12-31 11:59:59 PM",
		HitLimit:       1000,
		AllowedOrigins: []string{},
		CreatedAt:      "2025-01-01 09:00:00 AM",
		Active:         true,
	}
	require.NoError(t, s.keys.Upsert(context.Background(), key))
	return key
}

func doRequest(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Token": generateToken(testAdminPassword)}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ==================== Gated API ====================

func TestGatedEndpoint_RequiresKey(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})

	w := doRequest(s, http.MethodGet, "/api/captcha", nil, nil)
	assert.Equal(t, 401, w.Code)
	assert.Equal(t, "API key is required", decodeBody(t, w)["error"])
}

func TestGatedEndpoint_RejectsUnknownKey(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})

	w := doRequest(s, http.MethodGet, "/api/captcha", nil, map[string]string{"X-API-Key": "nope"})
	assert.Equal(t, 401, w.Code)
	assert.Equal(t, "Invalid API key", decodeBody(t, w)["error"])
}

func TestGetChallenge(t *testing.T) {
	s := newTestServer(t, &stubVerifier{
		challenge: &verify.Challenge{Image: []byte("png-bytes"), Token: "tok-123"},
	})
	s.storeTestKey(t)

	w := doRequest(s, http.MethodGet, "/api/captcha", nil, map[string]string{"X-API-Key": "secret-1"})
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "tok-123", w.Header().Get("X-Captcha-Token"))
	assert.Equal(t, "png-bytes", w.Body.String())
}

func TestVerifyRecord_Success(t *testing.T) {
	s := newTestServer(t, &stubVerifier{
		result: &verify.Result{Name: "John Smith", RecordNumber: "12345", DateOfBirth: "01/03/1998"},
	})
	s.storeTestKey(t)

	w := doRequest(s, http.MethodPost, "/api/verify", verify.Request{
		RecordNumber:    "12345",
		DateOfBirth:     "1998-03-01",
		ChallengeAnswer: "abc12",
	}, map[string]string{"X-API-Key": "secret-1"})
	assert.Equal(t, 200, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "John Smith", data["nameEn"])

	// Usage was metered and the verified subject landed in the audit trail
	key, err := s.keys.FindByID(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), key.HitsUsed)

	entries, total, err := s.activity.Page(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "John Smith", entries[0].Detail.SubjectName)
	assert.True(t, entries[0].Success)
}

func TestVerifyRecord_MissingFields(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})
	s.storeTestKey(t)

	w := doRequest(s, http.MethodPost, "/api/verify", verify.Request{RecordNumber: "12345"},
		map[string]string{"X-API-Key": "secret-1"})
	assert.Equal(t, 400, w.Code)
}

func TestVerifyRecord_ValidationError(t *testing.T) {
	s := newTestServer(t, &stubVerifier{
		verifyErr: &verify.ValidationError{Text: "Invalid captcha"},
	})
	s.storeTestKey(t)

	w := doRequest(s, http.MethodPost, "/api/verify", verify.Request{
		RecordNumber:    "12345",
		DateOfBirth:     "1998-03-01",
		ChallengeAnswer: "wrong",
	}, map[string]string{"X-API-Key": "secret-1"})
	assert.Equal(t, 200, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Invalid captcha", body["error"])
}

func TestVerifyRecord_Timeout(t *testing.T) {
	s := newTestServer(t, &stubVerifier{verifyErr: verify.ErrTimeout})
	s.storeTestKey(t)

	w := doRequest(s, http.MethodPost, "/api/verify", verify.Request{
		RecordNumber:    "12345",
		DateOfBirth:     "1998-03-01",
		ChallengeAnswer: "abc12",
	}, map[string]string{"X-API-Key": "secret-1"})
	assert.Equal(t, 500, w.Code)
	assert.Equal(t, "Verification timed out", decodeBody(t, w)["error"])
}

// ==================== Admin API ====================

func TestAdminLogin(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})

	w := doRequest(s, http.MethodPost, "/admin/login", gin.H{"password": testAdminPassword}, nil)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, generateToken(testAdminPassword), decodeBody(t, w)["token"])

	w = doRequest(s, http.MethodPost, "/admin/login", gin.H{"password": "wrong"}, nil)
	assert.Equal(t, 401, w.Code)
}

func TestAdminAuthRequired(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})

	w := doRequest(s, http.MethodGet, "/admin/keys", nil, nil)
	assert.Equal(t, 401, w.Code)

	w = doRequest(s, http.MethodGet, "/admin/keys", nil, map[string]string{"X-Admin-Token": "bogus"})
	assert.Equal(t, 401, w.Code)
}

func TestKeyLifecycle(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})

	w := doRequest(s, http.MethodPost, "/admin/keys", gin.H{
		"owner_name":      "Acme",
		"expiry_date":     "2030-06-15",
		"hit_limit":       50,
		"allowed_origins": []string{"acme.example.com"},
	}, adminHeaders())
	require.Equal(t, 201, w.Code)

	created := decodeBody(t, w)["key"].(map[string]any)
	id := created["id"].(string)
	assert.Equal(t, "Acme", created["owner_name"])
	assert.Equal(t, "2030-06-15 11:59:59 PM", created["expiry_date"])
	assert.NotEmpty(t, created["key"])

	w = doRequest(s, http.MethodGet, "/admin/keys", nil, adminHeaders())
	require.Equal(t, 200, w.Code)
	assert.Len(t, decodeBody(t, w)["keys"], 1)

	w = doRequest(s, http.MethodPut, "/admin/keys/"+id, gin.H{
		"owner_name": "Acme Renamed",
		"hit_limit":  75,
	}, adminHeaders())
	require.Equal(t, 200, w.Code)
	updated := decodeBody(t, w)["key"].(map[string]any)
	assert.Equal(t, "Acme Renamed", updated["owner_name"])
	assert.Equal(t, created["key"], updated["key"])

	w = doRequest(s, http.MethodPatch, "/admin/keys/"+id+"/toggle", nil, adminHeaders())
	require.Equal(t, 200, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["active"])

	w = doRequest(s, http.MethodDelete, "/admin/keys/"+id, nil, adminHeaders())
	require.Equal(t, 200, w.Code)

	w = doRequest(s, http.MethodDelete, "/admin/keys/"+id, nil, adminHeaders())
	assert.Equal(t, 404, w.Code)
}

func TestCreateKey_Validation(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})

	w := doRequest(s, http.MethodPost, "/admin/keys", gin.H{}, adminHeaders())
	assert.Equal(t, 400, w.Code)

	w = doRequest(s, http.MethodPost, "/admin/keys", gin.H{
		"owner_name":  "Acme",
		"expiry_date": "15/06/2030",
	}, adminHeaders())
	assert.Equal(t, 400, w.Code)

	w = doRequest(s, http.MethodPost, "/admin/keys", gin.H{
		"owner_name": "Acme",
		"hit_limit":  -1,
	}, adminHeaders())
	assert.Equal(t, 400, w.Code)
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})
	require.NoError(t, s.stats.RecordOutcome(context.Background(), true, models.EventVerify))
	require.NoError(t, s.stats.RecordOutcome(context.Background(), false, models.EventVerify))

	w := doRequest(s, http.MethodGet, "/admin/stats", nil, adminHeaders())
	require.Equal(t, 200, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["total_requests"])
	assert.Equal(t, float64(1), body["successful_requests"])
	assert.Equal(t, float64(1), body["failed_requests"])
}

func TestGetDashboard(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})
	s.storeTestKey(t)
	require.NoError(t, s.stats.RecordOutcome(context.Background(), true, models.EventVerify))

	w := doRequest(s, http.MethodGet, "/admin/stats/dashboard", nil, adminHeaders())
	require.Equal(t, 200, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["total_keys"])
	assert.Equal(t, float64(1), body["active_keys"])
	assert.Len(t, body["hourly_data"], 24)
	assert.Len(t, body["daily_labels"], 1)
}

func TestActivityEndpoints(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})
	for i := 0; i < 3; i++ {
		_, err := s.activity.Append(context.Background(), "secret-1", models.EventVerify,
			models.ActivityDetail{Error: "denied"}, false, "10.0.0.1")
		require.NoError(t, err)
	}

	w := doRequest(s, http.MethodGet, "/admin/activity?page=1&per_page=2", nil, adminHeaders())
	require.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(2), body["pages"])
	assert.Len(t, body["items"], 2)

	w = doRequest(s, http.MethodDelete, "/admin/activity/1", nil, adminHeaders())
	require.Equal(t, 200, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["success"])

	w = doRequest(s, http.MethodPost, "/admin/activity/delete", gin.H{}, adminHeaders())
	require.Equal(t, 200, w.Code)

	w = doRequest(s, http.MethodGet, "/admin/activity", nil, adminHeaders())
	assert.Equal(t, float64(0), decodeBody(t, w)["total"])
}

func TestHealthAndPing(t *testing.T) {
	s := newTestServer(t, &stubVerifier{})

	w := doRequest(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, 200, w.Code)

	w = doRequest(s, http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "pong", decodeBody(t, w)["message"])
}
