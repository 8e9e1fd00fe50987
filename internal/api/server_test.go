package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/broker"
	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/internal/store"
	"github.com/fleetward/fleetward/internal/tokens"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-at-least-32-chars-long",
			JWTExpiry:           config.Duration{Duration: 1 * time.Hour},
			DefaultDeviceAccess: "all",
			AgentTokens:         []config.AgentTokenEntry{{DeviceID: "dev-1", Token: "tok-1"}},
			AgentTokenLifetime:  config.Duration{Duration: 1 * time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}
}

func setupTestServer(t *testing.T) (*Server, *auth.Service, store.Store, *broker.SessionRegistry) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := testConfig()
	authSvc := auth.NewService(s, cfg.Auth)
	reg := broker.NewSessionRegistry()
	ut := tokens.NewIssuer("test-upload-token-secret")
	srv := NewServer(s, authSvc, authSvc, ut, reg, Handlers{}, cfg, slog.Default())
	return srv, authSvc, s, reg
}

func createTestUserAndGetToken(t *testing.T, authSvc *auth.Service) string {
	t.Helper()
	ctx := context.Background()
	_, err := authSvc.Register(ctx, "testuser", "testpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, "testuser", "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func createAdminAndGetToken(t *testing.T, authSvc *auth.Service) string {
	t.Helper()
	ctx := context.Background()
	_, err := authSvc.Register(ctx, "adminuser", "adminpassword123", "admin")
	if err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, "adminuser", "adminpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func seedDevice(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.UpsertDevice(context.Background(), &store.Device{
		ID:        id,
		OrgID:     "default",
		Name:      "test-device",
		Online:    true,
		LastSeen:  time.Now(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// parseJSONResponse decodes the JSON body of the response into the given target.
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
	if _, ok := resp["uptime"]; !ok {
		t.Error("expected uptime field in response")
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)

	if resp["status"] != "ready" {
		t.Errorf("expected status ready, got %q", resp["status"])
	}
}

func TestLoginSuccess(t *testing.T) {
	srv, authSvc, _, _ := setupTestServer(t)

	ctx := context.Background()
	_, err := authSvc.Register(ctx, "loginuser", "loginpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(map[string]string{
		"username": "loginuser",
		"password": "loginpassword123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)

	if resp["token"] == "" {
		t.Error("expected non-empty token in response")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv, authSvc, _, _ := setupTestServer(t)

	ctx := context.Background()
	_, err := authSvc.Register(ctx, "loginuser2", "loginpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(map[string]string{
		"username": "loginuser2",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)

	if resp["error"] != "invalid credentials" {
		t.Errorf("expected 'invalid credentials' error, got %q", resp["error"])
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	srv, authSvc, _, _ := setupTestServer(t)
	token := createTestUserAndGetToken(t, authSvc)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)

	if resp["username"] != "testuser" {
		t.Errorf("expected username 'testuser', got %q", resp["username"])
	}
	if resp["role"] != "user" {
		t.Errorf("expected role 'user', got %q", resp["role"])
	}
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}

func TestAdminMiddleware(t *testing.T) {
	srv, authSvc, _, _ := setupTestServer(t)
	token := createTestUserAndGetToken(t, authSvc)

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for non-admin, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)

	if resp["error"] != "admin access required" {
		t.Errorf("expected 'admin access required', got %q", resp["error"])
	}
}

func TestListDevices(t *testing.T) {
	srv, authSvc, s, _ := setupTestServer(t)
	token := createTestUserAndGetToken(t, authSvc)
	seedDevice(t, s, "dev-list-1")

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var devices []store.Device
	parseJSONResponse(t, w, &devices)

	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].ID != "dev-list-1" {
		t.Errorf("expected device dev-list-1, got %q", devices[0].ID)
	}
}

func TestListDevices_PermissionFiltered(t *testing.T) {
	// Access mode "none": users only see explicitly granted devices.
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := testConfig()
	cfg.Auth.DefaultDeviceAccess = "none"
	authSvc := auth.NewService(s, cfg.Auth)
	srv := NewServer(s, authSvc, authSvc, tokens.NewIssuer("test-upload-token-secret"),
		broker.NewSessionRegistry(), Handlers{}, cfg, slog.Default())

	ctx := context.Background()
	user, err := authSvc.Register(ctx, "limited", "limitedpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, "limited", "limitedpassword123")
	if err != nil {
		t.Fatal(err)
	}

	seedDevice(t, s, "dev-granted")
	seedDevice(t, s, "dev-hidden")
	if err := s.GrantDeviceAccess(ctx, user.ID, "dev-granted"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var devices []store.Device
	parseJSONResponse(t, w, &devices)

	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].ID != "dev-granted" {
		t.Errorf("expected dev-granted, got %q", devices[0].ID)
	}
}

func TestUpdateDeviceTags(t *testing.T) {
	srv, authSvc, s, _ := setupTestServer(t)
	token := createTestUserAndGetToken(t, authSvc)
	seedDevice(t, s, "dev-tags")

	body, _ := json.Marshal(map[string]string{"tags": "office,floor-2"})
	req := httptest.NewRequest(http.MethodPut, "/api/devices/dev-tags/tags", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	dev, err := s.GetDevice(context.Background(), "dev-tags")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Tags != "office,floor-2" {
		t.Errorf("expected tags applied, got %q", dev.Tags)
	}
}

func TestUpdateDeviceTags_TooLong(t *testing.T) {
	srv, authSvc, s, _ := setupTestServer(t)
	token := createTestUserAndGetToken(t, authSvc)
	seedDevice(t, s, "dev-tags-long")

	body, _ := json.Marshal(map[string]string{"tags": strings.Repeat("x", 201)})
	req := httptest.NewRequest(http.MethodPut, "/api/devices/dev-tags-long/tags", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d; body: %s", w.Code, w.Body.String())
	}

	dev, err := s.GetDevice(context.Background(), "dev-tags-long")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Tags != "" {
		t.Errorf("over-length tags should not be applied, got %q", dev.Tags)
	}
}

func TestUploadScriptResult(t *testing.T) {
	srv, _, s, _ := setupTestServer(t)
	seedDevice(t, s, "dev-script")

	token := srv.uploadTokens.Issue(5 * time.Minute)
	body, _ := json.Marshal(store.ScriptResult{
		RunID:    42,
		ScriptID: "script-1",
		DeviceID: "dev-script",
		Username: "alice",
		Stdout:   "done",
		ExitCode: 0,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/agent/script-results", bytes.NewReader(body))
	req.Header.Set("X-Upload-Token", token)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d; body: %s", w.Code, w.Body.String())
	}

	results, err := s.ListScriptResults(context.Background(), "default", 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Stdout != "done" {
		t.Errorf("Stdout: got %q, want %q", results[0].Stdout, "done")
	}
}

func TestUploadScriptResult_BadToken(t *testing.T) {
	srv, _, s, _ := setupTestServer(t)
	seedDevice(t, s, "dev-script")

	body, _ := json.Marshal(store.ScriptResult{RunID: 42, DeviceID: "dev-script"})
	req := httptest.NewRequest(http.MethodPost, "/api/agent/script-results", bytes.NewReader(body))
	req.Header.Set("X-Upload-Token", "not-a-valid-token")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestSessionConnected(t *testing.T) {
	srv, _, _, reg := setupTestServer(t)

	sessID := uuid.New().String()
	reg.Put(&broker.RemoteControlSession{
		ID:        sessID,
		AccessKey: "sekret",
		OrgID:     "default",
		DeviceID:  "dev-1",
		CreatedAt: time.Now(),
	})

	body, _ := json.Marshal(map[string]string{"access_key": "sekret"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessID+"/connected", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	sess, _ := reg.Get(sessID)
	if !sess.Connected {
		t.Error("session should be marked connected")
	}
}

func TestSessionConnected_WrongKey(t *testing.T) {
	srv, _, _, reg := setupTestServer(t)

	sessID := uuid.New().String()
	reg.Put(&broker.RemoteControlSession{
		ID:        sessID,
		AccessKey: "sekret",
		OrgID:     "default",
		CreatedAt: time.Now(),
	})

	body, _ := json.Marshal(map[string]string{"access_key": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessID+"/connected", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d; body: %s", w.Code, w.Body.String())
	}

	sess, _ := reg.Get(sessID)
	if sess.Connected {
		t.Error("session must not be marked connected with a wrong key")
	}
}

func TestGrantAndListPermissions(t *testing.T) {
	srv, authSvc, s, _ := setupTestServer(t)
	adminToken := createAdminAndGetToken(t, authSvc)
	seedDevice(t, s, "dev-perm")

	ctx := context.Background()
	user, err := authSvc.Register(ctx, "permuser", "permpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(map[string]string{"user_id": user.ID, "device_id": "dev-perm"})
	req := httptest.NewRequest(http.MethodPost, "/api/permissions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/users/"+user.ID+"/permissions", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		DeviceIDs []string `json:"device_ids"`
	}
	parseJSONResponse(t, w, &resp)
	if len(resp.DeviceIDs) != 1 || resp.DeviceIDs[0] != "dev-perm" {
		t.Errorf("expected [dev-perm], got %v", resp.DeviceIDs)
	}
}

func seedDeviceInOrg(t *testing.T, s store.Store, id, orgID string) {
	t.Helper()
	ctx := context.Background()
	if orgID != "default" {
		_ = s.CreateOrganization(ctx, &store.Organization{ID: orgID, Name: orgID, CreatedAt: time.Now()})
	}
	err := s.UpsertDevice(ctx, &store.Device{
		ID:        id,
		OrgID:     orgID,
		Name:      "test-device",
		Online:    true,
		LastSeen:  time.Now(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetDevice_CrossOrgHidden(t *testing.T) {
	srv, authSvc, s, _ := setupTestServer(t)
	token := createTestUserAndGetToken(t, authSvc)
	seedDeviceInOrg(t, s, "dev-other-org", "org-2")

	req := httptest.NewRequest(http.MethodGet, "/api/devices/dev-other-org", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for cross-org device, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestGrantPermission_CrossOrgDevice(t *testing.T) {
	srv, authSvc, s, _ := setupTestServer(t)
	adminToken := createAdminAndGetToken(t, authSvc)
	seedDeviceInOrg(t, s, "dev-foreign", "org-2")

	ctx := context.Background()
	user, err := authSvc.Register(ctx, "xorguser", "xorgpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(map[string]string{"user_id": user.ID, "device_id": "dev-foreign"})
	req := httptest.NewRequest(http.MethodPost, "/api/permissions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for cross-org device, got %d; body: %s", w.Code, w.Body.String())
	}

	ok, err := s.HasDeviceAccess(ctx, user.ID, "dev-foreign")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("grant to a cross-org device must not be recorded")
	}
}

func TestListUserPermissions_UnknownUser(t *testing.T) {
	srv, authSvc, _, _ := setupTestServer(t)
	adminToken := createAdminAndGetToken(t, authSvc)

	req := httptest.NewRequest(http.MethodGet, "/api/users/no-such-user/permissions", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown user, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestRemoveDevices_AdminOnly(t *testing.T) {
	srv, authSvc, s, _ := setupTestServer(t)
	token := createTestUserAndGetToken(t, authSvc)
	adminToken := createAdminAndGetToken(t, authSvc)
	seedDevice(t, s, "dev-rm")

	body, _ := json.Marshal(map[string][]string{"device_ids": {"dev-rm"}})
	req := httptest.NewRequest(http.MethodDelete, "/api/devices", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for non-admin, got %d", w.Code)
	}

	body, _ = json.Marshal(map[string][]string{"device_ids": {"dev-rm"}})
	req = httptest.NewRequest(http.MethodDelete, "/api/devices", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w = httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for admin, got %d; body: %s", w.Code, w.Body.String())
	}

	dev, err := s.GetDevice(context.Background(), "dev-rm")
	if err != nil {
		t.Fatal(err)
	}
	if dev != nil {
		t.Error("device should be removed")
	}
}

func TestRateLimiting(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1, Burst: 3}
	authSvc := auth.NewService(s, cfg.Auth)
	srv := NewServer(s, authSvc, authSvc, tokens.NewIssuer("test-upload-token-secret"),
		broker.NewSessionRegistry(), Handlers{}, cfg, slog.Default())

	ctx := context.Background()
	_, err = authSvc.Register(ctx, "ratelimituser", "ratelimitpassword123", "user")
	if err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, "ratelimituser", "ratelimitpassword123")
	if err != nil {
		t.Fatal(err)
	}

	got429 := false
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.mux.ServeHTTP(w, req)

		if w.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}

	if !got429 {
		t.Error("expected to receive a 429 Too Many Requests response, but never got one")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 for OPTIONS, got %d", w.Code)
	}

	allowOrigin := w.Header().Get("Access-Control-Allow-Origin")
	if allowOrigin != "*" {
		t.Errorf("expected CORS allow-origin '*', got %q", allowOrigin)
	}
}

func TestCreateUser_AdminOnly(t *testing.T) {
	srv, authSvc, _, _ := setupTestServer(t)
	adminToken := createAdminAndGetToken(t, authSvc)

	body, _ := json.Marshal(map[string]string{
		"username": "newuser",
		"password": "newpassword123",
		"role":     "user",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/users", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d; body: %s", w.Code, w.Body.String())
	}

	var user store.User
	parseJSONResponse(t, w, &user)

	if user.Username != "newuser" {
		t.Errorf("expected username 'newuser', got %q", user.Username)
	}
	if user.PasswordHash != "" {
		t.Error("password hash should be stripped from response")
	}
}
