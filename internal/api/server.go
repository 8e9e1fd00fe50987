// Package api provides the HTTP API and middleware for the server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/broker"
	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/internal/store"
	"github.com/fleetward/fleetward/internal/tokens"
)

const maxTagLength = 200

// Handlers carries the WebSocket endpoints mounted by the API server.
type Handlers struct {
	AgentWS http.HandlerFunc
	AdminWS http.HandlerFunc
}

// Server is the HTTP API server.
type Server struct {
	store               store.Store
	authProvider        auth.Provider
	loginProvider       auth.LoginProvider
	uploadTokens        *tokens.Issuer
	registry            *broker.SessionRegistry
	logger              *slog.Logger
	mux                 *chi.Mux
	defaultDeviceAccess string // "all" or "none"
	startTime           time.Time
	maxBodyBytes        int64
	loginRL             *rateLimiter
	rl                  *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, ut *tokens.Issuer, reg *broker.SessionRegistry, h Handlers, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:               s,
		authProvider:        ap,
		loginProvider:       lp,
		uploadTokens:        ut,
		registry:            reg,
		logger:              logger.With("component", "api"),
		defaultDeviceAccess: cfg.Auth.DefaultDeviceAccess,
		startTime:           time.Now(),
		maxBodyBytes:        cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(config.RateLimitConfig{RequestsPerSecond: 5, Burst: 10})
		mux.With(srv.loginRL.middleware(clientIPKey, "too many login attempts")).
			Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket routes (auth handled inside)
	if h.AgentWS != nil {
		mux.Get("/ws/agent", h.AgentWS)
	}
	if h.AdminWS != nil {
		mux.Get("/ws/admin", h.AdminWS)
	}

	// Agent result upload, authenticated by the per-dispatch upload token.
	mux.Post("/api/agent/script-results", srv.handleUploadScriptResult)

	// Remote-control viewer callback, authenticated by the session access key.
	mux.Post("/api/sessions/{sessionID}/connected", srv.handleSessionConnected)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(srv.rl.middleware(userIDKey, "rate limit exceeded"))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/devices", srv.handleListDevices)
		r.Route("/api/devices/{deviceID}", func(r chi.Router) {
			r.Use(srv.deviceCtx)
			r.Get("/", srv.handleGetDevice)
			r.Put("/tags", srv.handleUpdateDeviceTags)
		})
		r.Get("/api/script-results", srv.handleListScriptResults)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			// User management only available with builtin auth.
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Post("/api/permissions", srv.handleGrantPermission)
			r.Delete("/api/permissions", srv.handleRevokePermission)
			r.Get("/api/users/{userID}/permissions", srv.handleListUserPermissions)
			r.Get("/api/sessions", srv.handleListSessions)
			r.Delete("/api/sessions/{sessionID}", srv.handleCloseSession)
			r.Delete("/api/devices", srv.handleRemoveDevices)
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
			ID: uuid.New().String(), OrgID: "default", Action: "login.failed",
			Detail: json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)), CreatedAt: time.Now(),
		}); err != nil {
			s.logger.Warn("failed to log audit event", "action", "login.failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Look up user for audit event.
	user, _ := s.store.GetUser(r.Context(), "default", req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), OrgID: "default", Action: "login.success", UserID: userID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "login.success", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Device handlers ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	devices, err := s.store.ListDevices(r.Context(), identity.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}

	// Admins see all; regular users filtered by permissions when access mode is "none".
	if identity.Role != "admin" && s.defaultDeviceAccess == "none" {
		permitted, err := s.store.ListUserDevices(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check permissions")
			return
		}
		permSet := make(map[string]bool, len(permitted))
		for _, id := range permitted {
			permSet[id] = true
		}
		filtered := make([]store.Device, 0)
		for _, d := range devices {
			if permSet[d.ID] {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	// deviceCtx already applied the org and permission checks.
	writeJSON(w, http.StatusOK, getDeviceFromContext(r.Context()))
}

func (s *Server) handleUpdateDeviceTags(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dev := getDeviceFromContext(r.Context())

	var req struct {
		Tags string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Tags) > maxTagLength {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("tags must be at most %d characters", maxTagLength))
		return
	}

	if err := s.store.UpdateDeviceTags(r.Context(), dev.ID, req.Tags); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update tags")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleRemoveDevices(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		DeviceIDs []string `json:"device_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Only devices in the caller's organization are removed.
	ids := make([]string, 0, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		dev, err := s.store.GetDevice(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to look up device")
			return
		}
		if dev != nil && dev.OrgID == identity.OrgID {
			ids = append(ids, id)
		}
	}

	if err := s.store.DeleteDevices(r.Context(), ids); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove devices")
		return
	}
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), OrgID: identity.OrgID, Action: "device.remove",
		UserID: identity.UserID, Detail: json.RawMessage(fmt.Sprintf(`{"targets":%d}`, len(ids))),
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "device.remove", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "count": len(ids)})
}

// --- Script result handlers ---

func (s *Server) handleUploadScriptResult(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	token := r.Header.Get("X-Upload-Token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing upload token")
		return
	}
	if err := s.uploadTokens.Validate(token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid upload token")
		return
	}

	var res store.ScriptResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if res.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	// The org is derived from the device record, never from the upload.
	dev, err := s.store.GetDevice(r.Context(), res.DeviceID)
	if err != nil || dev == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	res.ID = uuid.New().String()
	res.OrgID = dev.OrgID
	res.CreatedAt = time.Now()

	if err := s.store.SaveScriptResult(r.Context(), &res); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save result")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": res.ID})
}

func (s *Server) handleListScriptResults(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	runID := int64(0)
	if v := r.URL.Query().Get("run_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			runID = n
		}
	}
	if runID == 0 {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	results, err := s.store.ListScriptResults(r.Context(), identity.OrgID, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if results == nil {
		results = []store.ScriptResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// --- Remote-control session handlers ---

func (s *Server) handleSessionConnected(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		AccessKey string `json:"access_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, ok := s.registry.Get(sessionID)
	if !ok || sess.AccessKey != req.AccessKey {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.registry.MarkConnected(sessionID)
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), OrgID: sess.OrgID, Action: "session.connect",
		DeviceID: sess.DeviceID, SessionID: sessionID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "session.connect", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	type sessionInfo struct {
		ID            string    `json:"id"`
		DeviceID      string    `json:"device_id"`
		RequesterName string    `json:"requester_name"`
		ViewOnly      bool      `json:"view_only"`
		Connected     bool      `json:"connected"`
		CreatedAt     time.Time `json:"created_at"`
	}

	out := []sessionInfo{}
	for _, sess := range s.registry.All() {
		if sess.OrgID != identity.OrgID {
			continue
		}
		out = append(out, sessionInfo{
			ID:            sess.ID,
			DeviceID:      sess.DeviceID,
			RequesterName: sess.RequesterName,
			ViewOnly:      sess.ViewOnly,
			Connected:     sess.Connected,
			CreatedAt:     sess.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	identity := getIdentityFromContext(r.Context())

	sess, ok := s.registry.Get(sessionID)
	if !ok || sess.OrgID != identity.OrgID {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.registry.Delete(sessionID)
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), OrgID: identity.OrgID, Action: "session.close",
		UserID: identity.UserID, DeviceID: sess.DeviceID, SessionID: sessionID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "session.close", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// --- Admin handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	users, err := s.store.ListUsers(r.Context(), identity.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

// --- Permission handlers (admin only) ---

// permissionTargetsInOrg verifies that both sides of a grant belong to the
// caller's organization. Cross-org ids read as not found.
func (s *Server) permissionTargetsInOrg(w http.ResponseWriter, r *http.Request, userID, deviceID string) bool {
	identity := getIdentityFromContext(r.Context())

	user, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return false
	}
	if user == nil || user.OrgID != identity.OrgID {
		writeError(w, http.StatusNotFound, "user not found")
		return false
	}

	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up device")
		return false
	}
	if dev == nil || dev.OrgID != identity.OrgID {
		writeError(w, http.StatusNotFound, "device not found")
		return false
	}
	return true
}

func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.permissionTargetsInOrg(w, r, req.UserID, req.DeviceID) {
		return
	}
	if err := s.store.GrantDeviceAccess(r.Context(), req.UserID, req.DeviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to grant permission")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.permissionTargetsInOrg(w, r, req.UserID, req.DeviceID) {
		return
	}
	if err := s.store.RevokeDeviceAccess(r.Context(), req.UserID, req.DeviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke permission")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleListUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	identity := getIdentityFromContext(r.Context())

	user, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if user == nil || user.OrgID != identity.OrgID {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	devices, err := s.store.ListUserDevices(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list permissions")
		return
	}
	if devices == nil {
		devices = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "device_ids": devices})
}

// --- Audit handlers ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	identity := getIdentityFromContext(r.Context())
	events, err := s.store.ListAuditEvents(r.Context(), identity.OrgID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
