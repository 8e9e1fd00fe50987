// Package adminhub manages WebSocket connections from admin consoles. Each
// connection gets its own command broker; console requests dispatch into it
// and the broker's queued notices flow back out as circuit.notice frames.
package adminhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/broker"
	"github.com/fleetward/fleetward/pkg/protocol"
)

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

type adminConn struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	mu       sync.Mutex

	msgTokens   float64
	msgLastTime time.Time
}

// allowMessage enforces a per-connection token-bucket message rate.
func (ac *adminConn) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if ac.msgLastTime.IsZero() {
		ac.msgTokens = burst
		ac.msgLastTime = now
	}

	elapsed := now.Sub(ac.msgLastTime).Seconds()
	ac.msgTokens += elapsed * rate
	if ac.msgTokens > burst {
		ac.msgTokens = burst
	}
	ac.msgLastTime = now

	if ac.msgTokens < 1 {
		return false
	}
	ac.msgTokens--
	return true
}

// Options configures the Hub.
type Options struct {
	AllowedOrigins   []string
	MaxAdminMsgBytes int64 // max WebSocket message size from consoles (default 64KB)
	MaxConnsPerUser  int   // max concurrent console connections per user (default 10)
}

// Hub manages all live admin console connections.
type Hub struct {
	authProvider auth.Provider
	circuits     *broker.CircuitManager
	deps         broker.Deps
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	maxAdminMessageSize int64
	maxConnsPerUser     int

	mu          sync.Mutex
	connsByUser map[string]int
}

// New creates a Hub. deps must carry the fully wired broker collaborators.
func New(ap auth.Provider, circuits *broker.CircuitManager, deps broker.Deps, logger *slog.Logger, opts Options) *Hub {
	msgLimit := opts.MaxAdminMsgBytes
	if msgLimit == 0 {
		msgLimit = 64 * 1024 // 64KB default
	}
	maxConns := opts.MaxConnsPerUser
	if maxConns == 0 {
		maxConns = 10
	}
	return &Hub{
		authProvider:        ap,
		circuits:            circuits,
		deps:                deps,
		logger:              logger.With("component", "adminhub"),
		upgrader:            makeUpgrader(opts.AllowedOrigins),
		maxAdminMessageSize: msgLimit,
		maxConnsPerUser:     maxConns,
		connsByUser:         make(map[string]int),
	}
}

// HandleAdminWS handles WebSocket connections from admin consoles.
func (h *Hub) HandleAdminWS(w http.ResponseWriter, req *http.Request) {
	// Extract JWT from query param or Authorization header.
	// Security note: JWT in query parameter is required for WebSocket connections since
	// browsers cannot set custom headers during the WebSocket handshake. Ensure server
	// access logs are configured to exclude query parameters to prevent token leakage.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := h.authProvider.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("admin websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	ac := &adminConn{
		id:       connID,
		identity: *identity,
		conn:     conn,
	}

	h.mu.Lock()
	if h.connsByUser[identity.UserID] >= h.maxConnsPerUser {
		h.mu.Unlock()
		h.logger.Warn("too many WebSocket connections for user", "user", identity.Username, "limit", h.maxConnsPerUser)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		return
	}
	h.connsByUser[identity.UserID]++
	h.mu.Unlock()

	conn.SetReadLimit(h.maxAdminMessageSize)

	b := broker.NewBroker(connID, *identity, h.deps)
	b.Events.Subscribe(func(ev broker.CircuitEvent) {
		h.writeEnvelope(ac, protocol.EventCircuitNotice, protocol.CircuitNotice{
			Name: ev.Name,
			Args: ev.Args,
		})
	})
	h.circuits.Register(b)

	h.logger.Info("admin connected", "user", identity.Username, "conn_id", connID)

	defer func() {
		h.circuits.Deregister(connID)
		h.mu.Lock()
		h.connsByUser[identity.UserID]--
		if h.connsByUser[identity.UserID] <= 0 {
			delete(h.connsByUser, identity.UserID)
		}
		h.mu.Unlock()
		h.logger.Info("admin disconnected", "user", identity.Username, "conn_id", connID)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("admin read error", "conn_id", connID, "error", err)
			return
		}

		if !ac.allowMessage() {
			h.logger.Debug("admin message rate limited", "conn_id", connID)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("invalid message from admin", "conn_id", connID, "error", err)
			continue
		}

		h.handleAdminMessage(ac, b, env)
	}
}

func (h *Hub) handleAdminMessage(ac *adminConn, b *broker.Broker, env protocol.Envelope) {
	ctx := context.Background()

	switch env.Event {
	case protocol.EventAdminExecute:
		var req protocol.AdminExecute
		decode(env.Payload, &req)
		b.ExecuteCommand(ctx, req.Shell, req.Command, req.DeviceIDs)

	case protocol.EventAdminRunScript:
		var req protocol.AdminRunScript
		decode(env.Payload, &req)
		b.RunScript(ctx, req.ScriptID, req.RunID, req.InputType, req.DeviceIDs, false)

	case protocol.EventAdminWake:
		var req protocol.AdminWake
		decode(env.Payload, &req)
		h.writeResult(ac, b.Wake(ctx, req.DeviceID))

	case protocol.EventAdminWakeBatch:
		var req protocol.AdminWakeBatch
		decode(env.Payload, &req)
		h.writeResult(ac, b.WakeBatch(ctx, req.DeviceIDs))

	case protocol.EventAdminUpdateTags:
		var req protocol.AdminUpdateTags
		decode(env.Payload, &req)
		b.UpdateTags(ctx, req.DeviceID, req.Tags)

	case protocol.EventAdminRemoteControl:
		var req protocol.AdminRemoteControl
		decode(env.Payload, &req)
		h.writeResult(ac, b.RemoteControl(ctx, req.DeviceID, req.ViewOnly))

	case protocol.EventAdminChat:
		var req protocol.AdminChat
		decode(env.Payload, &req)
		b.SendChat(ctx, req.DeviceID, req.Message)

	case protocol.EventAdminGetLogs:
		var req protocol.AdminDeviceTarget
		decode(env.Payload, &req)
		b.GetRemoteLogs(ctx, req.DeviceID)

	case protocol.EventAdminDeleteLogs:
		var req protocol.AdminDeviceTarget
		decode(env.Payload, &req)
		b.DeleteRemoteLogs(ctx, req.DeviceID)

	case protocol.EventAdminHeartbeat:
		var req protocol.AdminDeviceTarget
		decode(env.Payload, &req)
		b.TriggerHeartbeat(ctx, req.DeviceID)

	case protocol.EventAdminReinstall:
		var req protocol.AdminDeviceSet
		decode(env.Payload, &req)
		b.ReinstallAgents(ctx, req.DeviceIDs)

	case protocol.EventAdminUninstall:
		var req protocol.AdminDeviceSet
		decode(env.Payload, &req)
		b.UninstallAgents(ctx, req.DeviceIDs)

	case protocol.EventAdminRemove:
		var req protocol.AdminDeviceSet
		decode(env.Payload, &req)
		b.RemoveDevices(ctx, req.DeviceIDs)

	case protocol.EventAdminUploadFiles:
		var req protocol.AdminUploadFiles
		decode(env.Payload, &req)
		b.UploadFiles(ctx, req.TransferID, req.FileIDs, req.DeviceIDs)

	case protocol.EventAdminTransferFile:
		var req protocol.AdminTransferFile
		decode(env.Payload, &req)
		ok := b.TransferFileFromBrowserToAgent(ctx, req.DeviceID, req.TransferID, req.FileIDs)
		res := protocol.OpResult{OK: ok}
		if !ok {
			res.Kind = string(broker.KindUnauthorized)
			res.Message = "the target device is offline or access is denied"
		}
		h.writeEnvelope(ac, protocol.EventResult, res)

	case protocol.EventAdminSelectDevice:
		var req protocol.AdminDeviceTarget
		decode(env.Payload, &req)
		b.SelectDevice(req.DeviceID)

	case protocol.EventAdminCompletions:
		var req protocol.AdminCompletions
		decode(env.Payload, &req)
		b.GetPowerShellCompletions(ctx, req.Input, req.CursorIndex, req.Intent, req.Forward)

	default:
		h.logger.Warn("unknown admin message event", "event", env.Event, "user", ac.identity.Username)
	}
}

// decode re-marshals an envelope payload into a typed request. Malformed
// payloads decode to zero values and fail downstream authorization checks.
func decode(payload, dst any) {
	data, _ := json.Marshal(payload)
	json.Unmarshal(data, dst)
}

func (h *Hub) writeResult(ac *adminConn, res broker.Result) {
	out := protocol.OpResult{
		OK:      res.OK,
		Kind:    string(res.Kind),
		Message: res.Message,
	}
	if res.Session != nil {
		out.SessionID = res.Session.ID
		out.AccessKey = res.Session.AccessKey
	}
	h.writeEnvelope(ac, protocol.EventResult, out)
}

func (h *Hub) writeEnvelope(ac *adminConn, event string, payload any) {
	env := protocol.Envelope{
		Event:     event,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	if err := ac.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn("send to admin failed", "conn_id", ac.id, "event", event, "error", err)
	}
}
