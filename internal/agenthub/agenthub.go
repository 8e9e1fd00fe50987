// Package agenthub manages WebSocket connections from enrolled agents: the
// hello/ack enrollment handshake, heartbeats, token refresh, and routing of
// agent-origin results back to the admin session that requested them.
package agenthub

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
	"github.com/fleetward/fleetward/internal/directory"
	"github.com/fleetward/fleetward/internal/store"
	"github.com/fleetward/fleetward/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
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

type agentConn struct {
	connID   string
	deviceID string
	orgID    string
	conn     *websocket.Conn
	mu       sync.Mutex
}

// Options configures the Hub.
type Options struct {
	AllowedOrigins   []string
	MaxAgentMsgBytes int64 // max WebSocket message size from agents (default 1MB)
}

// Hub manages all live agent connections. It implements broker.Transport:
// the command broker hands it connection ids and events, and delivery runs
// asynchronously against the per-connection write lock.
type Hub struct {
	store     store.Store
	agentAuth auth.AgentAuthProvider
	dir       *directory.Directory
	circuits  *broker.CircuitManager
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	maxAgentMessageSize int64

	mu    sync.RWMutex
	conns map[string]*agentConn // conn_id -> conn
}

// New creates a Hub.
func New(s store.Store, aa auth.AgentAuthProvider, dir *directory.Directory, circuits *broker.CircuitManager, logger *slog.Logger, opts Options) *Hub {
	msgLimit := opts.MaxAgentMsgBytes
	if msgLimit == 0 {
		msgLimit = 1024 * 1024 // 1MB default
	}
	return &Hub{
		store:               s,
		agentAuth:           aa,
		dir:                 dir,
		circuits:            circuits,
		logger:              logger.With("component", "agenthub"),
		upgrader:            makeUpgrader(opts.AllowedOrigins),
		maxAgentMessageSize: msgLimit,
		conns:               make(map[string]*agentConn),
	}
}

// HandleAgentWS handles WebSocket connections from agents.
func (h *Hub) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(h.maxAgentMessageSize)

	// Read the hello message.
	_, msg, err := conn.ReadMessage()
	if err != nil {
		h.logger.Warn("agent hello read failed", "error", err)
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.logger.Warn("agent hello parse failed", "error", err)
		return
	}
	if env.Event != protocol.EventAgentHello {
		h.logger.Warn("expected agent.hello, got", "event", env.Event)
		return
	}

	data, _ := json.Marshal(env.Payload)
	var hello protocol.AgentHello
	if err := json.Unmarshal(data, &hello); err != nil {
		h.logger.Warn("agent hello unmarshal failed", "error", err)
		return
	}

	// Validate agent token: try time-limited HMAC first, then static.
	tokenValid := false
	if h.agentAuth != nil && h.agentAuth.AgentTokenSecret() != "" {
		deviceID, err := h.agentAuth.ValidateTimeLimitedToken(hello.Token)
		if err == nil && deviceID == hello.DeviceID {
			tokenValid = true
		}
	}
	if !tokenValid {
		// Fall back to static token validation.
		if h.agentAuth == nil || !h.agentAuth.ValidateAgentToken(hello.DeviceID, hello.Token) {
			h.sendToConn(conn, protocol.EventHelloAck, protocol.HelloAck{
				OK:    false,
				Error: "invalid agent credentials",
			})
			return
		}
	}

	orgID := hello.OrgID
	if orgID == "" {
		orgID = "default"
	}

	connID := uuid.New().String()
	ac := &agentConn{
		connID:   connID,
		deviceID: hello.DeviceID,
		orgID:    orgID,
		conn:     conn,
	}

	// A reconnecting device replaces its previous connection.
	if oldConnID, ok := h.dir.ConnectionIDOf(hello.DeviceID); ok {
		h.mu.Lock()
		old := h.conns[oldConnID]
		h.mu.Unlock()
		if old != nil {
			h.logger.Warn("agent reconnect: closing previous connection",
				"device_id", hello.DeviceID, "conn_id", oldConnID)
			_ = old.conn.Close()
		}
	}

	h.mu.Lock()
	h.conns[connID] = ac
	h.mu.Unlock()

	ctx := context.Background()
	if err := h.store.UpsertDevice(ctx, &store.Device{
		ID:            hello.DeviceID,
		OrgID:         orgID,
		Name:          deviceName(hello),
		DeviceGroupID: hello.DeviceGroupID,
		PublicIP:      hello.PublicIP,
		MACAddresses:  hello.MACAddresses,
		AgentVersion:  hello.AgentVersion,
		Online:        true,
		LastSeen:      time.Now(),
		CreatedAt:     time.Now(),
	}); err != nil {
		h.logger.Warn("failed to upsert device", "device_id", hello.DeviceID, "error", err)
	}
	if err := h.store.SetDeviceOnline(ctx, hello.DeviceID, true); err != nil {
		h.logger.Warn("failed to set device online", "device_id", hello.DeviceID, "error", err)
	}

	h.dir.Register(directory.LiveDevice{
		DeviceID:      hello.DeviceID,
		OrgID:         orgID,
		ConnID:        connID,
		Name:          deviceName(hello),
		DeviceGroupID: hello.DeviceGroupID,
		PublicIP:      hello.PublicIP,
		MACAddresses:  hello.MACAddresses,
	})

	h.sendToConn(conn, protocol.EventHelloAck, protocol.HelloAck{OK: true})

	h.logger.Info("agent connected", "device_id", hello.DeviceID, "conn_id", connID)

	if err := h.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), OrgID: orgID, Action: "device.connect",
		DeviceID: hello.DeviceID, CreatedAt: time.Now(),
	}); err != nil {
		h.logger.Warn("failed to log audit event", "action", "device.connect", "error", err)
	}

	// Schedule token refresh if using time-limited tokens.
	var refreshCancel context.CancelFunc
	if h.agentAuth != nil && h.agentAuth.AgentTokenSecret() != "" {
		var refreshCtx context.Context
		refreshCtx, refreshCancel = context.WithCancel(ctx)
		go h.scheduleTokenRefresh(refreshCtx, hello.DeviceID, ac)
	}

	defer func() {
		if refreshCancel != nil {
			refreshCancel()
		}
		h.mu.Lock()
		delete(h.conns, connID)
		h.mu.Unlock()
		h.dir.Deregister(connID)
		h.store.SetDeviceOnline(ctx, hello.DeviceID, false)
		h.store.LogAuditEvent(ctx, &store.AuditEvent{
			ID: uuid.New().String(), OrgID: orgID, Action: "device.disconnect",
			DeviceID: hello.DeviceID, CreatedAt: time.Now(),
		})
		h.logger.Info("agent disconnected", "device_id", hello.DeviceID, "conn_id", connID)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("agent read error", "device_id", hello.DeviceID, "error", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("invalid message from agent", "device_id", hello.DeviceID, "error", err)
			continue
		}

		h.handleAgentMessage(ac, env)
	}
}

func deviceName(hello protocol.AgentHello) string {
	if hello.DeviceName != "" {
		return hello.DeviceName
	}
	return hello.DeviceID
}

func (h *Hub) handleAgentMessage(ac *agentConn, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventHeartbeat:
		data, _ := json.Marshal(env.Payload)
		var hb protocol.Heartbeat
		json.Unmarshal(data, &hb)
		h.applyHeartbeat(ac, hb)

	case protocol.EventLogsResult:
		data, _ := json.Marshal(env.Payload)
		var res protocol.LogsResult
		json.Unmarshal(data, &res)
		h.routeToCircuit(res.SenderConnID, "RemoteLogs", res.Content)

	case protocol.EventCompletionsResult:
		data, _ := json.Marshal(env.Payload)
		var res protocol.CompletionsResult
		json.Unmarshal(data, &res)
		h.routeToCircuit(res.SenderConnID, "PowerShellCompletions",
			res.Matches, res.ReplacementIndex, res.ReplacementLen)

	case protocol.EventChatFromAgent:
		data, _ := json.Marshal(env.Payload)
		var chat protocol.ChatFromAgent
		json.Unmarshal(data, &chat)
		h.routeToCircuit(chat.SenderConnID, "ChatReceived", ac.deviceID, chat.Message)

	case protocol.EventScriptOutput:
		data, _ := json.Marshal(env.Payload)
		var out protocol.ScriptOutput
		json.Unmarshal(data, &out)
		h.routeToCircuit(out.SenderConnID, "ScriptOutput", out.RunID, out.Stderr, out.Content)

	case protocol.EventPing:
		// The read loop can race a broker-initiated send; go through the
		// per-connection write lock like every other post-handshake write.
		h.write(ac, protocol.EventPong, nil)

	default:
		h.logger.Warn("unknown agent message event", "event", env.Event, "device_id", ac.deviceID)
	}
}

// applyHeartbeat refreshes the device's stored and live state.
func (h *Hub) applyHeartbeat(ac *agentConn, hb protocol.Heartbeat) {
	ctx := context.Background()
	if err := h.store.SetDeviceOnline(ctx, ac.deviceID, true); err != nil {
		h.logger.Warn("heartbeat: set online failed", "device_id", ac.deviceID, "error", err)
	}
	if hb.PublicIP == "" && len(hb.MACAddresses) == 0 {
		return
	}

	dev, err := h.store.GetDevice(ctx, ac.deviceID)
	if err != nil || dev == nil {
		return
	}
	if hb.PublicIP != "" {
		dev.PublicIP = hb.PublicIP
	}
	if len(hb.MACAddresses) > 0 {
		dev.MACAddresses = hb.MACAddresses
	}
	dev.Online = true
	dev.LastSeen = time.Now()
	if err := h.store.UpsertDevice(ctx, dev); err != nil {
		h.logger.Warn("heartbeat: upsert failed", "device_id", ac.deviceID, "error", err)
	}

	h.dir.Register(directory.LiveDevice{
		DeviceID:      dev.ID,
		OrgID:         dev.OrgID,
		ConnID:        ac.connID,
		Name:          dev.Name,
		DeviceGroupID: dev.DeviceGroupID,
		PublicIP:      dev.PublicIP,
		MACAddresses:  dev.MACAddresses,
	})
}

// routeToCircuit enqueues an agent-origin result on the admin session that
// asked for it. Results for a vanished session are dropped.
func (h *Hub) routeToCircuit(senderConnID, name string, args ...any) {
	b, ok := h.circuits.Get(senderConnID)
	if !ok {
		h.logger.Debug("dropping result for closed admin session", "conn_id", senderConnID, "name", name)
		return
	}
	b.Events.Enqueue(name, args...)
}

// scheduleTokenRefresh periodically sends a new token to the agent at 80% of
// the token lifetime.
func (h *Hub) scheduleTokenRefresh(ctx context.Context, deviceID string, ac *agentConn) {
	lifetime := h.agentAuth.AgentTokenLifetime()
	if lifetime <= 0 {
		return
	}
	refreshInterval := time.Duration(float64(lifetime) * 0.8)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newToken := h.agentAuth.GenerateAgentToken(deviceID)
			ac.mu.Lock()
			err := ac.conn.WriteJSON(protocol.Envelope{
				Event:     protocol.EventAgentTokenRefresh,
				Timestamp: time.Now(),
				Payload:   protocol.AgentTokenRefresh{Token: newToken},
			})
			ac.mu.Unlock()
			if err != nil {
				h.logger.Warn("failed to send token refresh", "device_id", deviceID, "error", err)
				return
			}
			h.logger.Debug("token refresh sent", "device_id", deviceID)
		}
	}
}

// Send delivers one event to one agent connection, asynchronously.
func (h *Hub) Send(connID, event string, payload any) {
	h.mu.RLock()
	ac, ok := h.conns[connID]
	h.mu.RUnlock()

	if !ok {
		h.logger.Warn("agent not connected", "conn_id", connID, "event", event)
		return
	}
	go h.write(ac, event, payload)
}

// SendToMany delivers one event to many agent connections, asynchronously.
func (h *Hub) SendToMany(connIDs []string, event string, payload any) {
	h.mu.RLock()
	targets := make([]*agentConn, 0, len(connIDs))
	for _, id := range connIDs {
		if ac, ok := h.conns[id]; ok {
			targets = append(targets, ac)
		}
	}
	h.mu.RUnlock()

	for _, ac := range targets {
		go h.write(ac, event, payload)
	}
}

func (h *Hub) write(ac *agentConn, event string, payload any) {
	env := protocol.Envelope{
		Event:     event,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("marshal error", "event", event, "error", err)
		return
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	if err := ac.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn("send to agent failed", "device_id", ac.deviceID, "event", event, "error", err)
	}
}

// sendToConn writes directly to a socket without the per-connection lock.
// Only valid before the connection is registered, while the handshake
// goroutine is the sole writer.
func (h *Hub) sendToConn(conn *websocket.Conn, event string, payload any) {
	env := protocol.Envelope{
		Event:     event,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

// Len returns the number of live agent connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
