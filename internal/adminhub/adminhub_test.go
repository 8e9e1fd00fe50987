package adminhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/broker"
	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/internal/directory"
	"github.com/fleetward/fleetward/internal/store"
	"github.com/fleetward/fleetward/internal/tokens"
	"github.com/fleetward/fleetward/pkg/protocol"
)

type sentMsg struct {
	ConnID  string
	Event   string
	Payload any
}

// fakeTransport records every agent-bound send synchronously.
type fakeTransport struct {
	mu    sync.Mutex
	sends []sentMsg
}

func (f *fakeTransport) Send(connID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMsg{ConnID: connID, Event: event, Payload: payload})
}

func (f *fakeTransport) SendToMany(connIDs []string, event string, payload any) {
	for _, id := range connIDs {
		f.Send(id, event, payload)
	}
}

func (f *fakeTransport) byEvent(event string) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sends {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

type consoleFixture struct {
	hub      *Hub
	srv      *httptest.Server
	store    store.Store
	dir      *directory.Directory
	circuits *broker.CircuitManager
	ft       *fakeTransport
	token    string
}

// newConsoleFixture wires a Hub with an in-memory store, one admin user,
// and a recording transport, and serves it over httptest. token is a
// valid JWT for that admin.
func newConsoleFixture(t *testing.T, opts Options) *consoleFixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc := auth.NewService(s, config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "correct-horse-battery", "admin"); err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(ctx, "alice", "correct-horse-battery")
	if err != nil {
		t.Fatal(err)
	}

	dir := directory.New()
	ft := &fakeTransport{}
	deps := broker.Deps{
		Store:     s,
		Directory: dir,
		Registry:  broker.NewSessionRegistry(),
		Transport: ft,
		Tokens:    tokens.NewIssuer("test-upload-token-secret"),
		Oracle:    broker.NewInventoryOracle(s, "all", slog.Default()),
		Config: config.BrokerConfig{
			SessionLimit:         2,
			SessionTTL:           config.Duration{Duration: 10 * time.Minute},
			CommandTokenLifetime: config.Duration{Duration: 5 * time.Minute},
			ScriptTokenLifetime:  config.Duration{Duration: 30 * time.Minute},
		},
		Logger: slog.Default(),
	}
	circuits := broker.NewCircuitManager()
	h := New(svc, circuits, deps, slog.Default(), opts)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleAdminWS))
	t.Cleanup(srv.Close)

	return &consoleFixture{
		hub: h, srv: srv, store: s, dir: dir,
		circuits: circuits, ft: ft, token: token,
	}
}

func (f *consoleFixture) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?token=" + url.QueryEscape(token)
}

func dialConsole(t *testing.T, f *consoleFixture) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(f.token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func seedLiveDevice(t *testing.T, f *consoleFixture, d store.Device, connID string) {
	t.Helper()
	ctx := context.Background()
	if d.OrgID == "" {
		d.OrgID = "default"
	}
	d.LastSeen = time.Now()
	d.CreatedAt = time.Now()
	if err := f.store.UpsertDevice(ctx, &d); err != nil {
		t.Fatalf("seedLiveDevice(%s): %v", d.ID, err)
	}
	if connID != "" {
		f.dir.Register(directory.LiveDevice{
			DeviceID: d.ID, OrgID: d.OrgID, ConnID: connID, Name: d.Name,
		})
	}
}

func writeConsole(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	err := conn.WriteJSON(protocol.Envelope{Event: event, Timestamp: time.Now(), Payload: payload})
	if err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// awaitEvent reads frames until one matches event, skipping unrelated
// notices queued in between.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

func decodePayload(t *testing.T, payload, dst any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConsoleRejectsInvalidToken(t *testing.T) {
	f := newConsoleFixture(t, Options{})

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL("not-a-jwt"), nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
	if f.circuits.Len() != 0 {
		t.Error("refused console was registered as a circuit")
	}
}

func TestConsoleConnectionLimit(t *testing.T) {
	f := newConsoleFixture(t, Options{MaxConnsPerUser: 1})

	first := dialConsole(t, f)
	defer first.Close()
	waitFor(t, func() bool { return f.circuits.Len() == 1 }, "first console never registered")

	second := dialConsole(t, f)
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy-violation close, got %v", err)
	}
	if f.circuits.Len() != 1 {
		t.Errorf("circuits.Len: got %d, want 1", f.circuits.Len())
	}
}

func TestConsoleRemoteControlRoundTrip(t *testing.T) {
	f := newConsoleFixture(t, Options{})
	seedLiveDevice(t, f, store.Device{ID: "dev-1", Name: "alpha"}, "conn-1")

	conn := dialConsole(t, f)
	writeConsole(t, conn, protocol.EventAdminRemoteControl, protocol.AdminRemoteControl{DeviceID: "dev-1"})

	env := awaitEvent(t, conn, protocol.EventResult)
	var res protocol.OpResult
	decodePayload(t, env.Payload, &res)
	if !res.OK {
		t.Fatalf("remote control failed: %s %s", res.Kind, res.Message)
	}
	if res.SessionID == "" || res.AccessKey == "" {
		t.Error("expected session id and access key in result")
	}

	sends := f.ft.byEvent(protocol.EventRemoteControl)
	if len(sends) != 1 {
		t.Fatalf("expected 1 agent handshake send, got %d", len(sends))
	}
	if sends[0].ConnID != "conn-1" {
		t.Errorf("handshake sent to %q, want conn-1", sends[0].ConnID)
	}
}

func TestConsoleNoticeDelivery(t *testing.T) {
	f := newConsoleFixture(t, Options{})
	seedLiveDevice(t, f, store.Device{ID: "dev-1", Name: "alpha", Tags: "old"}, "conn-1")

	conn := dialConsole(t, f)
	writeConsole(t, conn, protocol.EventAdminUpdateTags, protocol.AdminUpdateTags{
		DeviceID: "dev-1", Tags: strings.Repeat("x", 201),
	})

	env := awaitEvent(t, conn, protocol.EventCircuitNotice)
	var notice protocol.CircuitNotice
	decodePayload(t, env.Payload, &notice)
	if notice.Name != "DisplayMessage" {
		t.Errorf("Name: got %q, want %q", notice.Name, "DisplayMessage")
	}

	dev, err := f.store.GetDevice(context.Background(), "dev-1")
	if err != nil || dev == nil {
		t.Fatalf("GetDevice: %v %v", dev, err)
	}
	if dev.Tags != "old" {
		t.Errorf("over-length tags applied: %q", dev.Tags)
	}
}
