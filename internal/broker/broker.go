// Package broker implements the per-admin-session command broker: it
// authorizes device access, fans commands out to live agent connections,
// brokers capacity-limited remote-control sessions, relays wake-on-LAN to
// peer devices, and serializes asynchronous notifications back to the
// owning admin session.
package broker

import (
	"log/slog"
	"sync"

	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/internal/directory"
	"github.com/fleetward/fleetward/internal/store"
	"github.com/fleetward/fleetward/internal/tokens"
)

// Transport delivers a named event to live connections. Both methods are
// fire-and-forget: delivery runs asynchronously and no acknowledgement is
// surfaced to the broker.
type Transport interface {
	Send(connID, event string, payload any)
	SendToMany(connIDs []string, event string, payload any)
}

// Deps bundles the shared collaborators every broker instance uses.
type Deps struct {
	Store     store.Store
	Directory *directory.Directory
	Registry  *SessionRegistry
	Transport Transport
	Tokens    *tokens.Issuer
	Oracle    PermissionOracle
	Config    config.BrokerConfig
	Logger    *slog.Logger
}

// Broker is the command broker for one live admin connection.
type Broker struct {
	ConnID   string
	Identity auth.Identity
	Events   *EventQueue

	store     store.Store
	dir       *directory.Directory
	gate      *AccessGate
	transport Transport
	tokens    *tokens.Issuer
	sessions  *SessionBroker
	wake      *WakeRelay
	cfg       config.BrokerConfig
	logger    *slog.Logger

	mu             sync.Mutex
	selectedDevice string
}

// NewBroker creates a broker instance for an authenticated admin connection.
func NewBroker(connID string, identity auth.Identity, deps Deps) *Broker {
	logger := deps.Logger.With("component", "broker", "conn_id", connID)
	gate := NewAccessGate(deps.Directory, deps.Oracle)
	return &Broker{
		ConnID:    connID,
		Identity:  identity,
		Events:    NewEventQueue(logger),
		store:     deps.Store,
		dir:       deps.Directory,
		gate:      gate,
		transport: deps.Transport,
		tokens:    deps.Tokens,
		sessions:  NewSessionBroker(deps.Registry, gate, deps.Directory, deps.Transport, deps.Store, deps.Config, logger),
		wake:      NewWakeRelay(deps.Directory, deps.Oracle, deps.Transport, deps.Store, logger),
		cfg:       deps.Config,
		logger:    logger,
	}
}

// SelectDevice records the device targeted by subsequent single-device
// console operations (PowerShell completions).
func (b *Broker) SelectDevice(deviceID string) {
	b.mu.Lock()
	b.selectedDevice = deviceID
	b.mu.Unlock()
}

// SelectedDevice returns the currently selected device id.
func (b *Broker) SelectedDevice() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectedDevice
}

// CircuitManager is the process-wide directory of live admin sessions,
// mapping connection id to broker instance. It is what lets agent-side
// results reach the admin session that asked for them.
type CircuitManager struct {
	mu      sync.RWMutex
	brokers map[string]*Broker
}

// NewCircuitManager creates an empty CircuitManager.
func NewCircuitManager() *CircuitManager {
	return &CircuitManager{brokers: make(map[string]*Broker)}
}

// Register records a broker under its connection id.
func (m *CircuitManager) Register(b *Broker) {
	m.mu.Lock()
	m.brokers[b.ConnID] = b
	m.mu.Unlock()
}

// Deregister removes a broker by connection id. Removing an unknown id is
// a no-op.
func (m *CircuitManager) Deregister(connID string) {
	m.mu.Lock()
	delete(m.brokers, connID)
	m.mu.Unlock()
}

// Get returns the broker for a connection id.
func (m *CircuitManager) Get(connID string) (*Broker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.brokers[connID]
	return b, ok
}

// Len returns the number of live admin sessions.
func (m *CircuitManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.brokers)
}
