package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/internal/directory"
	"github.com/fleetward/fleetward/internal/store"
	"github.com/fleetward/fleetward/pkg/protocol"
	"github.com/google/uuid"
)

// RemoteControlSession is an ephemeral remote-control handshake record.
// The access key is out-of-band authentication material for the direct
// agent-to-viewer channel established after the handshake.
type RemoteControlSession struct {
	ID              string
	AccessKey       string
	OrgID           string
	DeviceID        string
	AgentConnID     string
	RequesterConnID string
	RequesterName   string
	ViewOnly        bool
	RequireConsent  bool
	NotifyUser      bool
	CreatedAt       time.Time
	Connected       bool
}

// SessionRegistry is the shared, concurrent registry of remote-control
// sessions, keyed by session id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*RemoteControlSession
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*RemoteControlSession)}
}

// Put registers a session.
func (r *SessionRegistry) Put(s *RemoteControlSession) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get returns a session by id.
func (r *SessionRegistry) Get(id string) (*RemoteControlSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes a session by id. Unknown ids are a no-op.
func (r *SessionRegistry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// All returns a snapshot of every registered session.
func (r *SessionRegistry) All() []*RemoteControlSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RemoteControlSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CountByOrg returns the number of registered sessions for an organization.
func (r *SessionRegistry) CountByOrg(orgID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.OrgID == orgID {
			n++
		}
	}
	return n
}

// MarkConnected flags a session as answered by the agent, exempting it
// from orphan eviction.
func (r *SessionRegistry) MarkConnected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.Connected = true
	return true
}

// StartReaper starts a background goroutine that evicts sessions the
// agent never answered within ttl. Registration happens before the
// handshake send, so an unreachable agent leaves an orphaned entry;
// eviction keeps such entries from holding org capacity forever.
func (r *SessionRegistry) StartReaper(ctx context.Context, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-ttl)
				r.mu.Lock()
				for id, s := range r.sessions {
					if !s.Connected && s.CreatedAt.Before(cutoff) {
						delete(r.sessions, id)
						logger.Info("evicted orphaned remote-control session",
							"session_id", id, "device_id", s.DeviceID, "org_id", s.OrgID)
					}
				}
				r.mu.Unlock()
			}
		}
	}()
}

// SessionBroker creates capacity-limited remote-control sessions.
type SessionBroker struct {
	registry  *SessionRegistry
	gate      *AccessGate
	dir       *directory.Directory
	transport Transport
	store     store.Store
	cfg       config.BrokerConfig
	logger    *slog.Logger
}

// NewSessionBroker creates a SessionBroker.
func NewSessionBroker(reg *SessionRegistry, gate *AccessGate, dir *directory.Directory, t Transport, s store.Store, cfg config.BrokerConfig, logger *slog.Logger) *SessionBroker {
	return &SessionBroker{
		registry:  reg,
		gate:      gate,
		dir:       dir,
		transport: t,
		store:     s,
		cfg:       cfg,
		logger:    logger,
	}
}

// Create runs the ordered remote-control validation and handshake,
// short-circuiting on the first failure:
//
//  1. target device connected
//  2. requester authorized
//  3. org session count below the configured limit
//  4. agent connection resolvable
//  5. fresh session id + random access key
//  6. register in the shared registry
//  7. send the agent the handshake
//  8. return the registered session
//
// Registration (6) commits before the best-effort send (7): a session may
// exist in the registry even if the agent was never reachable. The
// registry reaper evicts such orphans. The capacity check (3) is a
// point-in-time snapshot; enforcement is eventual, not linearizable.
func (b *SessionBroker) Create(ctx context.Context, deviceID string, viewOnly bool, requester auth.Identity, requesterConnID string) Result {
	dev, live := b.dir.ByDeviceID(deviceID)
	if !live {
		return failure(KindDeviceOffline, "the target device is not online")
	}

	if ok, _ := b.gate.CanAccessDevice(ctx, deviceID, requester); !ok {
		return failure(KindUnauthorized, "access to the target device is denied")
	}

	if b.cfg.SessionLimit > 0 && b.registry.CountByOrg(requester.OrgID) >= b.cfg.SessionLimit {
		return failure(KindCapacityExceeded,
			fmt.Sprintf("the organization limit of %d concurrent remote-control sessions has been reached", b.cfg.SessionLimit))
	}

	agentConnID, ok := b.dir.ConnectionIDOf(deviceID)
	if !ok {
		return failure(KindConnectionNotFound, "no live connection found for the target device")
	}

	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return failure(KindRelayFailure, fmt.Sprintf("generate access key: %v", err))
	}

	sess := &RemoteControlSession{
		ID:              uuid.New().String(),
		AccessKey:       hex.EncodeToString(key),
		OrgID:           requester.OrgID,
		DeviceID:        deviceID,
		AgentConnID:     agentConnID,
		RequesterConnID: requesterConnID,
		RequesterName:   requester.DisplayName,
		ViewOnly:        viewOnly,
		RequireConsent:  b.cfg.EnforceAttendedAccess,
		NotifyUser:      b.cfg.NotifyUserOnStart,
		CreatedAt:       time.Now(),
	}

	b.registry.Put(sess)

	b.transport.Send(agentConnID, protocol.EventRemoteControl, protocol.RemoteControl{
		SessionID:    sess.ID,
		AccessKey:    sess.AccessKey,
		SenderConnID: requesterConnID,
		DisplayName:  requester.DisplayName,
		OrgName:      b.orgName(ctx, requester.OrgID),
		OrgID:        requester.OrgID,
	})

	if err := b.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), OrgID: requester.OrgID, Action: "session.create",
		UserID: requester.UserID, DeviceID: deviceID, SessionID: sess.ID, CreatedAt: time.Now(),
	}); err != nil {
		b.logger.Warn("failed to log audit event", "action", "session.create", "error", err)
	}

	b.logger.Info("remote-control session created",
		"session_id", sess.ID, "device_id", deviceID, "device", dev.Name, "view_only", viewOnly)

	return Result{OK: true, Session: sess}
}

func (b *SessionBroker) orgName(ctx context.Context, orgID string) string {
	org, err := b.store.GetOrganization(ctx, orgID)
	if err != nil || org == nil {
		return ""
	}
	return org.Name
}
