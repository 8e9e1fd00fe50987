package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/directory"
	"github.com/fleetward/fleetward/internal/store"
	"github.com/fleetward/fleetward/pkg/protocol"
	"github.com/google/uuid"
)

// WakeRelay forwards wake-on-LAN commands for a target device to its live
// peer devices: devices in the same organization that share its device
// group or its public IP. The target itself is usually offline; the peers
// broadcast the magic packet on its LAN segment.
type WakeRelay struct {
	dir       *directory.Directory
	oracle    PermissionOracle
	transport Transport
	store     store.Store
	logger    *slog.Logger
}

// NewWakeRelay creates a WakeRelay.
func NewWakeRelay(dir *directory.Directory, oracle PermissionOracle, t Transport, s store.Store, logger *slog.Logger) *WakeRelay {
	return &WakeRelay{dir: dir, oracle: oracle, transport: t, store: s, logger: logger}
}

// WakeDevice relays a wake command for one target device. Zero peers,
// zero MAC addresses, or a target with neither group id nor public IP is
// a normal no-op. Lookup faults surface as a RelayFailure result.
func (w *WakeRelay) WakeDevice(ctx context.Context, deviceID string, requester auth.Identity) Result {
	target, err := w.store.GetDevice(ctx, deviceID)
	if err != nil {
		w.logger.Warn("wake relay: device lookup failed", "device_id", deviceID, "error", err)
		return failure(KindRelayFailure, fmt.Sprintf("look up device: %v", err))
	}
	if target == nil || target.OrgID != requester.OrgID || !w.oracle.HasAccess(ctx, deviceID, requester) {
		return failure(KindUnauthorized, "access to the target device is denied")
	}

	sent := 0
	for _, peer := range w.dir.AllLiveDevices() {
		if peer.OrgID != requester.OrgID || peer.DeviceID == target.ID {
			continue
		}
		if !isPeerOf(peer, target) {
			continue
		}
		for _, mac := range target.MACAddresses {
			w.transport.Send(peer.ConnID, protocol.EventWakeDevice, protocol.WakeDevice{MACAddress: mac})
			sent++
		}
	}

	w.audit(ctx, requester, []string{deviceID}, sent)
	return success()
}

// WakeDevices relays wake commands for a batch of target devices. The
// requested ids are permission-filtered, then two indices are built once
// over the full live same-org device set, one keyed by device group id
// and one by public IP. Every live device contributes to both indices; a
// target with no peers in either index receives no relay and is not an
// error.
func (w *WakeRelay) WakeDevices(ctx context.Context, deviceIDs []string, requester auth.Identity) Result {
	authorized := w.oracle.FilterByPermission(ctx, deviceIDs, requester)

	byGroup := make(map[string][]directory.LiveDevice)
	byIP := make(map[string][]directory.LiveDevice)
	for _, peer := range w.dir.AllLiveDevices() {
		if peer.OrgID != requester.OrgID {
			continue
		}
		if peer.DeviceGroupID != "" {
			byGroup[peer.DeviceGroupID] = append(byGroup[peer.DeviceGroupID], peer)
		}
		if peer.PublicIP != "" {
			byIP[peer.PublicIP] = append(byIP[peer.PublicIP], peer)
		}
	}

	sent := 0
	for _, id := range authorized {
		target, err := w.store.GetDevice(ctx, id)
		if err != nil {
			w.logger.Warn("wake relay: device lookup failed", "device_id", id, "error", err)
			return failure(KindRelayFailure, fmt.Sprintf("look up device %s: %v", id, err))
		}
		if target == nil || target.OrgID != requester.OrgID {
			continue
		}

		peers := make(map[string]directory.LiveDevice) // conn_id -> peer
		if target.DeviceGroupID != "" {
			for _, p := range byGroup[target.DeviceGroupID] {
				if p.DeviceID != target.ID {
					peers[p.ConnID] = p
				}
			}
		}
		if target.PublicIP != "" {
			for _, p := range byIP[target.PublicIP] {
				if p.DeviceID != target.ID {
					peers[p.ConnID] = p
				}
			}
		}

		for connID := range peers {
			for _, mac := range target.MACAddresses {
				w.transport.Send(connID, protocol.EventWakeDevice, protocol.WakeDevice{MACAddress: mac})
				sent++
			}
		}
	}

	w.audit(ctx, requester, authorized, sent)
	return success()
}

// isPeerOf reports whether a live device can relay a wake for the target.
func isPeerOf(peer directory.LiveDevice, target *store.Device) bool {
	if target.DeviceGroupID != "" && peer.DeviceGroupID == target.DeviceGroupID {
		return true
	}
	if target.PublicIP != "" && peer.PublicIP == target.PublicIP {
		return true
	}
	return false
}

func (w *WakeRelay) audit(ctx context.Context, requester auth.Identity, targets []string, sends int) {
	if len(targets) == 0 {
		return
	}
	detail := fmt.Sprintf(`{"targets":%d,"sends":%d}`, len(targets), sends)
	if err := w.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), OrgID: requester.OrgID, Action: "device.wake",
		UserID: requester.UserID, Detail: []byte(detail), CreatedAt: time.Now(),
	}); err != nil {
		w.logger.Warn("failed to log audit event", "action", "device.wake", "error", err)
	}
}
