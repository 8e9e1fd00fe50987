package broker

import (
	"context"
	"log/slog"

	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/directory"
	"github.com/fleetward/fleetward/internal/store"
)

// PermissionOracle answers device-access questions for an identity.
type PermissionOracle interface {
	HasAccess(ctx context.Context, deviceID string, requester auth.Identity) bool
	FilterByPermission(ctx context.Context, deviceIDs []string, requester auth.Identity) []string
}

// InventoryOracle is the store-backed permission oracle. A requester may
// act on a device when the device belongs to the requester's organization
// and the requester is an org admin, the deployment grants default access
// to all devices, or an explicit per-user grant exists.
type InventoryOracle struct {
	store         store.Store
	defaultAccess string // "all" or "none"
	logger        *slog.Logger
}

// NewInventoryOracle creates an InventoryOracle.
func NewInventoryOracle(s store.Store, defaultAccess string, logger *slog.Logger) *InventoryOracle {
	return &InventoryOracle{
		store:         s,
		defaultAccess: defaultAccess,
		logger:        logger.With("component", "permissions"),
	}
}

// HasAccess reports whether the requester may act on the device.
// Any lookup error denies access.
func (o *InventoryOracle) HasAccess(ctx context.Context, deviceID string, requester auth.Identity) bool {
	device, err := o.store.GetDevice(ctx, deviceID)
	if err != nil {
		o.logger.Warn("device lookup failed", "device_id", deviceID, "error", err)
		return false
	}
	if device == nil || device.OrgID != requester.OrgID {
		return false
	}
	if requester.Role == "admin" || o.defaultAccess == "all" {
		return true
	}
	granted, err := o.store.HasDeviceAccess(ctx, requester.UserID, deviceID)
	if err != nil {
		o.logger.Warn("permission lookup failed", "device_id", deviceID, "user_id", requester.UserID, "error", err)
		return false
	}
	return granted
}

// FilterByPermission returns the subset of deviceIDs the requester may act on.
func (o *InventoryOracle) FilterByPermission(ctx context.Context, deviceIDs []string, requester auth.Identity) []string {
	filtered := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if o.HasAccess(ctx, id, requester) {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

// AccessGate authorizes a requesting identity against devices and resolves
// authorized devices to live connections. It fails closed and has no side
// effects.
type AccessGate struct {
	dir    *directory.Directory
	oracle PermissionOracle
}

// NewAccessGate creates an AccessGate.
func NewAccessGate(dir *directory.Directory, oracle PermissionOracle) *AccessGate {
	return &AccessGate{dir: dir, oracle: oracle}
}

// CanAccessDevice reports whether the requester may act on a currently
// connected device, and if so the connection id serving it. An empty
// device id, an unknown or offline device, a cross-org device, or a
// missing permission all yield (false, "").
func (g *AccessGate) CanAccessDevice(ctx context.Context, deviceID string, requester auth.Identity) (bool, string) {
	if deviceID == "" {
		return false, ""
	}
	dev, ok := g.dir.ByDeviceID(deviceID)
	if !ok || dev.OrgID != requester.OrgID {
		return false, ""
	}
	if !g.oracle.HasAccess(ctx, deviceID, requester) {
		return false, ""
	}
	return true, dev.ConnID
}

// FilterByPermission delegates to the permission oracle.
func (g *AccessGate) FilterByPermission(ctx context.Context, deviceIDs []string, requester auth.Identity) []string {
	return g.oracle.FilterByPermission(ctx, deviceIDs, requester)
}
