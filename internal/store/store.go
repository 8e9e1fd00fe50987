// Package store defines the persistence interface for the server and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the server.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, orgID, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, orgID string) ([]User, error)

	// Devices (fleet inventory)
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, orgID string) ([]Device, error)
	SetDeviceOnline(ctx context.Context, id string, online bool) error
	UpdateDeviceTags(ctx context.Context, id, tags string) error
	DeleteDevices(ctx context.Context, ids []string) error

	// Device permissions
	GrantDeviceAccess(ctx context.Context, userID, deviceID string) error
	RevokeDeviceAccess(ctx context.Context, userID, deviceID string) error
	HasDeviceAccess(ctx context.Context, userID, deviceID string) (bool, error)
	ListUserDevices(ctx context.Context, userID string) ([]string, error)

	// Script runs
	SaveScriptResult(ctx context.Context, res *ScriptResult) error
	ListScriptResults(ctx context.Context, orgID string, runID int64) ([]ScriptResult, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Organization represents a tenant organization.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// User represents an administrative user.
type User struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Device is the persistent inventory record for an enrolled device.
type Device struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	Name          string    `json:"name"`
	DeviceGroupID string    `json:"device_group_id,omitempty"`
	PublicIP      string    `json:"public_ip,omitempty"`
	MACAddresses  []string  `json:"mac_addresses,omitempty"`
	Tags          string    `json:"tags"`
	AgentVersion  string    `json:"agent_version,omitempty"`
	Online        bool      `json:"online"`
	LastSeen      time.Time `json:"last_seen"`
	CreatedAt     time.Time `json:"created_at"`
}

// ScriptResult is an uploaded script-run result for one device.
type ScriptResult struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	RunID     int64     `json:"run_id"`
	ScriptID  string    `json:"script_id"`
	DeviceID  string    `json:"device_id"`
	Username  string    `json:"username"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	ExitCode  int       `json:"exit_code"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
