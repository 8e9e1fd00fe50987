package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT OR IGNORE INTO organizations (id, name) VALUES ('default', 'Default')`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			username TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (org_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			name TEXT NOT NULL DEFAULT '',
			device_group_id TEXT NOT NULL DEFAULT '',
			public_ip TEXT NOT NULL DEFAULT '',
			mac_addresses TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '',
			agent_version TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_org_id ON devices(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_group_id ON devices(device_group_id)`,
		`CREATE TABLE IF NOT EXISTS device_permissions (
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS script_results (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			run_id INTEGER NOT NULL,
			script_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_script_results_run_id ON script_results(run_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_org_id ON audit_events(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Organizations ---

func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)",
		org.ID, org.Name, org.CreatedAt)
	return err
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM organizations WHERE id = ?", id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &org, err
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, org_id, username, display_name, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		user.ID, user.OrgID, user.Username, user.DisplayName, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, orgID, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, display_name, password_hash, role, created_at FROM users WHERE org_id = ? AND username = ?",
		orgID, username,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, username, display_name, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.OrgID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsers(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, org_id, username, display_name, role, created_at FROM users WHERE org_id = ? ORDER BY created_at",
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Username, &u.DisplayName, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Devices ---

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *Device) error {
	macs, err := json.Marshal(d.MACAddresses)
	if err != nil {
		return fmt.Errorf("marshal mac addresses: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices (id, org_id, name, device_group_id, public_ip, mac_addresses, tags, agent_version, online, last_seen, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, device_group_id=excluded.device_group_id,
			public_ip=excluded.public_ip, mac_addresses=excluded.mac_addresses,
			agent_version=excluded.agent_version, online=excluded.online, last_seen=excluded.last_seen`,
		d.ID, d.OrgID, d.Name, d.DeviceGroupID, d.PublicIP, string(macs),
		d.Tags, d.AgentVersion, d.Online, d.LastSeen, d.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var macs string
	err := row.Scan(&d.ID, &d.OrgID, &d.Name, &d.DeviceGroupID, &d.PublicIP,
		&macs, &d.Tags, &d.AgentVersion, &d.Online, &d.LastSeen, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(macs), &d.MACAddresses); err != nil {
		return nil, fmt.Errorf("unmarshal mac addresses for device %s: %w", d.ID, err)
	}
	return &d, nil
}

const deviceColumns = "id, org_id, name, device_group_id, public_ip, mac_addresses, tags, agent_version, online, last_seen, created_at"

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	d, err := s.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) ListDevices(ctx context.Context, orgID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE org_id = ? ORDER BY name", orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) SetDeviceOnline(ctx context.Context, id string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET online = ?, last_seen = ? WHERE id = ?",
		online, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) UpdateDeviceTags(ctx context.Context, id, tags string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE devices SET tags = ? WHERE id = ?", tags, id)
	return err
}

func (s *SQLiteStore) DeleteDevices(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM device_permissions WHERE device_id IN ("+placeholders+")", args...); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM devices WHERE id IN ("+placeholders+")", args...)
	return err
}

// --- Device permissions ---

func (s *SQLiteStore) GrantDeviceAccess(ctx context.Context, userID, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO device_permissions (user_id, device_id) VALUES (?, ?)",
		userID, deviceID,
	)
	return err
}

func (s *SQLiteStore) RevokeDeviceAccess(ctx context.Context, userID, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM device_permissions WHERE user_id = ? AND device_id = ?",
		userID, deviceID,
	)
	return err
}

func (s *SQLiteStore) HasDeviceAccess(ctx context.Context, userID, deviceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM device_permissions WHERE user_id = ? AND device_id = ?",
		userID, deviceID,
	).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) ListUserDevices(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT device_id FROM device_permissions WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Script runs ---

func (s *SQLiteStore) SaveScriptResult(ctx context.Context, res *ScriptResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO script_results (id, org_id, run_id, script_id, device_id, username, stdout, stderr, exit_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.OrgID, res.RunID, res.ScriptID, res.DeviceID, res.Username,
		res.Stdout, res.Stderr, res.ExitCode, res.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListScriptResults(ctx context.Context, orgID string, runID int64) ([]ScriptResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, run_id, script_id, device_id, username, stdout, stderr, exit_code, created_at
		 FROM script_results WHERE org_id = ? AND run_id = ? ORDER BY created_at`,
		orgID, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ScriptResult
	for rows.Next() {
		var r ScriptResult
		if err := rows.Scan(&r.ID, &r.OrgID, &r.RunID, &r.ScriptID, &r.DeviceID,
			&r.Username, &r.Stdout, &r.Stderr, &r.ExitCode, &r.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := string(event.Detail)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, org_id, action, user_id, device_id, session_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		event.ID, event.OrgID, event.Action, event.UserID, event.DeviceID, event.SessionID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, action, user_id, device_id, session_id, detail, created_at
		 FROM audit_events WHERE org_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var detail string
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.Action, &ev.UserID, &ev.DeviceID,
			&ev.SessionID, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			ev.Detail = json.RawMessage(detail)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
