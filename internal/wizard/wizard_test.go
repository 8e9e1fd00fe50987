package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/pkg/cli"
)

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",               // listen address
		"myadmin",             // admin username
		"secretpass",          // admin password
		"1",                   // storage: sqlite (first option)
		"./data/fleetward.db", // sqlite path
		"3",                   // session limit
		"my-device",           // device ID
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "fleetward.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("auth.jwt_secret is empty")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("auth.initial_admin is nil")
	}
	if cfg.Auth.InitialAdmin.Username != "myadmin" {
		t.Errorf("admin username = %q, want %q", cfg.Auth.InitialAdmin.Username, "myadmin")
	}
	if cfg.Auth.InitialAdmin.Password != "secretpass" {
		t.Errorf("admin password = %q, want %q", cfg.Auth.InitialAdmin.Password, "secretpass")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "./data/fleetward.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "./data/fleetward.db")
	}
	if cfg.Broker.SessionLimit != 3 {
		t.Errorf("broker.session_limit = %d, want 3", cfg.Broker.SessionLimit)
	}
	if len(cfg.Auth.AgentTokens) != 1 {
		t.Fatalf("agent_tokens count = %d, want 1", len(cfg.Auth.AgentTokens))
	}
	at := cfg.Auth.AgentTokens[0]
	if at.DeviceID != "my-device" {
		t.Errorf("device_id = %q, want %q", at.DeviceID, "my-device")
	}
	if at.Token == "" {
		t.Error("agent token is empty")
	}
}

func TestWizard_Postgres(t *testing.T) {
	input := strings.Join([]string{
		":8080",   // listen address (default)
		"admin",   // admin username (default)
		"pass123", // admin password
		"2",       // storage: postgres
		"postgres://fleet:pass@db:5432/fleetward", // DSN
		"",            // session limit (default)
		"prod-device", // device ID
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "fleetward.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Storage.DSN != "postgres://fleet:pass@db:5432/fleetward" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "postgres://fleet:pass@db:5432/fleetward")
	}
	if cfg.Broker.SessionLimit != 5 {
		t.Errorf("broker.session_limit = %d, want 5", cfg.Broker.SessionLimit)
	}
}

func TestWizard_RunDefaults(t *testing.T) {
	t.Setenv("FLEETWARD_ADDR", ":7070")
	t.Setenv("FLEETWARD_ADMIN_USER", "ops")
	t.Setenv("FLEETWARD_ADMIN_PASSWORD", "")
	t.Setenv("FLEETWARD_STORAGE_DRIVER", "sqlite")
	t.Setenv("FLEETWARD_STORAGE_DSN", "/tmp/fleet.db")
	t.Setenv("FLEETWARD_DEVICE_ID", "docker-device")
	t.Setenv("FLEETWARD_AGENT_TOKEN", "")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	outputPath := filepath.Join(t.TempDir(), "fleetward.json")

	w := New(p)
	if err := w.RunDefaults(outputPath); err != nil {
		t.Fatalf("wizard.RunDefaults() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":7070")
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "ops" {
		t.Error("admin user not taken from environment")
	}
	if cfg.Auth.InitialAdmin != nil && cfg.Auth.InitialAdmin.Password == "" {
		t.Error("admin password not auto-generated")
	}
	if cfg.Storage.DSN != "/tmp/fleet.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "/tmp/fleet.db")
	}
	if len(cfg.Auth.AgentTokens) != 1 || cfg.Auth.AgentTokens[0].DeviceID != "docker-device" {
		t.Error("agent token not taken from environment")
	}
	if len(cfg.Auth.AgentTokens) == 1 && cfg.Auth.AgentTokens[0].Token == "" {
		t.Error("agent token not auto-generated")
	}
}

func TestWizard_RunDefaultsPostgresRequiresDSN(t *testing.T) {
	t.Setenv("FLEETWARD_STORAGE_DRIVER", "postgres")
	t.Setenv("FLEETWARD_STORAGE_DSN", "")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	w := New(p)
	err := w.RunDefaults(filepath.Join(t.TempDir(), "fleetward.json"))
	if err == nil {
		t.Fatal("expected error when postgres driver has no DSN")
	}
}
