// Package config handles server configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT or token-signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Broker    BrokerConfig    `json:"broker"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider            string            `json:"provider,omitempty"` // "builtin" (default) or "oidc"
	OIDCIssuer          string            `json:"oidc_issuer,omitempty"`
	JWTSecret           string            `json:"jwt_secret"`
	JWTExpiry           Duration          `json:"jwt_expiry,omitempty"`
	AgentTokens         []AgentTokenEntry `json:"agent_tokens"`
	AgentTokenSecret    string            `json:"agent_token_secret,omitempty"`   // HMAC secret for time-limited tokens
	AgentTokenLifetime  Duration          `json:"agent_token_lifetime,omitempty"` // lifetime for generated tokens (default 1h)
	InitialAdmin        *InitialAdmin     `json:"initial_admin,omitempty"`
	DefaultDeviceAccess string            `json:"default_device_access,omitempty"` // "all" (default) or "none"
}

// AgentTokenEntry maps a device ID to its static enrollment token.
type AgentTokenEntry struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
	Name     string `json:"name,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`    // e.g. "fleetward.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"`
}

// BrokerConfig defines the command/session broker's behavior.
type BrokerConfig struct {
	// SessionLimit caps concurrent remote-control sessions per organization.
	SessionLimit int `json:"session_limit,omitempty"`
	// SessionTTL evicts registered sessions the agent never answered.
	SessionTTL Duration `json:"session_ttl,omitempty"`
	// CommandTokenLifetime bounds the upload token minted per command.
	CommandTokenLifetime Duration `json:"command_token_lifetime,omitempty"`
	// ScriptTokenLifetime bounds the upload token minted per script run.
	ScriptTokenLifetime Duration `json:"script_token_lifetime,omitempty"`
	EnforceAttendedAccess bool `json:"enforce_attended_access,omitempty"`
	NotifyUserOnStart     bool `json:"notify_user_on_start,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "oidc" && c.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth.oidc_issuer is required when provider is oidc")
	}
	if c.Broker.SessionLimit < 0 {
		return fmt.Errorf("broker.session_limit must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.AgentTokenLifetime.Duration == 0 {
		c.Auth.AgentTokenLifetime.Duration = 1 * time.Hour
	}
	if c.Auth.DefaultDeviceAccess == "" {
		c.Auth.DefaultDeviceAccess = "all"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "fleetward.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour
	}
	if c.Broker.SessionLimit == 0 {
		c.Broker.SessionLimit = 5
	}
	if c.Broker.SessionTTL.Duration == 0 {
		c.Broker.SessionTTL.Duration = 10 * time.Minute
	}
	if c.Broker.CommandTokenLifetime.Duration == 0 {
		c.Broker.CommandTokenLifetime.Duration = 5 * time.Minute
	}
	if c.Broker.ScriptTokenLifetime.Duration == 0 {
		c.Broker.ScriptTokenLifetime.Duration = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
