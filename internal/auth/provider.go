package auth

import (
	"context"
	"time"

	"github.com/fleetward/fleetward/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID      string // Internal user ID (builtin) or external provider user ID
	Username    string
	DisplayName string
	Role        string // "admin" or "user"
	OrgID       string // "default" for self-hosted, org_id for SaaS
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}

// AgentAuthProvider handles agent token validation and generation.
type AgentAuthProvider interface {
	ValidateAgentToken(deviceID, token string) bool
	ValidateTimeLimitedToken(token string) (string, error)
	GenerateAgentToken(deviceID string) string
	AgentTokenSecret() string
	AgentTokenLifetime() time.Duration
}
