// Package auth provides authentication and authorization for the server.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fleetward/fleetward/internal/config"
	"github.com/fleetward/fleetward/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID      string `json:"uid"`
	Username    string `json:"usr"`
	DisplayName string `json:"dsp,omitempty"`
	Role        string `json:"role"`
	OrgID       string `json:"org"`
	jwt.RegisteredClaims
}

// Service handles authentication operations.
// It implements Provider, LoginProvider, and AgentAuthProvider.
type Service struct {
	store              store.Store
	jwtSecret          []byte
	jwtExpiry          time.Duration
	agentTokens        map[string]string // device_id -> token (static, deprecated)
	agentTokenSecret   string            // HMAC secret for time-limited tokens
	agentTokenLifetime time.Duration
	initialAdmin       *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	tokens := make(map[string]string)
	for _, at := range cfg.AgentTokens {
		tokens[at.DeviceID] = at.Token
	}

	return &Service{
		store:              s,
		jwtSecret:          []byte(cfg.JWTSecret),
		jwtExpiry:          cfg.JWTExpiry.Duration,
		agentTokens:        tokens,
		agentTokenSecret:   cfg.AgentTokenSecret,
		agentTokenLifetime: cfg.AgentTokenLifetime.Duration,
		initialAdmin:       cfg.InitialAdmin,
	}
}

// AgentTokenSecret returns the HMAC secret for time-limited agent tokens.
func (s *Service) AgentTokenSecret() string {
	return s.agentTokenSecret
}

// AgentTokenLifetime returns the lifetime for generated agent tokens.
func (s *Service) AgentTokenLifetime() time.Duration {
	return s.agentTokenLifetime
}

// GenerateAgentToken creates a time-limited HMAC token for an agent.
// Token format: {deviceID}:{timestamp}:{hmac-sha256(deviceID+timestamp, secret)}
func (s *Service) GenerateAgentToken(deviceID string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.agentTokenSecret))
	mac.Write([]byte(deviceID + ":" + ts))
	sig := hex.EncodeToString(mac.Sum(nil))
	return deviceID + ":" + ts + ":" + sig
}

// ValidateTimeLimitedToken verifies an HMAC agent token and returns the device ID.
func (s *Service) ValidateTimeLimitedToken(token string) (string, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid token format")
	}

	deviceID, tsStr, sig := parts[0], parts[1], parts[2]

	// Verify HMAC
	mac := hmac.New(sha256.New, []byte(s.agentTokenSecret))
	mac.Write([]byte(deviceID + ":" + tsStr))
	expectedSig := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return "", errors.New("invalid token signature")
	}

	// Check timestamp
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", errors.New("invalid token timestamp")
	}

	age := time.Since(time.Unix(ts, 0))
	if age > s.agentTokenLifetime {
		return "", errors.New("token expired")
	}
	if age < -1*time.Minute {
		return "", errors.New("token from the future")
	}

	return deviceID, nil
}

// Bootstrap creates the initial admin user if configured and no users exist.
// This implements the Provider interface.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.BootstrapAdmin(ctx, s.initialAdmin)
}

// BootstrapAdmin creates the initial admin user from the given config.
func (s *Service) BootstrapAdmin(ctx context.Context, admin *config.InitialAdmin) error {
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetUser(ctx, "default", admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		OrgID:        "default",
		Username:     admin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	}

	return s.store.CreateUser(ctx, user)
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUser(ctx, "default", username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, username, password, role string) (*store.User, error) {
	existing, err := s.store.GetUser(ctx, "default", username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "user"
	}

	user := &store.User{
		ID:           uuid.New().String(),
		OrgID:        "default",
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// ValidateToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	orgID := claims.OrgID
	if orgID == "" {
		orgID = "default"
	}
	return &Identity{
		UserID:      claims.UserID,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
		OrgID:       orgID,
	}, nil
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

// ValidateAgentToken checks if a static agent token is valid for the device.
func (s *Service) ValidateAgentToken(deviceID, token string) bool {
	expected, ok := s.agentTokens[deviceID]
	if !ok {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(token))
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		OrgID:       user.OrgID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
