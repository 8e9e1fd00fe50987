package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fleetward/fleetward/internal/auth"
	"github.com/fleetward/fleetward/internal/store"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	deviceKey   contextKey = "device"
)

// authMiddleware resolves the bearer token into an identity and stores it
// on the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		identity, err := s.authProvider.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(h, "Bearer "), true
}

// adminMiddleware restricts a route group to admin-role identities.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil || identity.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// deviceCtx loads the device named in the URL onto the request context.
// Devices outside the caller's organization read as not found, and the
// broker's permission composition gates access beyond that.
func (s *Server) deviceCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		deviceID := chi.URLParam(r, "deviceID")

		dev, err := s.store.GetDevice(r.Context(), deviceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get device")
			return
		}
		if dev == nil || identity == nil || dev.OrgID != identity.OrgID {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		if !s.canAccessDevice(r.Context(), identity, deviceID) {
			writeError(w, http.StatusForbidden, "access denied")
			return
		}

		ctx := context.WithValue(r.Context(), deviceKey, dev)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// canAccessDevice mirrors the broker's access gate: admins and "all"
// access mode pass, otherwise an explicit grant is required. Lookup
// errors deny.
func (s *Server) canAccessDevice(ctx context.Context, identity *auth.Identity, deviceID string) bool {
	if identity.Role == "admin" || s.defaultDeviceAccess != "none" {
		return true
	}
	ok, err := s.store.HasDeviceAccess(ctx, identity.UserID, deviceID)
	if err != nil {
		return false
	}
	return ok
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

func getDeviceFromContext(ctx context.Context) *store.Device {
	dev, _ := ctx.Value(deviceKey).(*store.Device)
	return dev
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			// X-Upload-Token is sent by agents and remote-control viewers
			// posting results cross-origin.
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Upload-Token")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
