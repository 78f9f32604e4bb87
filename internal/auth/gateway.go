// Package auth validates identity headers set by the API gateway. The
// service itself never parses tokens; the gateway verifies the JWT and
// forwards the claims as headers, and this middleware refuses requests the
// gateway has not marked verified.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	TeamIDKey contextKey = "team_id"
	UserIDKey contextKey = "user_id"
	ScopesKey contextKey = "scopes"
)

// Scopes the API distinguishes.
const (
	ScopeRead        = "drift:read"
	ScopeWrite       = "drift:write"
	ScopeRecalibrate = "drift:recalibrate"
)

// GatewayConfig holds the header names the gateway forwards claims in.
type GatewayConfig struct {
	Enabled          bool
	TeamIDHeader     string
	UserIDHeader     string
	ScopesHeader     string
	VerifiedHeader   string
	BypassForHealth  bool
	BypassForMetrics bool
}

// DefaultGatewayConfig returns production defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Enabled:          true,
		TeamIDHeader:     "X-Team-ID",
		UserIDHeader:     "X-User-ID",
		ScopesHeader:     "X-Scopes",
		VerifiedHeader:   "X-Auth-Verified",
		BypassForHealth:  true,
		BypassForMetrics: true,
	}
}

// Middleware enforces gateway-verified identity on every request and binds
// the forwarded claims into the request context.
func Middleware(config *GatewayConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultGatewayConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			if config.BypassForHealth && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if config.BypassForMetrics && r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get(config.VerifiedHeader) != "true" {
				sendError(w, http.StatusUnauthorized, "Unauthorized: gateway verification required")
				return
			}

			teamID := r.Header.Get(config.TeamIDHeader)
			if teamID == "" {
				sendError(w, http.StatusUnauthorized, "Unauthorized: missing team identity")
				return
			}

			ctx := context.WithValue(r.Context(), TeamIDKey, teamID)
			if userID := r.Header.Get(config.UserIDHeader); userID != "" {
				ctx = context.WithValue(ctx, UserIDKey, userID)
			}
			if scopes := parseScopes(r.Header.Get(config.ScopesHeader)); len(scopes) > 0 {
				ctx = context.WithValue(ctx, ScopesKey, scopes)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseScopes accepts either a JSON array or a comma-separated list.
func parseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		scopes = strings.Split(raw, ",")
		for i := range scopes {
			scopes[i] = strings.TrimSpace(scopes[i])
		}
	}
	return scopes
}

// TeamID extracts the team identity from a request context.
func TeamID(ctx context.Context) (string, bool) {
	teamID, ok := ctx.Value(TeamIDKey).(string)
	return teamID, ok
}

// UserID extracts the user identity from a request context.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// HasScope reports whether the request carries the given scope.
func HasScope(ctx context.Context, required string) bool {
	scopes, ok := ctx.Value(ScopesKey).([]string)
	if !ok {
		return false
	}
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   true,
		"status":  statusCode,
		"message": message,
	})
}
