// ABOUTME: HTTP middleware that establishes the caller's identity
// ABOUTME: Bearer JWTs in production; X-User-* headers when no verifier is configured

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Development headers, honoured only when no TokenVerifier is configured.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserName  = "X-User-Name"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRoles = "X-User-Roles"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// writeError writes the API's JSON error body.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

// Middleware attaches the caller's Identity to the request context.
//
// With a verifier, requests need "Authorization: Bearer <jwt>". Browsers'
// EventSource cannot set headers, so an access_token query parameter is also
// accepted. With a nil verifier the identity is read from the X-User-*
// headers; that mode is for local development only.
func Middleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	if verifier == nil {
		logger.Warn("no jwt secret configured, trusting X-User-* headers (development mode)")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id *Identity
			if verifier == nil {
				id = identityFromHeaders(r)
				if id == nil {
					writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+HeaderUserID+" header")
					return
				}
			} else {
				token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
				if errMsg != "" {
					token = r.URL.Query().Get("access_token")
				}
				if token == "" {
					writeError(w, http.StatusUnauthorized, "unauthorized", errMsg)
					return
				}

				verified, err := verifier.Verify(token)
				if err != nil {
					logger.Debug("rejected token", "error", err)
					writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
					return
				}
				id = verified
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func identityFromHeaders(r *http.Request) *Identity {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return nil
	}
	var roles []string
	for _, role := range strings.Split(r.Header.Get(HeaderUserRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return &Identity{
		UserID: userID,
		Name:   strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Email:  strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
		Roles:  roles,
	}
}

// RequireAdmin rejects callers without the admin role.
// Must be used after Middleware.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
				return
			}
			if !id.IsAdmin() {
				writeError(w, http.StatusForbidden, "forbidden", "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
