package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// Middleware authenticates the caller via session JWT or API key and stores
// the resulting tenantctx.Context on the request. Exactly two schemes are
// recognized: a Bearer session JWT for the operator/member UI and API
// surface, and an API key (Bearer or X-API-Key) for the proxy surface.
func Middleware(sessionMgr *SessionManager, apikeyAuth *APIKeyAuthenticator, store Storage, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := authenticate(r, sessionMgr, apikeyAuth, store)
			if err != nil {
				logger.Warn("authentication failed", "error", err, "path", r.URL.Path)
				respondErr(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}

			ctx := tenantctx.WithContext(r.Context(), tc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, sessionMgr *SessionManager, apikeyAuth *APIKeyAuthenticator, store Storage) (*tenantctx.Context, error) {
	if rawKey := apiKeyFromRequest(r); rawKey != "" {
		result, err := apikeyAuth.Authenticate(r.Context(), rawKey)
		if err != nil {
			return nil, err
		}
		keyID := result.APIKeyID
		return &tenantctx.Context{
			OrgID:          result.OrgID,
			MembershipRole: result.Role,
			PlatformRole:   tenantctx.RoleUser,
			APIKeyID:       &keyID,
		}, nil
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		rawToken := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		claims, err := sessionMgr.ValidateToken(rawToken)
		if err != nil {
			return nil, err
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			return nil, err
		}
		orgID, err := uuid.Parse(claims.OrgID)
		if err != nil {
			return nil, err
		}

		// Revocation invalidates all tokens bound to a session, so a valid signature alone is not enough.
		if claims.SessionID != "" {
			sessionID, err := uuid.Parse(claims.SessionID)
			if err != nil {
				return nil, err
			}
			sess, err := store.GetSession(r.Context(), sessionID)
			if err != nil {
				return nil, err
			}
			if sess.RevokedAt != nil {
				return nil, errAuth("session has been revoked")
			}
		}

		return &tenantctx.Context{
			UserID:         userID,
			OrgID:          orgID,
			PlatformRole:   claims.PlatformRole,
			MembershipRole: claims.MembershipRole,
		}, nil
	}

	return nil, errNoCredentials
}

var errNoCredentials = errAuth("no valid authentication provided")

type errAuth string

func (e errAuth) Error() string { return string(e) }

// apiKeyFromRequest extracts a raw API key from either the X-API-Key header
// or a "Bearer pmk_..." Authorization header, so API clients can use
// whichever convention their HTTP library makes easiest.
func apiKeyFromRequest(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer pmk_") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func respondErr(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":    kind,
		"message": message,
	})
}
