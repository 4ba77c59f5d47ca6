package auth

import (
	"encoding/json"
	"net/http"

	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// RequireAuth rejects requests that have no authenticated tenant context.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := tenantctx.FromContext(r.Context()); !ok {
			respondForbidden(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireMinRole returns middleware that rejects requests whose platform
// role has a lower privilege level than minRole (tenantctx.RoleUser
// through RoleSuperadmin).
func RequireMinRole(minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, ok := tenantctx.FromContext(r.Context())
			if !ok {
				respondForbidden(w, "authentication required")
				return
			}
			if !tc.HasPlatformRole(minRole) {
				respondForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireMinMembershipRole returns middleware that rejects requests whose
// membership role within their own organization is below minRole
// (tenantctx.MemberRoleMember through MemberRoleOwner).
func RequireMinMembershipRole(minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, ok := tenantctx.FromContext(r.Context())
			if !ok {
				respondForbidden(w, "authentication required")
				return
			}
			if !tc.HasMembershipRole(minRole) {
				respondForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":    "Forbidden",
		"message": message,
	})
}
