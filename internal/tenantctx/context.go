// Package tenantctx carries tenant identity through every request and
// enforces the isolation policy. Every request handler constructs a
// Context carrying the caller's identity and organization; every storage access is gated
// through the Policy so that no query can cross an organization boundary,
// even for an elevated platform operator, without an explicit and audited
// with_elevation call.
//
// This is the one legitimate route to the storage layer: packages that read
// or write tenant-bound rows accept a *Context parameter and call
// Policy.ScopeOrg before building a query. Application-level policy is
// authoritative; PostgreSQL FORCE ROW LEVEL SECURITY is kept only as a
// belt-and-braces backstop in the migrations.
package tenantctx

import (
	"context"

	"github.com/google/uuid"
)

// Platform roles, ordered by privilege.
const (
	RoleUser       = "user"
	RoleStaff      = "staff"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

// Membership roles within a single organization.
const (
	MemberRoleOwner  = "owner"
	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"
)

var platformRoleLevel = map[string]int{
	RoleUser:       10,
	RoleStaff:      20,
	RoleAdmin:      30,
	RoleSuperadmin: 40,
}

var membershipRoleLevel = map[string]int{
	MemberRoleMember: 10,
	MemberRoleAdmin:  20,
	MemberRoleOwner:  30,
}

// Context carries the authenticated caller's identity through a single
// request. It is immutable; elevation produces a derived copy rather than
// mutating the original.
type Context struct {
	UserID         uuid.UUID
	OrgID          uuid.UUID
	PlatformRole   string
	MembershipRole string
	APIKeyID       *uuid.UUID
	CorrelationID  string

	// Elevated is true when an admin/superadmin operator has temporarily
	// scoped to an organization other than their own via with_elevation.
	Elevated       bool
	ElevatedOrgID  uuid.UUID
	ElevationReason string
}

type ctxKey struct{}

// WithContext stores tc on ctx for downstream handlers and storage calls.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext retrieves the Context stored by WithContext, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	return tc, ok
}

// AllowedOrg returns the organization id this Context is authorized to read
// or write. It is orgID unless Elevated grants access to a different org.
func (c *Context) AllowedOrg(orgID uuid.UUID) (uuid.UUID, bool) {
	if c.OrgID == orgID {
		return orgID, true
	}
	if c.Elevated && c.ElevatedOrgID == orgID {
		return orgID, true
	}
	return uuid.Nil, false
}

// HasPlatformRole reports whether the caller's platform role meets or
// exceeds min.
func (c *Context) HasPlatformRole(min string) bool {
	return platformRoleLevel[c.PlatformRole] >= platformRoleLevel[min]
}

// HasMembershipRole reports whether the caller's membership role within
// their own organization meets or exceeds min.
func (c *Context) HasMembershipRole(min string) bool {
	return membershipRoleLevel[c.MembershipRole] >= membershipRoleLevel[min]
}

// IsOperator reports whether the caller's platform role makes them eligible
// to invoke with_elevation.
func (c *Context) IsOperator() bool {
	return c.HasPlatformRole(RoleAdmin)
}
