package tenantctx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel failure conditions for policy checks.
var (
	// ErrPermissionDenied is returned when the caller's role or
	// organization does not authorize the requested operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrContextMissing is returned when a storage call is attempted
	// without a Context — treated as a programming error, never as a
	// caller-facing condition to work around.
	ErrContextMissing = errors.New("tenant context missing")
)

// ElevationRecorder persists an audit event describing a with_elevation use.
// The audit package implements this; tenantctx depends only on the
// interface to avoid an import cycle.
type ElevationRecorder interface {
	RecordElevation(ctx context.Context, actorUserID, targetOrgID uuid.UUID, reason string)
}

// Policy is the enforcement point every storage operation against a
// tenant-bound table must pass through.
type Policy struct {
	elevation ElevationRecorder
}

// NewPolicy constructs a Policy. recorder may be nil in tests that do not
// exercise elevation.
func NewPolicy(recorder ElevationRecorder) *Policy {
	return &Policy{elevation: recorder}
}

// ScopeOrg returns orgID if tc is authorized to operate on it — either
// because it is the caller's own organization, or because the caller has an
// active, audited elevation onto it. It is the single chokepoint every
// storage method must call before running a tenant-scoped query.
func (p *Policy) ScopeOrg(tc *Context, orgID uuid.UUID) (uuid.UUID, error) {
	if tc == nil {
		return uuid.Nil, ErrContextMissing
	}
	if scoped, ok := tc.AllowedOrg(orgID); ok {
		return scoped, nil
	}
	return uuid.Nil, ErrPermissionDenied
}

// RequireRole fails with ErrPermissionDenied if the caller's platform role
// is below min.
func (p *Policy) RequireRole(tc *Context, min string) error {
	if tc == nil {
		return ErrContextMissing
	}
	if !tc.HasPlatformRole(min) {
		return fmt.Errorf("%w: requires platform role %q or higher", ErrPermissionDenied, min)
	}
	return nil
}

// RequireMembershipRole fails with ErrPermissionDenied if the caller's
// membership role within their own organization is below min.
func (p *Policy) RequireMembershipRole(tc *Context, min string) error {
	if tc == nil {
		return ErrContextMissing
	}
	if !tc.HasMembershipRole(min) {
		return fmt.Errorf("%w: requires membership role %q or higher", ErrPermissionDenied, min)
	}
	return nil
}

// WithElevation returns a derived Context scoped to targetOrg, usable only
// by operators (admin/superadmin). Every use is recorded as an AuditEvent
// before the derived context is handed back, so that by the
// time any scoped query runs, the audit trail already exists.
func (p *Policy) WithElevation(ctx context.Context, tc *Context, targetOrg uuid.UUID, reason string) (*Context, error) {
	if tc == nil {
		return nil, ErrContextMissing
	}
	if !tc.IsOperator() {
		return nil, fmt.Errorf("%w: elevation requires platform role %q or higher", ErrPermissionDenied, RoleAdmin)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: elevation requires a reason", ErrPermissionDenied)
	}

	elevated := *tc
	elevated.Elevated = true
	elevated.ElevatedOrgID = targetOrg
	elevated.ElevationReason = reason

	if p.elevation != nil {
		p.elevation.RecordElevation(ctx, tc.UserID, targetOrg, reason)
	}

	return &elevated, nil
}
