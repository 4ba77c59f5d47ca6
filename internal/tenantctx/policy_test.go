package tenantctx

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type fakeRecorder struct {
	calls int
	actor uuid.UUID
	org   uuid.UUID
	reason string
}

func (f *fakeRecorder) RecordElevation(_ context.Context, actorUserID, targetOrgID uuid.UUID, reason string) {
	f.calls++
	f.actor = actorUserID
	f.org = targetOrgID
	f.reason = reason
}

func TestScopeOrgOwnOrgAllowed(t *testing.T) {
	p := NewPolicy(nil)
	org := uuid.New()
	tc := &Context{OrgID: org, PlatformRole: RoleUser}

	got, err := p.ScopeOrg(tc, org)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != org {
		t.Fatalf("expected %s, got %s", org, got)
	}
}

func TestScopeOrgCrossTenantDeniedEvenForOperator(t *testing.T) {
	p := NewPolicy(nil)
	org := uuid.New()
	other := uuid.New()
	tc := &Context{OrgID: org, PlatformRole: RoleSuperadmin}

	_, err := p.ScopeOrg(tc, other)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestScopeOrgMissingContext(t *testing.T) {
	p := NewPolicy(nil)
	_, err := p.ScopeOrg(nil, uuid.New())
	if !errors.Is(err, ErrContextMissing) {
		t.Fatalf("expected ErrContextMissing, got %v", err)
	}
}

func TestWithElevationRequiresOperatorRole(t *testing.T) {
	p := NewPolicy(nil)
	tc := &Context{OrgID: uuid.New(), PlatformRole: RoleUser}

	_, err := p.WithElevation(context.Background(), tc, uuid.New(), "investigating incident")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestWithElevationRequiresReason(t *testing.T) {
	p := NewPolicy(nil)
	tc := &Context{OrgID: uuid.New(), PlatformRole: RoleSuperadmin}

	_, err := p.WithElevation(context.Background(), tc, uuid.New(), "")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestWithElevationGrantsScopedAccessAndRecordsAudit(t *testing.T) {
	rec := &fakeRecorder{}
	p := NewPolicy(rec)
	actor := uuid.New()
	home := uuid.New()
	target := uuid.New()
	tc := &Context{UserID: actor, OrgID: home, PlatformRole: RoleSuperadmin}

	elevated, err := p.WithElevation(context.Background(), tc, target, "contract renewal")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := p.ScopeOrg(elevated, target); err != nil {
		t.Fatalf("expected elevated context to scope to target org: %v", err)
	}

	// The original context must remain unaffected — elevation is a derived copy.
	if tc.Elevated {
		t.Fatal("original context must not be mutated by WithElevation")
	}
	if _, err := p.ScopeOrg(tc, target); !errors.Is(err, ErrPermissionDenied) {
		t.Fatal("original context must still be denied access to the target org")
	}

	if rec.calls != 1 {
		t.Fatalf("expected exactly one audit record, got %d", rec.calls)
	}
	if rec.actor != actor || rec.org != target || rec.reason != "contract renewal" {
		t.Fatalf("unexpected audit record: %+v", rec)
	}
}

func TestRequireRoleHierarchy(t *testing.T) {
	p := NewPolicy(nil)
	tc := &Context{PlatformRole: RoleStaff}

	if err := p.RequireRole(tc, RoleUser); err != nil {
		t.Fatalf("staff should satisfy user minimum: %v", err)
	}
	if err := p.RequireRole(tc, RoleAdmin); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("staff should not satisfy admin minimum, got %v", err)
	}
}
