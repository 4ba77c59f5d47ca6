package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/apierr"
	"github.com/plexmcp/plexmcp/internal/audit"
	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/mcpregistry"
	"github.com/plexmcp/plexmcp/internal/ratequota"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRegistry struct {
	descriptors map[uuid.UUID]domain.McpDescriptor
	secret      string
}

func (f *fakeRegistry) Get(_ context.Context, tc *tenantctx.Context, orgID, id uuid.UUID) (domain.McpDescriptor, error) {
	d, ok := f.descriptors[id]
	if !ok || d.OrgID != orgID {
		return domain.McpDescriptor{}, mcpregistry.ErrNotFound
	}
	if _, allowed := tc.AllowedOrg(d.OrgID); !allowed {
		return domain.McpDescriptor{}, tenantctx.ErrPermissionDenied
	}
	return d, nil
}

func (f *fakeRegistry) DecryptSecret(_ context.Context, _ domain.McpDescriptor) (string, error) {
	return f.secret, nil
}

type fakeOrgs struct {
	org domain.Organization
}

func (f *fakeOrgs) GetUnscoped(_ context.Context, _ uuid.UUID) (domain.Organization, error) {
	return f.org, nil
}

type fakeQuota struct {
	admitErr error
	recorded []ratequota.Outcome
}

func (f *fakeQuota) Admit(_ context.Context, _ uuid.UUID, _ int) error { return f.admitErr }

func (f *fakeQuota) RecordOutcome(_ context.Context, _ uuid.UUID, out ratequota.Outcome) error {
	f.recorded = append(f.recorded, out)
	return nil
}

type fakeRate struct {
	allowed bool
}

func (f *fakeRate) Allow(_ context.Context, _, _ uuid.UUID, _ int) (bool, error) {
	return f.allowed, nil
}

type engineFixture struct {
	engine   *Engine
	registry *fakeRegistry
	quota    *fakeQuota
	rate     *fakeRate
	session  *fakeSession
	dialErr  error
	dials    *int
	reprobed *[]uuid.UUID
	tc       *tenantctx.Context
	d        domain.McpDescriptor
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()

	orgID := uuid.New()
	keyID := uuid.New()
	d := testDescriptor(orgID, 1)

	f := &engineFixture{
		registry: &fakeRegistry{descriptors: map[uuid.UUID]domain.McpDescriptor{d.ID: d}, secret: "sec"},
		quota:    &fakeQuota{},
		rate:     &fakeRate{allowed: true},
		session:  &fakeSession{},
		dials:    new(int),
		reprobed: &[]uuid.UUID{},
		tc: &tenantctx.Context{
			OrgID:          orgID,
			APIKeyID:       &keyID,
			MembershipRole: tenantctx.MemberRoleMember,
			PlatformRole:   tenantctx.RoleUser,
		},
		d: d,
	}

	pool := NewPool(func(_ context.Context, _ domain.McpDescriptor, _ string) (Session, error) {
		*f.dials++
		if f.dialErr != nil {
			return nil, f.dialErr
		}
		return f.session, nil
	}, 10, time.Minute)

	orgs := &fakeOrgs{org: domain.Organization{ID: orgID, Tier: domain.TierPro}}
	reprobe := func(_ context.Context, id uuid.UUID) { *f.reprobed = append(*f.reprobed, id) }

	f.engine = NewEngine(f.registry, orgs, f.quota, f.rate, pool, reprobe,
		audit.NewWriter(nil, testLogger()), testLogger())
	return f
}

func kindOf(t *testing.T, err error) apierr.Kind {
	t.Helper()
	ae, ok := apierr.As(err)
	if !ok {
		t.Fatalf("error %v is not an apierr", err)
	}
	return ae.Kind
}

func TestExecuteSuccessIncrementsUsage(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Execute(context.Background(), f.tc, f.d.ID, Request{Tool: "search"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Response == nil {
		t.Fatal("expected the upstream response to be relayed")
	}

	if len(f.quota.recorded) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(f.quota.recorded))
	}
	if f.quota.recorded[0].IsError {
		t.Error("successful call must not be counted as an error")
	}
}

func TestExecuteNotFoundForUnknownDescriptor(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Execute(context.Background(), f.tc, uuid.New(), Request{Tool: "search"})
	if kindOf(t, err) != apierr.NotFound {
		t.Errorf("kind = %v, want NotFound", kindOf(t, err))
	}
	if len(f.quota.recorded) != 0 {
		t.Error("a NotFound rejection must not consume quota")
	}
}

func TestExecuteNotFoundForOtherOrgsDescriptor(t *testing.T) {
	f := newFixture(t)

	// Same descriptor id, caller from a different organization.
	otherTC := &tenantctx.Context{
		OrgID:          uuid.New(),
		MembershipRole: tenantctx.MemberRoleMember,
		PlatformRole:   tenantctx.RoleUser,
	}
	f.engine.orgs = &fakeOrgs{org: domain.Organization{Tier: domain.TierPro}}

	_, err := f.engine.Execute(context.Background(), otherTC, f.d.ID, Request{Tool: "search"})
	if kindOf(t, err) != apierr.NotFound {
		t.Errorf("kind = %v, want NotFound (ownership must be indistinguishable from absence)", kindOf(t, err))
	}
}

func TestExecuteFailsFastOnUnhealthyUpstream(t *testing.T) {
	f := newFixture(t)
	d := f.d
	d.HealthStatus = domain.HealthUnhealthy
	f.registry.descriptors[d.ID] = d

	_, err := f.engine.Execute(context.Background(), f.tc, d.ID, Request{Tool: "search"})
	if kindOf(t, err) != apierr.UpstreamUnhealthy {
		t.Errorf("kind = %v, want UpstreamUnhealthy", kindOf(t, err))
	}
	if *f.dials != 0 {
		t.Error("no upstream connection may be opened for an unhealthy descriptor")
	}
	if len(f.quota.recorded) != 0 {
		t.Error("UpstreamUnhealthy must not increment usage")
	}
}

func TestExecuteDegradedModeCallsUnhealthyUpstream(t *testing.T) {
	f := newFixture(t)
	d := f.d
	d.HealthStatus = domain.HealthUnhealthy
	f.registry.descriptors[d.ID] = d

	_, err := f.engine.Execute(context.Background(), f.tc, d.ID, Request{Tool: "search", Degraded: true})
	if err != nil {
		t.Fatalf("degraded-mode call failed: %v", err)
	}
	if len(f.quota.recorded) != 1 {
		t.Error("degraded-mode calls still consume quota")
	}
}

func TestExecuteRateLimitedSkipsUpstreamAndQuota(t *testing.T) {
	f := newFixture(t)
	f.rate.allowed = false

	_, err := f.engine.Execute(context.Background(), f.tc, f.d.ID, Request{Tool: "search"})
	if kindOf(t, err) != apierr.RateLimited {
		t.Errorf("kind = %v, want RateLimited", kindOf(t, err))
	}
	if *f.dials != 0 {
		t.Error("rate-limited requests must not open upstream connections")
	}
	if len(f.quota.recorded) != 0 {
		t.Error("rate-limited requests must not consume monthly quota")
	}
}

func TestExecuteQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.quota.admitErr = ratequota.ErrQuotaExceeded

	_, err := f.engine.Execute(context.Background(), f.tc, f.d.ID, Request{Tool: "search"})
	if kindOf(t, err) != apierr.QuotaExceeded {
		t.Errorf("kind = %v, want QuotaExceeded", kindOf(t, err))
	}
	if *f.dials != 0 {
		t.Error("quota-exceeded requests must not open upstream connections")
	}
	if len(f.quota.recorded) != 0 {
		t.Error("quota-exceeded requests must not be incremented")
	}
}

func TestExecuteConnectFailureCountsAsError(t *testing.T) {
	f := newFixture(t)
	f.dialErr = errors.New("connection refused")

	_, err := f.engine.Execute(context.Background(), f.tc, f.d.ID, Request{Tool: "search"})
	if kindOf(t, err) != apierr.UpstreamUnavailable {
		t.Errorf("kind = %v, want UpstreamUnavailable", kindOf(t, err))
	}
	if len(f.quota.recorded) != 1 || !f.quota.recorded[0].IsError {
		t.Error("connect failure must be counted as an error outcome")
	}
}

func TestExecuteRetriesConnectOnlyWhenIdempotent(t *testing.T) {
	f := newFixture(t)
	f.dialErr = errors.New("connection refused")

	_, _ = f.engine.Execute(context.Background(), f.tc, f.d.ID, Request{Tool: "search"})
	if *f.dials != 1 {
		t.Errorf("non-idempotent request dialed %d times, want 1", *f.dials)
	}

	*f.dials = 0
	_, _ = f.engine.Execute(context.Background(), f.tc, f.d.ID, Request{Tool: "search", Idempotent: true})
	if *f.dials != connectAttempts {
		t.Errorf("idempotent request dialed %d times, want %d", *f.dials, connectAttempts)
	}
}

func TestExecuteTimeoutNotRetriedAndCountsAsError(t *testing.T) {
	f := newFixture(t)
	f.session.callErr = context.DeadlineExceeded

	_, err := f.engine.Execute(context.Background(), f.tc, f.d.ID, Request{Tool: "search", Idempotent: true})
	if kindOf(t, err) != apierr.UpstreamTimeout {
		t.Errorf("kind = %v, want UpstreamTimeout", kindOf(t, err))
	}
	if *f.dials != 1 {
		t.Errorf("timed-out request dialed %d times, want 1 (timeouts are never retried)", *f.dials)
	}
	if len(f.quota.recorded) != 1 || !f.quota.recorded[0].IsError {
		t.Error("timeout must be counted as an error outcome")
	}
	if len(*f.reprobed) != 0 {
		t.Error("timeouts do not trigger urgent re-probes")
	}
}

func TestExecuteProtocolErrorTriggersReprobe(t *testing.T) {
	f := newFixture(t)
	f.session.callErr = errors.New("malformed jsonrpc frame")

	_, err := f.engine.Execute(context.Background(), f.tc, f.d.ID, Request{Tool: "search"})
	if kindOf(t, err) != apierr.UpstreamProtocolError {
		t.Errorf("kind = %v, want UpstreamProtocolError", kindOf(t, err))
	}
	if len(*f.reprobed) != 1 || (*f.reprobed)[0] != f.d.ID {
		t.Errorf("reprobed = %v, want exactly the failing descriptor", *f.reprobed)
	}
	if len(f.quota.recorded) != 1 || !f.quota.recorded[0].IsError {
		t.Error("protocol error must be counted as an error outcome")
	}
	if f.session.isClosed() != true {
		t.Error("session after a protocol error must not be returned to the pool")
	}
}

func TestExecuteInactiveDescriptorIsNotFound(t *testing.T) {
	f := newFixture(t)
	d := f.d
	d.IsActive = false
	f.registry.descriptors[d.ID] = d

	_, err := f.engine.Execute(context.Background(), f.tc, d.ID, Request{Tool: "search"})
	if kindOf(t, err) != apierr.NotFound {
		t.Errorf("kind = %v, want NotFound", kindOf(t, err))
	}
}
