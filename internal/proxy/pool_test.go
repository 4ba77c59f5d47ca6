package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/plexmcp/plexmcp/internal/apierr"
	"github.com/plexmcp/plexmcp/internal/domain"
)

type fakeSession struct {
	mu     sync.Mutex
	closed bool
	secret string

	callErr error
	result  *mcp.CallToolResult
}

func (f *fakeSession) CallTool(_ context.Context, _ *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testDescriptor(orgID uuid.UUID, version int64) domain.McpDescriptor {
	return domain.McpDescriptor{
		ID:           uuid.New(),
		OrgID:        orgID,
		EndpointURL:  "https://mcp.example.com/rpc",
		AuthScheme:   domain.AuthSchemeBearer,
		HealthStatus: domain.HealthHealthy,
		IsActive:     true,
		Version:      version,
	}
}

func TestPoolReusesIdleSession(t *testing.T) {
	dials := 0
	pool := NewPool(func(_ context.Context, _ domain.McpDescriptor, _ string) (Session, error) {
		dials++
		return &fakeSession{}, nil
	}, 10, time.Minute)

	d := testDescriptor(uuid.New(), 1)

	s1, err := pool.Acquire(context.Background(), d, "sec")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(d, s1, false)

	s2, err := pool.Acquire(context.Background(), d, "sec")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s1 != s2 {
		t.Error("expected the idle session to be reused")
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestPoolInvalidatesStaleVersion(t *testing.T) {
	pool := NewPool(func(_ context.Context, d domain.McpDescriptor, secret string) (Session, error) {
		return &fakeSession{secret: secret}, nil
	}, 10, time.Minute)

	d := testDescriptor(uuid.New(), 1)

	s1, err := pool.Acquire(context.Background(), d, "old-secret")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(d, s1, false)

	// The descriptor was updated: version bumped, secret rotated.
	d.Version = 2
	s2, err := pool.Acquire(context.Background(), d, "new-secret")
	if err != nil {
		t.Fatalf("Acquire after update: %v", err)
	}

	if s2 == s1 {
		t.Fatal("stale-version session must not be reused after a descriptor update")
	}
	if !s1.(*fakeSession).isClosed() {
		t.Error("stale session should be closed on next acquire")
	}
	if s2.(*fakeSession).secret != "new-secret" {
		t.Errorf("new session dialed with secret %q, want new-secret", s2.(*fakeSession).secret)
	}
}

func TestPoolEnforcesPerOrgCap(t *testing.T) {
	pool := NewPool(func(_ context.Context, _ domain.McpDescriptor, _ string) (Session, error) {
		return &fakeSession{}, nil
	}, 2, time.Minute)

	orgID := uuid.New()
	d := testDescriptor(orgID, 1)

	if _, err := pool.Acquire(context.Background(), d, "s"); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if _, err := pool.Acquire(context.Background(), d, "s"); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	_, err := pool.Acquire(context.Background(), d, "s")
	if err == nil {
		t.Fatal("expected the third concurrent acquire to be rejected")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.RateLimited {
		t.Errorf("pool exhaustion error = %v, want RateLimited", err)
	}

	// A different organization is unaffected.
	other := testDescriptor(uuid.New(), 1)
	if _, err := pool.Acquire(context.Background(), other, "s"); err != nil {
		t.Errorf("other org acquire: %v", err)
	}
}

func TestPoolReleaseBrokenFreesCapacity(t *testing.T) {
	pool := NewPool(func(_ context.Context, _ domain.McpDescriptor, _ string) (Session, error) {
		return &fakeSession{}, nil
	}, 1, time.Minute)

	d := testDescriptor(uuid.New(), 1)

	s, err := pool.Acquire(context.Background(), d, "s")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(d, s, true)

	if !s.(*fakeSession).isClosed() {
		t.Error("broken session should be closed")
	}
	if _, err := pool.Acquire(context.Background(), d, "s"); err != nil {
		t.Errorf("capacity not released after broken session: %v", err)
	}
}

func TestPoolEvictIdle(t *testing.T) {
	pool := NewPool(func(_ context.Context, _ domain.McpDescriptor, _ string) (Session, error) {
		return &fakeSession{}, nil
	}, 10, 10*time.Millisecond)

	d := testDescriptor(uuid.New(), 1)
	s, _ := pool.Acquire(context.Background(), d, "s")
	pool.Release(d, s, false)

	time.Sleep(20 * time.Millisecond)
	pool.EvictIdle()

	if !s.(*fakeSession).isClosed() {
		t.Error("idle session past TTL should be evicted and closed")
	}
}

func TestPoolDialErrorPropagatesAndFreesSlot(t *testing.T) {
	dialErr := errors.New("connection refused")
	fail := true
	pool := NewPool(func(_ context.Context, _ domain.McpDescriptor, _ string) (Session, error) {
		if fail {
			return nil, dialErr
		}
		return &fakeSession{}, nil
	}, 1, time.Minute)

	d := testDescriptor(uuid.New(), 1)

	if _, err := pool.Acquire(context.Background(), d, "s"); !errors.Is(err, dialErr) {
		t.Fatalf("Acquire error = %v, want dial error", err)
	}

	fail = false
	if _, err := pool.Acquire(context.Background(), d, "s"); err != nil {
		t.Errorf("slot not freed after failed dial: %v", err)
	}
}
