package ratequota

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRatePerMinuteByTier(t *testing.T) {
	tests := []struct {
		tier string
		want int
	}{
		{domain.TierFree, 60},
		{domain.TierPro, 600},
		{domain.TierTeam, 3000},
		{domain.TierEnterprise, 12000},
		{"unknown-tier", 60},
	}
	for _, tt := range tests {
		if got := RatePerMinute(tt.tier); got != tt.want {
			t.Errorf("RatePerMinute(%q) = %d, want %d", tt.tier, got, tt.want)
		}
	}
}

func TestAllowLocalFallbackExhaustsBurst(t *testing.T) {
	rl := NewRateLimiter(nil, testLogger())
	orgID, keyID := uuid.New(), uuid.New()

	const perMinute = 10
	granted := 0
	for i := 0; i < perMinute*2; i++ {
		ok, err := rl.Allow(context.Background(), orgID, keyID, perMinute)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if ok {
			granted++
		}
	}

	// The local bucket starts full with a burst of perMinute tokens; the
	// refill over this loop's lifetime is negligible.
	if granted != perMinute {
		t.Errorf("granted %d requests, want %d", granted, perMinute)
	}
}

func TestAllowIsolatesKeys(t *testing.T) {
	rl := NewRateLimiter(nil, testLogger())
	orgID := uuid.New()
	keyA, keyB := uuid.New(), uuid.New()

	const perMinute = 5
	for i := 0; i < perMinute; i++ {
		if ok, _ := rl.Allow(context.Background(), orgID, keyA, perMinute); !ok {
			t.Fatalf("key A request %d unexpectedly rejected", i)
		}
	}
	if ok, _ := rl.Allow(context.Background(), orgID, keyA, perMinute); ok {
		t.Error("key A should be exhausted")
	}
	if ok, _ := rl.Allow(context.Background(), orgID, keyB, perMinute); !ok {
		t.Error("key B should not share key A's bucket")
	}
}

func TestAllowRejectsZeroAllowance(t *testing.T) {
	rl := NewRateLimiter(nil, testLogger())
	if ok, _ := rl.Allow(context.Background(), uuid.New(), uuid.New(), 0); ok {
		t.Error("zero allowance must reject")
	}
}

func TestPeriodStart(t *testing.T) {
	now := time.Date(2026, time.March, 17, 15, 42, 3, 0, time.UTC)
	want := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if got := periodStart(now); !got.Equal(want) {
		t.Errorf("periodStart = %v, want %v", got, want)
	}

	// Local-zone times land in the same UTC month bucket.
	loc := time.FixedZone("UTC+13", 13*3600)
	local := time.Date(2026, time.April, 1, 3, 0, 0, 0, loc) // Mar 31 14:00 UTC
	want = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if got := periodStart(local); !got.Equal(want) {
		t.Errorf("periodStart(local) = %v, want %v", got, want)
	}
}

func TestBucketKeyStable(t *testing.T) {
	orgID, keyID := uuid.New(), uuid.New()
	if bucketKey(orgID, keyID) != bucketKey(orgID, keyID) {
		t.Error("bucketKey must be deterministic")
	}
	if bucketKey(orgID, keyID) == bucketKey(keyID, orgID) {
		t.Error("bucketKey must distinguish org and key components")
	}
}
