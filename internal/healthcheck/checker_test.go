package healthcheck

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJitterStaysWithinTenPercent(t *testing.T) {
	base := time.Minute
	for i := 0; i < 1000; i++ {
		got := jitter(base)
		if got < 54*time.Second || got > 66*time.Second {
			t.Fatalf("jitter(%v) = %v, outside ±10%%", base, got)
		}
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := time.Minute

	if got := backoff(base, 1); got != 15*time.Second {
		t.Errorf("backoff(1) = %v, want 15s", got)
	}
	if got := backoff(base, 2); got != 30*time.Second {
		t.Errorf("backoff(2) = %v, want 30s", got)
	}
	if got := backoff(base, 3); got != time.Minute {
		t.Errorf("backoff(3) = %v, want 1m", got)
	}
	if got := backoff(base, 50); got != maxBackoff {
		t.Errorf("backoff(50) = %v, want cap %v", got, maxBackoff)
	}
	// Zero or negative counts behave like the first failure.
	if got := backoff(base, 0); got != 15*time.Second {
		t.Errorf("backoff(0) = %v, want 15s", got)
	}
}

func TestDueDeduplicatesWithinInterval(t *testing.T) {
	c := New(nil, nil, testLogger(), time.Minute, 3)
	id := uuid.New()
	now := time.Now()

	if !c.due(id, now) {
		t.Fatal("first check should be due")
	}
	if c.due(id, now.Add(time.Second)) {
		t.Error("descriptor should not be due again immediately after dispatch")
	}
	if !c.due(id, now.Add(2*time.Minute)) {
		t.Error("descriptor should be due after the interval has passed")
	}
}

func TestRequestReprobeNeverBlocks(t *testing.T) {
	c := New(nil, nil, testLogger(), time.Minute, 3)

	// Fill the urgent queue beyond capacity; extra requests are dropped
	// rather than blocking the proxy's request path.
	for i := 0; i < cap(c.urgent)*2; i++ {
		done := make(chan struct{})
		go func() {
			c.RequestReprobe(uuid.New())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("RequestReprobe blocked")
		}
	}

	if len(c.urgent) != cap(c.urgent) {
		t.Errorf("urgent queue length = %d, want full at %d", len(c.urgent), cap(c.urgent))
	}
}
