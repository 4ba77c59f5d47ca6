package audit

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingExecer records how many inserts were executed.
type countingExecer struct {
	mu    sync.Mutex
	count int
}

func (c *countingExecer) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return pgconn.CommandTag{}, nil
}

func (c *countingExecer) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestClientIP_XForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")

	ip := clientIP(r)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")

	ip := clientIP(r)
	want := netip.MustParseAddr("198.51.100.23")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_Precedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("clientIP = %v, want %v (X-Forwarded-For should take precedence)", ip, want)
	}
}

func TestClientIP_InvalidXFF(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("clientIP = %v, want %v (should fall back to RemoteAddr)", ip, want)
	}
}

func TestLog_SynchronousFallbackWhenFull(t *testing.T) {
	db := &countingExecer{}
	w := NewWriter(db, testLogger())
	// Don't start the drain goroutine — the channel stays full.

	for i := 0; i < bufferSize; i++ {
		w.Log(context.Background(), Entry{Kind: "login_success"})
	}
	if db.total() != 0 {
		t.Fatalf("expected buffered entries to stay unwritten, got %d inserts", db.total())
	}

	// The buffer is full: the next entries must be written synchronously
	// rather than dropped.
	w.Log(context.Background(), Entry{Kind: "proxy_request"})
	w.Log(context.Background(), Entry{Kind: "proxy_request"})

	if db.total() != 2 {
		t.Errorf("synchronous fallback inserts = %d, want 2", db.total())
	}
	if len(w.entries) != bufferSize {
		t.Errorf("buffered entries = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLog_AssignsMonotonicSequence(t *testing.T) {
	w := NewWriter(nil, testLogger())

	w.Log(context.Background(), Entry{Kind: "login_success"})
	w.Log(context.Background(), Entry{Kind: "logout"})

	first := <-w.entries
	second := <-w.entries
	if first.seq >= second.seq {
		t.Errorf("sequence numbers not monotonic: %d then %d", first.seq, second.seq)
	}
}

func TestLogFromRequest_ExtractsFields(t *testing.T) {
	w := NewWriter(nil, testLogger())
	// Don't start — read from the channel directly.

	r := httptest.NewRequest("POST", "/v1/mcps", nil)
	r.Header.Set("User-Agent", "test-agent/1.0")
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.Header.Set("X-Request-ID", "req-1234")

	w.LogFromRequest(r, "mcp_created", nil, nil, "mcp:abc", map[string]any{"name": "github"})

	entry := <-w.entries

	if entry.Kind != "mcp_created" {
		t.Errorf("Kind = %q, want %q", entry.Kind, "mcp_created")
	}
	if entry.Target != "mcp:abc" {
		t.Errorf("Target = %q, want %q", entry.Target, "mcp:abc")
	}
	if entry.IPAddress == nil || *entry.IPAddress != netip.MustParseAddr("198.51.100.23") {
		t.Errorf("IPAddress = %v, want 198.51.100.23", entry.IPAddress)
	}
	if entry.UserAgent == nil || *entry.UserAgent != "test-agent/1.0" {
		t.Errorf("UserAgent = %v, want test-agent/1.0", entry.UserAgent)
	}
	if entry.CorrelationID != "req-1234" {
		t.Errorf("CorrelationID = %q, want req-1234", entry.CorrelationID)
	}
}
