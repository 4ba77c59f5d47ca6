// Package audit implements the append-only audit log. Writes from the
// request path go through a bounded channel drained by a background
// goroutine; when the channel is full the write falls back to a
// synchronous insert instead of dropping the entry, since billing
// reconciliation and forensic review both assume no event is ever lost.
// The storage layer only ever INSERTs; UPDATE and DELETE on audit_events
// are rejected by the database policy installed in the migrations.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/plexmcp/plexmcp/internal/telemetry"
)

// bufferSize is the capacity of the async write channel. Sized for request
// bursts; overflow switches to synchronous writes rather than dropping.
const bufferSize = 1024

// Entry is a single audit event to be written.
type Entry struct {
	Kind          string
	ActorUserID   *uuid.UUID
	OrgID         *uuid.UUID
	Target        string
	IPAddress     *netip.Addr
	UserAgent     *string
	Details       map[string]any
	CorrelationID string

	// seq is assigned by the writer at enqueue time so the events of one
	// process observe a total order regardless of drain timing.
	seq int64
}

// execer is the slice of pgxpool.Pool the writer needs, narrowed so tests
// can count inserts without a database.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Writer persists audit entries. Safe for concurrent use.
type Writer struct {
	db      execer
	logger  *slog.Logger
	entries chan Entry
	seq     atomic.Int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewWriter creates an audit Writer. Call Start to begin draining the
// buffer, and Close on shutdown to flush what remains.
func NewWriter(db execer, logger *slog.Logger) *Writer {
	return &Writer{
		db:      db,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
		done:    make(chan struct{}),
	}
}

// Start launches the background goroutine that drains the entry buffer.
func (w *Writer) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case entry, ok := <-w.entries:
				if !ok {
					return
				}
				w.insert(context.WithoutCancel(ctx), entry)
			case <-ctx.Done():
				// Drain whatever is buffered before giving up.
				for {
					select {
					case entry := <-w.entries:
						w.insert(context.WithoutCancel(ctx), entry)
					default:
						return
					}
				}
			}
		}
	}()
}

// Close stops accepting new entries and waits for the drain goroutine to
// flush the buffer, bounded by a grace period.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.entries)
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		w.logger.Warn("audit writer close timed out before buffer drained")
	}
}

// Log records an audit entry. It enqueues without blocking when the buffer
// has room; when the buffer is full it performs the insert synchronously on
// the caller's goroutine so the entry is never dropped.
func (w *Writer) Log(ctx context.Context, entry Entry) {
	entry.seq = w.seq.Add(1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.insert(context.WithoutCancel(ctx), entry)
		return
	}

	select {
	case w.entries <- entry:
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		telemetry.AuditQueueOverflowTotal.Inc()
		w.insert(context.WithoutCancel(ctx), entry)
	}
}

// LogFromRequest records an audit entry with IP, user agent, and
// correlation id extracted from the HTTP request.
func (w *Writer) LogFromRequest(r *http.Request, kind string, actorUserID, orgID *uuid.UUID, target string, details map[string]any) {
	entry := Entry{
		Kind:          kind,
		ActorUserID:   actorUserID,
		OrgID:         orgID,
		Target:        target,
		Details:       details,
		CorrelationID: r.Header.Get("X-Request-ID"),
	}

	if ip := clientIP(r); ip.IsValid() {
		entry.IPAddress = &ip
	}
	if ua := r.UserAgent(); ua != "" {
		entry.UserAgent = &ua
	}

	w.Log(r.Context(), entry)
}

// RecordElevation satisfies tenantctx.ElevationRecorder: every
// with_elevation use leaves a trail before any cross-org query runs.
func (w *Writer) RecordElevation(ctx context.Context, actorUserID, targetOrgID uuid.UUID, reason string) {
	actor := actorUserID
	org := targetOrgID
	w.Log(ctx, Entry{
		Kind:        "elevation",
		ActorUserID: &actor,
		OrgID:       &org,
		Target:      targetOrgID.String(),
		Details:     map[string]any{"reason": reason},
	})
}

// RecordInternalError records a high-severity event whenever an Internal
// error reaches a caller, carrying the correlation id that locates the
// matching log line.
func (w *Writer) RecordInternalError(ctx context.Context, correlationID string, details map[string]any) {
	w.Log(ctx, Entry{
		Kind:          "internal_error",
		Details:       details,
		CorrelationID: correlationID,
	})
}

func (w *Writer) insert(ctx context.Context, entry Entry) {
	if w.db == nil {
		return
	}

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		w.logger.Error("marshaling audit details", "error", err, "kind", entry.Kind)
		detailsJSON = []byte("{}")
	}

	const query = `
		INSERT INTO audit_events (id, seq, kind, actor_user_id, org_id, target, ip_address, user_agent, details, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`

	var ipStr *string
	if entry.IPAddress != nil {
		s := entry.IPAddress.String()
		ipStr = &s
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = w.db.Exec(writeCtx, query,
		uuid.New(), entry.seq, entry.Kind, entry.ActorUserID, entry.OrgID,
		entry.Target, ipStr, entry.UserAgent, detailsJSON, entry.CorrelationID,
	)
	if err != nil {
		w.logger.Error("writing audit entry", "error", err, "kind", entry.Kind)
	}
}

// clientIP extracts the client IP, preferring X-Forwarded-For, then
// X-Real-IP, then RemoteAddr. Returns the zero Addr if nothing parses.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if addr, err := netip.ParseAddr(first); err == nil {
			return addr
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xrip)); err == nil {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
