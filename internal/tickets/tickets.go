// Package tickets exposes the core's slice of the support-ticket subsystem:
// tenant-scoped reads. Ticket creation, conversation, and lifecycle live in
// the external support service; assignment writes are an operator action in
// the admin package.
package tickets

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexmcp/plexmcp/internal/httpserver"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// Ticket is the tenant-visible view of a support ticket.
type Ticket struct {
	ID             uuid.UUID  `json:"id"`
	Subject        string     `json:"subject"`
	Status         string     `json:"status"`
	AssigneeUserID *uuid.UUID `json:"assignee_user_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Store reads tickets under the policy engine.
type Store struct {
	pool   *pgxpool.Pool
	policy *tenantctx.Policy
}

// NewStore builds a ticket Store.
func NewStore(pool *pgxpool.Pool, policy *tenantctx.Policy) *Store {
	return &Store{pool: pool, policy: policy}
}

// ListForOrg returns the organization's tickets, newest first. The read
// runs in an org-bound transaction so the database row-level-security
// backstop is active.
func (s *Store) ListForOrg(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID) ([]Ticket, error) {
	var tickets []Ticket
	err := s.policy.WithOrgTx(ctx, s.pool, tc, orgID, func(tx pgx.Tx, scoped uuid.UUID) error {
		const query = `
			SELECT id, subject, status, assignee_user_id, created_at, updated_at
			FROM support_tickets WHERE org_id = $1 ORDER BY created_at DESC`
		rows, err := tx.Query(ctx, query, scoped)
		if err != nil {
			return fmt.Errorf("listing tickets: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var t Ticket
			if err := rows.Scan(&t.ID, &t.Subject, &t.Status, &t.AssigneeUserID, &t.CreatedAt, &t.UpdatedAt); err != nil {
				return fmt.Errorf("scanning ticket: %w", err)
			}
			tickets = append(tickets, t)
		}
		return rows.Err()
	})
	return tickets, err
}

// Handler serves GET /v1/tickets.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a ticket Handler.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns the ticket routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}

	tickets, err := h.store.ListForOrg(r.Context(), tc, tc.OrgID)
	if err != nil {
		h.logger.Error("listing tickets", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to list tickets")
		return
	}
	httpserver.Respond(w, http.StatusOK, tickets)
}
