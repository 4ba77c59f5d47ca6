package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// Event is a persisted audit row as returned to readers.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Seq           int64          `json:"seq"`
	Kind          string         `json:"kind"`
	ActorUserID   *uuid.UUID     `json:"actor_user_id,omitempty"`
	OrgID         *uuid.UUID     `json:"org_id,omitempty"`
	Target        string         `json:"target,omitempty"`
	IPAddress     *string        `json:"ip_address,omitempty"`
	UserAgent     *string        `json:"user_agent,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Store reads audit rows. It is read-only on purpose: all writes go through
// Writer, and the database rejects UPDATE/DELETE on audit_events outright.
type Store struct {
	pool   *pgxpool.Pool
	policy *tenantctx.Policy
}

// NewStore builds a read-only audit Store.
func NewStore(pool *pgxpool.Pool, policy *tenantctx.Policy) *Store {
	return &Store{pool: pool, policy: policy}
}

// ListForOrg returns audit events for orgID, newest first. The caller's
// tenant context must be scoped to orgID (directly or via elevation).
func (s *Store) ListForOrg(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID, limit, offset int) ([]Event, error) {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT id, seq, kind, actor_user_id, org_id, target, ip_address, user_agent, details, correlation_id, created_at
		FROM audit_events
		WHERE org_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, scoped, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.Seq, &e.Kind, &e.ActorUserID, &e.OrgID, &e.Target,
			&e.IPAddress, &e.UserAgent, &detailsJSON, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("decoding audit details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountForOrg returns the total number of audit events for orgID.
func (s *Store) CountForOrg(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID) (int, error) {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return 0, err
	}

	var total int
	err = s.pool.QueryRow(ctx, `SELECT count(*) FROM audit_events WHERE org_id = $1`, scoped).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("counting audit events: %w", err)
	}
	return total, nil
}
