// Package admin implements the operator surface: privileged operations
// on users, sessions, API keys, MCP descriptors, custom limits, and
// support-ticket assignment. Every operation flows
// through the same policy engine as tenant traffic — an operator acting on
// another organization must elevate first, and every elevation and change
// is audit-logged with actor, target, before/after, and reason.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexmcp/plexmcp/internal/audit"
	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/mcpregistry"
	"github.com/plexmcp/plexmcp/internal/org"
	"github.com/plexmcp/plexmcp/internal/ratequota"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// ErrNotFound is returned when the operation's target does not exist.
var ErrNotFound = errors.New("target not found")

// Service executes operator actions.
type Service struct {
	pool     *pgxpool.Pool
	policy   *tenantctx.Policy
	orgs     *org.Store
	quota    *ratequota.Accounting
	registry McpRegistry
	auditW   *audit.Writer
}

// NewService wires the admin Service.
func NewService(pool *pgxpool.Pool, policy *tenantctx.Policy, orgs *org.Store, quota *ratequota.Accounting, registry McpRegistry, auditW *audit.Writer) *Service {
	return &Service{pool: pool, policy: policy, orgs: orgs, quota: quota, registry: registry, auditW: auditW}
}

// scopeTarget returns a context authorized for targetOrg: the caller's own
// context when acting within their org, or an elevated derivative
// otherwise.
func (s *Service) scopeTarget(ctx context.Context, tc *tenantctx.Context, targetOrg uuid.UUID, reason string) (*tenantctx.Context, error) {
	if tc.OrgID == targetOrg {
		return tc, nil
	}
	return s.policy.WithElevation(ctx, tc, targetOrg, reason)
}

func (s *Service) audit(ctx context.Context, tc *tenantctx.Context, kind string, targetOrg *uuid.UUID, target string, details map[string]any) {
	actor := tc.UserID
	s.auditW.Log(ctx, audit.Entry{
		Kind:          kind,
		ActorUserID:   &actor,
		OrgID:         targetOrg,
		Target:        target,
		Details:       details,
		CorrelationID: tc.CorrelationID,
	})
}

// ChangeUserRole sets a user's platform role. Only a superadmin may grant
// or revoke the admin and superadmin roles.
func (s *Service) ChangeUserRole(ctx context.Context, tc *tenantctx.Context, userID uuid.UUID, newRole, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return err
	}
	switch newRole {
	case tenantctx.RoleUser, tenantctx.RoleStaff:
	case tenantctx.RoleAdmin, tenantctx.RoleSuperadmin:
		if err := s.policy.RequireRole(tc, tenantctx.RoleSuperadmin); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown platform role %q", newRole)
	}

	var oldRole string
	err := s.pool.QueryRow(ctx,
		`SELECT platform_role FROM users WHERE id = $1 AND deleted_at IS NULL`, userID).Scan(&oldRole)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("loading user: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE users SET platform_role = $2, updated_at = now() WHERE id = $1`, userID, newRole); err != nil {
		return fmt.Errorf("updating role: %w", err)
	}

	s.audit(ctx, tc, domain.AuditRoleChange, nil, "user:"+userID.String(), map[string]any{
		"old":    oldRole,
		"new":    newRole,
		"reason": reason,
	})
	return nil
}

// RevokeUserSessions revokes every active session of a user, invalidating
// all tokens bound to them on the next request.
func (s *Service) RevokeUserSessions(ctx context.Context, tc *tenantctx.Context, userID uuid.UUID, reason string) (int64, error) {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoking sessions: %w", err)
	}

	s.audit(ctx, tc, domain.AuditLogout, nil, "user:"+userID.String(), map[string]any{
		"revoked_sessions": tag.RowsAffected(),
		"reason":           reason,
	})
	return tag.RowsAffected(), nil
}

// ForcePasswordReset invalidates the user's password so the next login
// requires a reset, and revokes their sessions in the same transaction.
func (s *Service) ForcePasswordReset(ctx context.Context, tc *tenantctx.Context, userID uuid.UUID, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning force reset: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE users SET must_reset_password = true, password_changed_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("flagging reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID); err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.audit(ctx, tc, domain.AuditRoleChange, nil, "user:"+userID.String(), map[string]any{
		"change": "force_password_reset",
		"reason": reason,
	})
	return nil
}

// DisableTwoFactor removes a user's 2FA enrollment. Backup codes and
// trusted devices go in the same transaction.
func (s *Service) DisableTwoFactor(ctx context.Context, tc *tenantctx.Context, userID uuid.UUID, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning 2fa disable: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM two_factor_credentials WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting 2fa enrollment: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM trusted_devices WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting trusted devices: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET two_factor_enabled = false, updated_at = now() WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("clearing 2fa flag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.audit(ctx, tc, domain.Audit2FADisabled, nil, "user:"+userID.String(), map[string]any{"reason": reason})
	return nil
}

// SetSuspended suspends or unsuspends an account. Suspended users cannot
// authenticate.
func (s *Service) SetSuspended(ctx context.Context, tc *tenantctx.Context, userID uuid.UUID, suspended bool, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return err
	}

	var tag string
	var err error
	if suspended {
		_, err = s.pool.Exec(ctx, `
			UPDATE users SET suspended = true, suspended_reason = $2, suspended_at = now(), updated_at = now()
			WHERE id = $1 AND deleted_at IS NULL`, userID, reason)
		tag = "suspended"
		// Suspension also cuts live sessions.
		if err == nil {
			_, err = s.pool.Exec(ctx,
				`UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
		}
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE users SET suspended = false, suspended_reason = '', suspended_at = NULL, updated_at = now()
			WHERE id = $1 AND deleted_at IS NULL`, userID)
		tag = "unsuspended"
	}
	if err != nil {
		return fmt.Errorf("updating suspension: %w", err)
	}

	s.audit(ctx, tc, domain.AuditRoleChange, nil, "user:"+userID.String(), map[string]any{
		"change": tag,
		"reason": reason,
	})
	return nil
}

// SoftDeleteUser marks the user deleted, recoverable for 30 days.
func (s *Service) SoftDeleteUser(ctx context.Context, tc *tenantctx.Context, userID uuid.UUID, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("soft deleting user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.audit(ctx, tc, domain.AuditRoleChange, nil, "user:"+userID.String(), map[string]any{
		"change": "soft_deleted",
		"reason": reason,
	})
	return nil
}

// RevokeAPIKey revokes one API key in targetOrg. Revocation is immediate
// and permanent.
func (s *Service) RevokeAPIKey(ctx context.Context, tc *tenantctx.Context, targetOrg, keyID uuid.UUID, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return err
	}
	scoped, err := s.scopeTarget(ctx, tc, targetOrg, reason)
	if err != nil {
		return err
	}

	err = s.policy.WithOrgTx(ctx, s.pool, scoped, targetOrg, func(tx pgx.Tx, orgID uuid.UUID) error {
		tag, err := tx.Exec(ctx,
			`UPDATE api_keys SET revoked = true, revoked_at = now() WHERE id = $1 AND org_id = $2 AND NOT revoked`,
			keyID, orgID)
		if err != nil {
			return fmt.Errorf("revoking api key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.audit(ctx, scoped, domain.AuditAPIKeyRevoked, &targetOrg, "api_key:"+keyID.String(), map[string]any{"reason": reason})
	return nil
}

// CustomLimitsChange is one historical custom-limits edit.
type CustomLimitsChange struct {
	ID          uuid.UUID           `json:"id"`
	OrgID       uuid.UUID           `json:"org_id"`
	ActorUserID uuid.UUID           `json:"actor_user_id"`
	Old         domain.CustomLimits `json:"old"`
	New         domain.CustomLimits `json:"new"`
	Reason      string              `json:"reason"`
	CreatedAt   time.Time           `json:"created_at"`
}

// SetCustomLimits replaces targetOrg's limit overrides, recording the
// before/after pair in the change history and the audit log.
func (s *Service) SetCustomLimits(ctx context.Context, tc *tenantctx.Context, targetOrg uuid.UUID, limits domain.CustomLimits, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return err
	}
	scoped, err := s.scopeTarget(ctx, tc, targetOrg, reason)
	if err != nil {
		return err
	}

	current, err := s.orgs.Get(ctx, scoped, targetOrg)
	if err != nil {
		return err
	}

	if err := s.orgs.SetCustomLimits(ctx, scoped, targetOrg, limits); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO custom_limit_changes (id, org_id, actor_user_id,
			old_max_mcps, old_max_api_keys, old_max_team_members, old_monthly_requests,
			new_max_mcps, new_max_api_keys, new_max_team_members, new_monthly_requests,
			reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
		uuid.New(), targetOrg, tc.UserID,
		current.Custom.MaxMCPs, current.Custom.MaxAPIKeys, current.Custom.MaxTeamMembers, current.Custom.MonthlyRequests,
		limits.MaxMCPs, limits.MaxAPIKeys, limits.MaxTeamMembers, limits.MonthlyRequests,
		reason); err != nil {
		return fmt.Errorf("recording limit change history: %w", err)
	}

	s.audit(ctx, scoped, domain.AuditCustomLimitsChanged, &targetOrg, "org:"+targetOrg.String(),
		limitsDiff(current.Custom, limits, reason))
	return nil
}

// ClearCustomLimits removes every override, reverting to tier defaults.
func (s *Service) ClearCustomLimits(ctx context.Context, tc *tenantctx.Context, targetOrg uuid.UUID, reason string) error {
	return s.SetCustomLimits(ctx, tc, targetOrg, domain.CustomLimits{}, reason)
}

// ListCustomLimitsHistory returns the edit history for targetOrg.
func (s *Service) ListCustomLimitsHistory(ctx context.Context, tc *tenantctx.Context, targetOrg uuid.UUID, reason string) ([]CustomLimitsChange, error) {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return nil, err
	}
	scoped, err := s.scopeTarget(ctx, tc, targetOrg, reason)
	if err != nil {
		return nil, err
	}
	orgID, err := s.policy.ScopeOrg(scoped, targetOrg)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, actor_user_id,
		       old_max_mcps, old_max_api_keys, old_max_team_members, old_monthly_requests,
		       new_max_mcps, new_max_api_keys, new_max_team_members, new_monthly_requests,
		       reason, created_at
		FROM custom_limit_changes WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing limit changes: %w", err)
	}
	defer rows.Close()

	var out []CustomLimitsChange
	for rows.Next() {
		var c CustomLimitsChange
		if err := rows.Scan(&c.ID, &c.OrgID, &c.ActorUserID,
			&c.Old.MaxMCPs, &c.Old.MaxAPIKeys, &c.Old.MaxTeamMembers, &c.Old.MonthlyRequests,
			&c.New.MaxMCPs, &c.New.MaxAPIKeys, &c.New.MaxTeamMembers, &c.New.MonthlyRequests,
			&c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning limit change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetSpendCap sets or pauses targetOrg's spend cap.
func (s *Service) SetSpendCap(ctx context.Context, tc *tenantctx.Context, targetOrg uuid.UUID, capCents int64, paused bool, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return err
	}
	scoped, err := s.scopeTarget(ctx, tc, targetOrg, reason)
	if err != nil {
		return err
	}
	orgID, err := s.policy.ScopeOrg(scoped, targetOrg)
	if err != nil {
		return err
	}

	if err := s.quota.SetSpendCap(ctx, orgID, capCents, paused); err != nil {
		return err
	}

	s.audit(ctx, scoped, domain.AuditCustomLimitsChanged, &orgID, "org:"+orgID.String(), map[string]any{
		"change":    "spend_cap",
		"cap_cents": capCents,
		"paused":    paused,
		"reason":    reason,
	})
	return nil
}

// McpRegistry is the slice of the MCP registry the admin surface needs to
// edit descriptors on a tenant's behalf.
type McpRegistry interface {
	Update(ctx context.Context, tc *tenantctx.Context, orgID, id uuid.UUID, p mcpregistry.UpdateParams) (domain.McpDescriptor, error)
}

// SetMCPActive activates or deactivates a tenant's MCP descriptor, the
// operator-side edit used when an upstream misbehaves. Goes through the
// registry so the version counter bumps and pooled connections die.
func (s *Service) SetMCPActive(ctx context.Context, tc *tenantctx.Context, targetOrg, mcpID uuid.UUID, active bool, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleAdmin); err != nil {
		return err
	}
	scoped, err := s.scopeTarget(ctx, tc, targetOrg, reason)
	if err != nil {
		return err
	}

	d, err := s.registry.Update(ctx, scoped, targetOrg, mcpID, mcpregistry.UpdateParams{IsActive: &active})
	if err != nil {
		return err
	}

	s.audit(ctx, scoped, domain.AuditMCPUpdated, &targetOrg, "mcp:"+d.ID.String(), map[string]any{
		"is_active": active,
		"reason":    reason,
	})
	return nil
}

// AssignTicket assigns a support ticket to a user. Ticketing itself lives
// in an external subsystem; the core only exposes tenant-scoped reads and
// this assignment write.
func (s *Service) AssignTicket(ctx context.Context, tc *tenantctx.Context, targetOrg, ticketID, assigneeID uuid.UUID, reason string) error {
	if err := s.policy.RequireRole(tc, tenantctx.RoleStaff); err != nil {
		return err
	}
	scoped, err := s.scopeTarget(ctx, tc, targetOrg, reason)
	if err != nil {
		return err
	}

	err = s.policy.WithOrgTx(ctx, s.pool, scoped, targetOrg, func(tx pgx.Tx, orgID uuid.UUID) error {
		tag, err := tx.Exec(ctx,
			`UPDATE support_tickets SET assignee_user_id = $3, updated_at = now() WHERE id = $1 AND org_id = $2`,
			ticketID, orgID, assigneeID)
		if err != nil {
			return fmt.Errorf("assigning ticket: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.audit(ctx, scoped, "ticket_assigned", &targetOrg, "ticket:"+ticketID.String(), map[string]any{
		"assignee": assigneeID.String(),
		"reason":   reason,
	})
	return nil
}

// limitsDiff builds the before/after audit payload for a limits change.
func limitsDiff(before, after domain.CustomLimits, reason string) map[string]any {
	field := func(v *int) any {
		if v == nil {
			return nil
		}
		return *v
	}
	asMap := func(l domain.CustomLimits) map[string]any {
		return map[string]any{
			"max_mcps":         field(l.MaxMCPs),
			"max_api_keys":     field(l.MaxAPIKeys),
			"max_team_members": field(l.MaxTeamMembers),
			"monthly_requests": field(l.MonthlyRequests),
		}
	}
	return map[string]any{
		"old":    asMap(before),
		"new":    asMap(after),
		"reason": reason,
	}
}
