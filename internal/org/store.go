// Package org manages organizations, memberships, and the sign-up flow
// that provisions both. All organizations live in one shared schema with
// org_id columns;
// the Store checks every read and write against the tenant policy engine
// rather than switching schemas per tenant.
package org

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// slugPattern restricts organization slugs to safe URL identifiers.
var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,62}$`)

// ErrNotFound is returned when an organization does not exist or is
// soft-deleted.
var ErrNotFound = errors.New("organization not found")

// Store persists organizations and memberships.
type Store struct {
	pool   *pgxpool.Pool
	policy *tenantctx.Policy
}

// NewStore builds an organization Store.
func NewStore(pool *pgxpool.Pool, policy *tenantctx.Policy) *Store {
	return &Store{pool: pool, policy: policy}
}

// ValidSlug reports whether slug is an acceptable organization slug.
func ValidSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

const orgColumns = `
	id, name, slug, tier, subscription_status,
	custom_max_mcps, custom_max_api_keys, custom_max_team_members, custom_monthly_requests,
	created_at, updated_at, deleted_at`

func scanOrg(row pgx.Row) (domain.Organization, error) {
	var o domain.Organization
	err := row.Scan(
		&o.ID, &o.Name, &o.Slug, &o.Tier, &o.SubscriptionStatus,
		&o.Custom.MaxMCPs, &o.Custom.MaxAPIKeys, &o.Custom.MaxTeamMembers, &o.Custom.MonthlyRequests,
		&o.CreatedAt, &o.UpdatedAt, &o.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Organization{}, ErrNotFound
		}
		return domain.Organization{}, fmt.Errorf("scanning organization: %w", err)
	}
	return o, nil
}

// Get returns the organization orgID, policy-scoped to the caller.
func (s *Store) Get(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID) (domain.Organization, error) {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return domain.Organization{}, err
	}

	query := `SELECT ` + orgColumns + ` FROM organizations WHERE id = $1 AND deleted_at IS NULL`
	return scanOrg(s.pool.QueryRow(ctx, query, scoped))
}

// GetUnscoped returns orgID without a tenant context. Reserved for the
// request path before a context exists (quota admission needs the org's
// tier to compute the effective limit) and for background jobs.
func (s *Store) GetUnscoped(ctx context.Context, orgID uuid.UUID) (domain.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE id = $1 AND deleted_at IS NULL`
	return scanOrg(s.pool.QueryRow(ctx, query, orgID))
}

// SetCustomLimits replaces the organization's custom limit overrides. A nil
// field clears that override back to the tier default.
func (s *Store) SetCustomLimits(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID, limits domain.CustomLimits) error {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return err
	}

	const query = `
		UPDATE organizations
		SET custom_max_mcps = $2, custom_max_api_keys = $3,
		    custom_max_team_members = $4, custom_monthly_requests = $5,
		    updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, scoped,
		limits.MaxMCPs, limits.MaxAPIKeys, limits.MaxTeamMembers, limits.MonthlyRequests)
	if err != nil {
		return fmt.Errorf("setting custom limits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTier records a subscription tier transition.
func (s *Store) SetTier(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID, tier string) error {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return err
	}
	if _, ok := domain.DefaultTierLimits[tier]; !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}

	const query = `UPDATE organizations SET tier = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := s.pool.Exec(ctx, query, scoped, tier)
	if err != nil {
		return fmt.Errorf("setting tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the organization deleted. The row stays recoverable for
// 30 days before the hard-delete sweep removes it.
func (s *Store) SoftDelete(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID) error {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return err
	}

	const query = `UPDATE organizations SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := s.pool.Exec(ctx, query, scoped)
	if err != nil {
		return fmt.Errorf("soft deleting organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMembers returns the memberships of orgID.
func (s *Store) ListMembers(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID) ([]domain.Membership, error) {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return nil, err
	}

	const query = `SELECT user_id, org_id, role, created_at FROM memberships WHERE org_id = $1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, scoped)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var members []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.UserID, &m.OrgID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// TransferOwnership reassigns the owner role from the current owner to
// newOwner in one transaction, preserving the exactly-one-owner invariant.
func (s *Store) TransferOwnership(ctx context.Context, tc *tenantctx.Context, orgID, newOwner uuid.UUID) error {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning ownership transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE memberships SET role = $1 WHERE org_id = $2 AND user_id = $3`,
		domain.MembershipRoleOwner, scoped, newOwner)
	if err != nil {
		return fmt.Errorf("promoting new owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s is not a member of organization %s", newOwner, scoped)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE memberships SET role = $1 WHERE org_id = $2 AND role = $3 AND user_id <> $4`,
		domain.MembershipRoleAdmin, scoped, domain.MembershipRoleOwner, newOwner); err != nil {
		return fmt.Errorf("demoting previous owner: %w", err)
	}

	return tx.Commit(ctx)
}

// RemoveMember deletes a membership. Removing the sole owner is forbidden
// unless ownership was transferred first.
func (s *Store) RemoveMember(ctx context.Context, tc *tenantctx.Context, orgID, userID uuid.UUID) error {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return err
	}

	var role string
	err = s.pool.QueryRow(ctx,
		`SELECT role FROM memberships WHERE org_id = $1 AND user_id = $2`, scoped, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("looking up membership: %w", err)
	}
	if role == domain.MembershipRoleOwner {
		return fmt.Errorf("cannot remove the organization owner; transfer ownership first")
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM memberships WHERE org_id = $1 AND user_id = $2`, scoped, userID); err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	return nil
}

// SweepSoftDeleted hard-deletes organizations and users whose soft-delete
// grace period has elapsed. Runs from the worker process, not the request
// path. Returns the number of organizations removed.
func (s *Store) SweepSoftDeleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	tag, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping organizations: %w", err)
	}
	orgs := tag.RowsAffected()

	if _, err := s.pool.Exec(ctx, `DELETE FROM users WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff); err != nil {
		return orgs, fmt.Errorf("sweeping users: %w", err)
	}
	return orgs, nil
}
