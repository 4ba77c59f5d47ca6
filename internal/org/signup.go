package org

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/plexmcp/plexmcp/internal/credential"
	"github.com/plexmcp/plexmcp/internal/domain"
)

// ErrInvalidSignup marks caller-supplied signup fields that fail
// validation, as opposed to conflicts with existing accounts.
var ErrInvalidSignup = errors.New("invalid signup input")

// SignupResult identifies the rows provisioned by a successful sign-up.
type SignupResult struct {
	UserID uuid.UUID
	OrgID  uuid.UUID
}

// Signup provisions a user, their organization, and the owner membership in
// one transaction. New organizations start on the free tier with an active
// subscription status.
func (s *Store) Signup(ctx context.Context, email, password, orgName, orgSlug string) (SignupResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return SignupResult{}, fmt.Errorf("%w: invalid email address", ErrInvalidSignup)
	}
	if len(password) < 12 {
		return SignupResult{}, fmt.Errorf("%w: password must be at least 12 characters", ErrInvalidSignup)
	}
	if !ValidSlug(orgSlug) {
		return SignupResult{}, fmt.Errorf("%w: organization slug must match %s", ErrInvalidSignup, slugPattern.String())
	}

	hash, err := credential.HashPassword(password)
	if err != nil {
		return SignupResult{}, fmt.Errorf("hashing password: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SignupResult{}, fmt.Errorf("beginning signup: %w", err)
	}
	defer tx.Rollback(ctx)

	userID := uuid.New()
	orgID := uuid.New()

	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, platform_role, verified, suspended, password_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, false, now(), now(), now())`,
		userID, email, hash, domain.PlatformRoleUser); err != nil {
		return SignupResult{}, fmt.Errorf("creating user: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO organizations (id, name, slug, tier, subscription_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'active', now(), now())`,
		orgID, orgName, orgSlug, domain.TierFree); err != nil {
		return SignupResult{}, fmt.Errorf("creating organization: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO memberships (user_id, org_id, role, created_at)
		VALUES ($1, $2, $3, now())`,
		userID, orgID, domain.MembershipRoleOwner); err != nil {
		return SignupResult{}, fmt.Errorf("creating owner membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return SignupResult{}, fmt.Errorf("committing signup: %w", err)
	}

	return SignupResult{UserID: userID, OrgID: orgID}, nil
}
