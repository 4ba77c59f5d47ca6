package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRecord is the subset of domain.User this package needs to
// authenticate a request, independent of the broader entity package to
// avoid an import cycle with admin/mcpregistry.
type UserRecord struct {
	ID                uuid.UUID
	Email             string
	PasswordHash      string
	PlatformRole      string
	Verified          bool
	Suspended         bool
	TwoFactorEnabled  bool
	PasswordChangedAt time.Time
}

// APIKeyRecord is a stored API key row: only the prefix and HMAC hash are
// ever persisted, never the raw key.
type APIKeyRecord struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	Prefix    string
	Hash      string
	Role      string // membership role granted to requests authenticated with this key
	Revoked   bool
	ExpiresAt *time.Time
}

// SessionRecord is a stored login session. Tokens
// carry the session id; revoking the row invalidates every token bound to
// it on the next request.
type SessionRecord struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CreatedAt time.Time
	IP        string
	UserAgent string
	RevokedAt *time.Time
}

// MembershipRecord is a user's role within one organization.
type MembershipRecord struct {
	UserID uuid.UUID
	OrgID  uuid.UUID
	Role   string
}

// Storage is everything the authenticator and login handlers need from
// Postgres. It is deliberately narrow — proxy-path lookups go through
// mcpregistry and ratequota instead.
type Storage interface {
	FindUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUser(ctx context.Context, userID uuid.UUID) (UserRecord, error)
	GetMembership(ctx context.Context, userID, orgID uuid.UUID) (MembershipRecord, error)
	DefaultOrgForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
	TouchLastLogin(ctx context.Context, userID uuid.UUID) error

	FindAPIKeyByPrefix(ctx context.Context, prefix string) (APIKeyRecord, error)
	TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error

	CreateSession(ctx context.Context, sess SessionRecord) error
	GetSession(ctx context.Context, sessionID uuid.UUID) (SessionRecord, error)

	SetTwoFactorEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error
}

// PGStore is the Storage implementation backed by the shared-schema
// Postgres database.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore builds a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) FindUserByEmail(ctx context.Context, email string) (UserRecord, error) {
	const query = `
		SELECT id, email, password_hash, platform_role, verified, suspended,
		       two_factor_enabled, password_changed_at
		FROM users WHERE email = $1 AND deleted_at IS NULL`

	var u UserRecord
	err := s.pool.QueryRow(ctx, query, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.PlatformRole, &u.Verified, &u.Suspended,
		&u.TwoFactorEnabled, &u.PasswordChangedAt,
	)
	if err != nil {
		return UserRecord{}, fmt.Errorf("finding user by email: %w", err)
	}
	return u, nil
}

func (s *PGStore) GetUser(ctx context.Context, userID uuid.UUID) (UserRecord, error) {
	const query = `
		SELECT id, email, password_hash, platform_role, verified, suspended,
		       two_factor_enabled, password_changed_at
		FROM users WHERE id = $1 AND deleted_at IS NULL`

	var u UserRecord
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.PlatformRole, &u.Verified, &u.Suspended,
		&u.TwoFactorEnabled, &u.PasswordChangedAt,
	)
	if err != nil {
		return UserRecord{}, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

func (s *PGStore) GetMembership(ctx context.Context, userID, orgID uuid.UUID) (MembershipRecord, error) {
	const query = `SELECT user_id, org_id, role FROM memberships WHERE user_id = $1 AND org_id = $2`

	var m MembershipRecord
	err := s.pool.QueryRow(ctx, query, userID, orgID).Scan(&m.UserID, &m.OrgID, &m.Role)
	if err != nil {
		return MembershipRecord{}, fmt.Errorf("getting membership: %w", err)
	}
	return m, nil
}

// DefaultOrgForUser returns the organization a newly authenticated user
// lands in: their oldest membership, mirroring a single-tenant "primary
// workspace" experience without requiring an explicit org switch at login.
func (s *PGStore) DefaultOrgForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	const query = `SELECT org_id FROM memberships WHERE user_id = $1 ORDER BY created_at ASC LIMIT 1`

	var orgID uuid.UUID
	err := s.pool.QueryRow(ctx, query, userID).Scan(&orgID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving default org: %w", err)
	}
	return orgID, nil
}

func (s *PGStore) TouchLastLogin(ctx context.Context, userID uuid.UUID) error {
	const query = `UPDATE users SET last_login_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("touching last login: %w", err)
	}
	return nil
}

func (s *PGStore) FindAPIKeyByPrefix(ctx context.Context, prefix string) (APIKeyRecord, error) {
	const query = `
		SELECT id, org_id, key_prefix, key_hash, role, revoked, expires_at
		FROM api_keys WHERE key_prefix = $1`

	var k APIKeyRecord
	err := s.pool.QueryRow(ctx, query, prefix).Scan(
		&k.ID, &k.OrgID, &k.Prefix, &k.Hash, &k.Role, &k.Revoked, &k.ExpiresAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return APIKeyRecord{}, fmt.Errorf("api key not found: %w", err)
		}
		return APIKeyRecord{}, fmt.Errorf("finding api key: %w", err)
	}
	return k, nil
}

func (s *PGStore) TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	const query = `UPDATE api_keys SET last_used_at = now(), request_count = request_count + 1 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, keyID); err != nil {
		return fmt.Errorf("touching api key last used: %w", err)
	}
	return nil
}

func (s *PGStore) CreateSession(ctx context.Context, sess SessionRecord) error {
	const query = `
		INSERT INTO sessions (id, user_id, created_at, ip_address, user_agent)
		VALUES ($1, $2, now(), $3, $4)`
	if _, err := s.pool.Exec(ctx, query, sess.ID, sess.UserID, sess.IP, sess.UserAgent); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *PGStore) SetTwoFactorEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error {
	const query = `UPDATE users SET two_factor_enabled = $2, updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, userID, enabled); err != nil {
		return fmt.Errorf("updating two factor flag: %w", err)
	}
	return nil
}

func (s *PGStore) GetSession(ctx context.Context, sessionID uuid.UUID) (SessionRecord, error) {
	const query = `SELECT id, user_id, created_at, ip_address, user_agent, revoked_at FROM sessions WHERE id = $1`

	var sess SessionRecord
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.IP, &sess.UserAgent, &sess.RevokedAt,
	)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}
