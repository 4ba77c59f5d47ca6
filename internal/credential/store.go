package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists encrypted secret envelopes in the credentials table,
// scoped by organization and reference.
type Store struct {
	pool     *pgxpool.Pool
	envelope *Envelope
}

// NewStore builds a Store. envelope seals/opens every value before it
// touches disk.
func NewStore(pool *pgxpool.Pool, envelope *Envelope) *Store {
	return &Store{pool: pool, envelope: envelope}
}

// Kind distinguishes the category of secret sharing the credentials table.
type Kind string

const (
	KindMCPUpstream Kind = "mcp_upstream"
	KindTOTPSecret  Kind = "totp_secret"
)

// Put encrypts value and upserts it under (orgID, kind, ref).
func (s *Store) Put(ctx context.Context, orgID uuid.UUID, kind Kind, ref uuid.UUID, value string) error {
	sealed, err := s.envelope.SealString(value)
	if err != nil {
		return fmt.Errorf("sealing credential: %w", err)
	}

	const query = `
		INSERT INTO credentials (org_id, kind, ref, ciphertext, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (org_id, kind, ref)
		DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, orgID, string(kind), ref, sealed); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Get decrypts and returns the secret stored under (orgID, kind, ref).
func (s *Store) Get(ctx context.Context, orgID uuid.UUID, kind Kind, ref uuid.UUID) (string, error) {
	const query = `SELECT ciphertext FROM credentials WHERE org_id = $1 AND kind = $2 AND ref = $3`

	var sealed string
	err := s.pool.QueryRow(ctx, query, orgID, string(kind), ref).Scan(&sealed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("credential not found: %w", err)
		}
		return "", fmt.Errorf("querying credential: %w", err)
	}

	plain, err := s.envelope.OpenString(sealed)
	if err != nil {
		return "", fmt.Errorf("opening credential: %w", err)
	}
	return plain, nil
}

// Delete removes the secret stored under (orgID, kind, ref).
func (s *Store) Delete(ctx context.Context, orgID uuid.UUID, kind Kind, ref uuid.UUID) error {
	const query = `DELETE FROM credentials WHERE org_id = $1 AND kind = $2 AND ref = $3`
	if _, err := s.pool.Exec(ctx, query, orgID, string(kind), ref); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// TwoFactorRecord is a user's 2FA enrollment: the encrypted TOTP seed plus
// unused backup code hashes.
type TwoFactorRecord struct {
	UserID        uuid.UUID
	SecretCipher  string
	BackupHashes  []string
	EnabledAt     time.Time
}

// PutTwoFactor upserts a user's 2FA enrollment.
func (s *Store) PutTwoFactor(ctx context.Context, userID uuid.UUID, secretPlain string, backupHashes []string) error {
	sealed, err := s.envelope.SealString(secretPlain)
	if err != nil {
		return fmt.Errorf("sealing totp secret: %w", err)
	}

	const query = `
		INSERT INTO two_factor_credentials (user_id, secret_ciphertext, backup_hashes, enabled_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id)
		DO UPDATE SET secret_ciphertext = EXCLUDED.secret_ciphertext, backup_hashes = EXCLUDED.backup_hashes, enabled_at = now()`

	if _, err := s.pool.Exec(ctx, query, userID, sealed, backupHashes); err != nil {
		return fmt.Errorf("storing totp enrollment: %w", err)
	}
	return nil
}

// GetTwoFactor retrieves and decrypts a user's 2FA enrollment.
func (s *Store) GetTwoFactor(ctx context.Context, userID uuid.UUID) (secretPlain string, backupHashes []string, err error) {
	const query = `SELECT secret_ciphertext, backup_hashes FROM two_factor_credentials WHERE user_id = $1`

	var sealed string
	err = s.pool.QueryRow(ctx, query, userID).Scan(&sealed, &backupHashes)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil, fmt.Errorf("two factor enrollment not found: %w", err)
		}
		return "", nil, fmt.Errorf("querying totp enrollment: %w", err)
	}

	secretPlain, err = s.envelope.OpenString(sealed)
	if err != nil {
		return "", nil, fmt.Errorf("opening totp secret: %w", err)
	}
	return secretPlain, backupHashes, nil
}

// ConsumeBackupCode removes a single backup code hash after a successful use.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, remaining []string) error {
	const query = `UPDATE two_factor_credentials SET backup_hashes = $2 WHERE user_id = $1`
	if _, err := s.pool.Exec(ctx, query, userID, remaining); err != nil {
		return fmt.Errorf("consuming backup code: %w", err)
	}
	return nil
}

// DeleteTwoFactor removes a user's 2FA enrollment entirely.
func (s *Store) DeleteTwoFactor(ctx context.Context, userID uuid.UUID) error {
	const query = `DELETE FROM two_factor_credentials WHERE user_id = $1`
	if _, err := s.pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("deleting totp enrollment: %w", err)
	}
	return nil
}
