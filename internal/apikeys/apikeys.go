// Package apikeys is the tenant-facing API key surface: members create,
// list, and revoke their organization's keys. The raw key is returned
// exactly once at creation; only the prefix and keyed HMAC are persisted.
package apikeys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexmcp/plexmcp/internal/audit"
	"github.com/plexmcp/plexmcp/internal/credential"
	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/httpserver"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// ErrNotFound is returned when a key does not exist in the caller's org.
var ErrNotFound = errors.New("api key not found")

// ErrLimitReached is returned when the organization is at its effective
// API key limit.
var ErrLimitReached = errors.New("api key limit reached")

// Key is the caller-facing view of a stored key. The HMAC never leaves the
// database.
type Key struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Prefix       string     `json:"prefix"`
	Role         string     `json:"role"`
	Revoked      bool       `json:"revoked"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
}

// Store persists API keys.
type Store struct {
	pool    *pgxpool.Pool
	policy  *tenantctx.Policy
	hmacKey []byte
}

// NewStore builds an API key Store. hmacKey is the server-wide
// API_KEY_HMAC_SECRET.
func NewStore(pool *pgxpool.Pool, policy *tenantctx.Policy, hmacKey []byte) *Store {
	return &Store{pool: pool, policy: policy, hmacKey: hmacKey}
}

// Create generates a key for orgID, enforcing the org's effective key
// limit. The returned raw key is shown once and never stored. The count
// and insert run in an org-bound transaction so the database row-level-
// security backstop is active.
func (s *Store) Create(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID, name, role string, maxKeys int) (Key, string, error) {
	issued, err := credential.GenerateAPIKey(s.hmacKey)
	if err != nil {
		return Key{}, "", err
	}

	id := uuid.New()
	err = s.policy.WithOrgTx(ctx, s.pool, tc, orgID, func(tx pgx.Tx, scoped uuid.UUID) error {
		if maxKeys != domain.UnlimitedQuota {
			var count int
			if err := tx.QueryRow(ctx,
				`SELECT count(*) FROM api_keys WHERE org_id = $1 AND NOT revoked`, scoped).Scan(&count); err != nil {
				return fmt.Errorf("counting api keys: %w", err)
			}
			if count >= maxKeys {
				return fmt.Errorf("%w: organization is limited to %d API keys", ErrLimitReached, maxKeys)
			}
		}

		const query = `
			INSERT INTO api_keys (id, org_id, name, key_prefix, key_hash, role, revoked, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, false, now())`
		if _, err := tx.Exec(ctx, query, id, scoped, name, issued.Prefix, issued.Hash, role); err != nil {
			return fmt.Errorf("inserting api key: %w", err)
		}
		return nil
	})
	if err != nil {
		return Key{}, "", err
	}

	return Key{
		ID:        id,
		Name:      name,
		Prefix:    issued.Prefix,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}, issued.RawKey, nil
}

// List returns the organization's keys, newest first.
func (s *Store) List(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID) ([]Key, error) {
	var keys []Key
	err := s.policy.WithOrgTx(ctx, s.pool, tc, orgID, func(tx pgx.Tx, scoped uuid.UUID) error {
		const query = `
			SELECT id, name, key_prefix, role, revoked, created_at, last_used_at, request_count
			FROM api_keys WHERE org_id = $1 ORDER BY created_at DESC`
		rows, err := tx.Query(ctx, query, scoped)
		if err != nil {
			return fmt.Errorf("listing api keys: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var k Key
			if err := rows.Scan(&k.ID, &k.Name, &k.Prefix, &k.Role, &k.Revoked,
				&k.CreatedAt, &k.LastUsedAt, &k.RequestCount); err != nil {
				return fmt.Errorf("scanning api key: %w", err)
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	return keys, err
}

// Revoke marks a key revoked. Immediate and permanent.
func (s *Store) Revoke(ctx context.Context, tc *tenantctx.Context, orgID, keyID uuid.UUID) error {
	return s.policy.WithOrgTx(ctx, s.pool, tc, orgID, func(tx pgx.Tx, scoped uuid.UUID) error {
		tag, err := tx.Exec(ctx,
			`UPDATE api_keys SET revoked = true, revoked_at = now() WHERE id = $1 AND org_id = $2 AND NOT revoked`,
			keyID, scoped)
		if err != nil {
			return fmt.Errorf("revoking api key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Handler serves /v1/api-keys.
type Handler struct {
	store   *Store
	maxKeys func(r *http.Request, orgID uuid.UUID) (int, error)
	auditW  *audit.Writer
	logger  *slog.Logger
}

// NewHandler creates an API key Handler. maxKeys resolves the org's
// effective key limit at request time.
func NewHandler(store *Store, maxKeys func(r *http.Request, orgID uuid.UUID) (int, error), auditW *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, maxKeys: maxKeys, auditW: auditW, logger: logger}
}

// Routes returns the API key routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Post("/{keyID}/revoke", h.handleRevoke)
	return r
}

// CreateRequest is the JSON body for POST /v1/api-keys.
type CreateRequest struct {
	Name string `json:"name" validate:"required,min=1,max=120"`
	Role string `json:"role" validate:"omitempty,oneof=member admin"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	if !tc.HasMembershipRole(tenantctx.MemberRoleAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "creating API keys requires an admin role")
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = tenantctx.MemberRoleMember
	}

	maxKeys, err := h.maxKeys(r, tc.OrgID)
	if err != nil {
		h.logger.Error("resolving key limit", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to create API key")
		return
	}

	key, rawKey, err := h.store.Create(r.Context(), tc, tc.OrgID, req.Name, req.Role, maxKeys)
	if err != nil {
		if errors.Is(err, ErrLimitReached) {
			httpserver.RespondError(w, http.StatusConflict, "Conflict", err.Error())
			return
		}
		h.logger.Error("creating api key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to create API key")
		return
	}

	actor := tc.UserID
	h.auditW.LogFromRequest(r, domain.AuditAPIKeyCreated, &actor, &tc.OrgID, "api_key:"+key.ID.String(), map[string]any{
		"name": key.Name,
		"role": key.Role,
	})

	// The raw key appears in this response and nowhere else, ever.
	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"key":     key,
		"raw_key": rawKey,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}

	keys, err := h.store.List(r.Context(), tc, tc.OrgID)
	if err != nil {
		h.logger.Error("listing api keys", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to list API keys")
		return
	}
	httpserver.Respond(w, http.StatusOK, keys)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenantctx.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	if !tc.HasMembershipRole(tenantctx.MemberRoleAdmin) {
		httpserver.RespondError(w, http.StatusForbidden, "Forbidden", "revoking API keys requires an admin role")
		return
	}

	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "NotFound", "API key not found")
		return
	}

	if err := h.store.Revoke(r.Context(), tc, tc.OrgID, keyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "NotFound", "API key not found")
			return
		}
		h.logger.Error("revoking api key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "Internal", "failed to revoke API key")
		return
	}

	actor := tc.UserID
	h.auditW.LogFromRequest(r, domain.AuditAPIKeyRevoked, &actor, &tc.OrgID, "api_key:"+keyID.String(), nil)
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
