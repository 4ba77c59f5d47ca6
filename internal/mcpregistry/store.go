// Package mcpregistry is the authoritative store of registered upstream
// MCP descriptors. All tenant-facing operations are scoped through the
// policy engine; health and capability fields are written only by the
// health checker. Upstream secrets are encrypted
// before persistence and never returned in reads.
package mcpregistry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexmcp/plexmcp/internal/credential"
	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/tenantctx"
)

// ErrNotFound is returned when a descriptor does not exist in the caller's
// organization. Callers must not be able to distinguish "exists in another
// org" from "does not exist".
var ErrNotFound = errors.New("mcp descriptor not found")

// ErrInvalidInput marks caller-supplied descriptor fields that fail
// validation (endpoint, auth scheme, missing secret).
var ErrInvalidInput = errors.New("invalid descriptor input")

// ErrLimitReached is returned when the organization is at its effective
// MCP server limit.
var ErrLimitReached = errors.New("mcp server limit reached")

// Store persists McpDescriptor rows.
type Store struct {
	pool       *pgxpool.Pool
	policy     *tenantctx.Policy
	secrets    *credential.Store
	requireTLS bool
}

// NewStore builds a registry Store. requireTLS rejects plain-HTTP
// endpoints outside local development.
func NewStore(pool *pgxpool.Pool, policy *tenantctx.Policy, secrets *credential.Store, requireTLS bool) *Store {
	return &Store{pool: pool, policy: policy, secrets: secrets, requireTLS: requireTLS}
}

// ValidateEndpoint checks that endpoint parses as an absolute URL and, when
// requireTLS is set, uses https unless the host is localhost or 127.0.0.1.
func (s *Store) ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("endpoint %q is not a valid URL", endpoint)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if s.requireTLS && !strings.HasPrefix(u.Host, "localhost") && !strings.HasPrefix(u.Host, "127.0.0.1") {
			return fmt.Errorf("plain http endpoints are not allowed")
		}
	default:
		return fmt.Errorf("endpoint scheme %q is not supported", u.Scheme)
	}
	return nil
}

func validAuthScheme(scheme string) bool {
	switch scheme {
	case domain.AuthSchemeNone, domain.AuthSchemeBearer, domain.AuthSchemeAPIKeyHeader, domain.AuthSchemeBasic:
		return true
	}
	return false
}

// CreateParams are the caller-supplied fields of a new descriptor.
type CreateParams struct {
	Name           string
	EndpointURL    string
	AuthScheme     string
	AuthHeaderName string
	Secret         string // plaintext; encrypted before persistence
}

// Create registers a new upstream MCP for the caller's organization,
// enforcing the org's effective max-MCPs limit.
func (s *Store) Create(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID, maxMCPs int, p CreateParams) (domain.McpDescriptor, error) {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return domain.McpDescriptor{}, err
	}
	if err := s.ValidateEndpoint(p.EndpointURL); err != nil {
		return domain.McpDescriptor{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if !validAuthScheme(p.AuthScheme) {
		return domain.McpDescriptor{}, fmt.Errorf("%w: unknown auth scheme %q", ErrInvalidInput, p.AuthScheme)
	}
	if p.AuthScheme != domain.AuthSchemeNone && p.Secret == "" {
		return domain.McpDescriptor{}, fmt.Errorf("%w: auth scheme %q requires a secret", ErrInvalidInput, p.AuthScheme)
	}

	id := uuid.New()
	secretRef := uuid.New()

	if p.Secret != "" {
		if err := s.secrets.Put(ctx, scoped, credential.KindMCPUpstream, secretRef, p.Secret); err != nil {
			return domain.McpDescriptor{}, fmt.Errorf("storing upstream secret: %w", err)
		}
	}

	headerName := p.AuthHeaderName
	if p.AuthScheme == domain.AuthSchemeAPIKeyHeader && headerName == "" {
		headerName = "X-API-Key"
	}

	err = s.policy.WithOrgTx(ctx, s.pool, tc, scoped, func(tx pgx.Tx, scoped uuid.UUID) error {
		if maxMCPs != domain.UnlimitedQuota {
			var count int
			if err := tx.QueryRow(ctx,
				`SELECT count(*) FROM mcp_descriptors WHERE org_id = $1`, scoped).Scan(&count); err != nil {
				return fmt.Errorf("counting descriptors: %w", err)
			}
			if count >= maxMCPs {
				return fmt.Errorf("%w: organization is limited to %d MCP servers", ErrLimitReached, maxMCPs)
			}
		}

		const query = `
			INSERT INTO mcp_descriptors (id, org_id, name, endpoint_url, auth_scheme, auth_header_name, secret_ref,
			                             health_status, is_active, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, 1, now(), now())`

		if _, err := tx.Exec(ctx, query, id, scoped, p.Name, p.EndpointURL, p.AuthScheme, headerName, secretRef, domain.HealthUnknown); err != nil {
			return fmt.Errorf("inserting descriptor: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.McpDescriptor{}, err
	}

	return s.Get(ctx, tc, scoped, id)
}

const descriptorColumns = `
	id, org_id, name, endpoint_url, auth_scheme, auth_header_name, secret_ref,
	health_status, last_latency_ms, last_health_check, consecutive_fails,
	discovered_tools, discovered_resources, protocol_version, server_name, server_version,
	is_active, version, created_at, updated_at`

func scanDescriptor(row pgx.Row) (domain.McpDescriptor, error) {
	var d domain.McpDescriptor
	err := row.Scan(
		&d.ID, &d.OrgID, &d.Name, &d.EndpointURL, &d.AuthScheme, &d.AuthHeaderName, &d.SecretRef,
		&d.HealthStatus, &d.LastLatencyMS, &d.LastHealthCheck, &d.ConsecutiveFails,
		&d.DiscoveredTools, &d.DiscoveredResources, &d.ProtocolVersion, &d.ServerName, &d.ServerVersion,
		&d.IsActive, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.McpDescriptor{}, ErrNotFound
		}
		return domain.McpDescriptor{}, fmt.Errorf("scanning descriptor: %w", err)
	}
	return d, nil
}

// Get returns one descriptor scoped to the caller's organization. The read
// runs in an org-bound transaction so the database row-level-security
// backstop is active alongside the org_id predicate.
func (s *Store) Get(ctx context.Context, tc *tenantctx.Context, orgID, id uuid.UUID) (domain.McpDescriptor, error) {
	var d domain.McpDescriptor
	err := s.policy.WithOrgTx(ctx, s.pool, tc, orgID, func(tx pgx.Tx, scoped uuid.UUID) error {
		query := `SELECT ` + descriptorColumns + ` FROM mcp_descriptors WHERE id = $1 AND org_id = $2`
		var err error
		d, err = scanDescriptor(tx.QueryRow(ctx, query, id, scoped))
		return err
	})
	return d, err
}

// List returns the caller organization's descriptors.
func (s *Store) List(ctx context.Context, tc *tenantctx.Context, orgID uuid.UUID) ([]domain.McpDescriptor, error) {
	var out []domain.McpDescriptor
	err := s.policy.WithOrgTx(ctx, s.pool, tc, orgID, func(tx pgx.Tx, scoped uuid.UUID) error {
		query := `SELECT ` + descriptorColumns + ` FROM mcp_descriptors WHERE org_id = $1 ORDER BY created_at ASC`
		rows, err := tx.Query(ctx, query, scoped)
		if err != nil {
			return fmt.Errorf("listing descriptors: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			d, err := scanDescriptor(rows)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

// UpdateParams are the mutable fields of a descriptor. Nil pointers leave
// the stored value unchanged.
type UpdateParams struct {
	Name           *string
	EndpointURL    *string
	AuthScheme     *string
	AuthHeaderName *string
	Secret         *string // plaintext replacement; empty string clears it
	IsActive       *bool
}

// Update applies p and bumps the descriptor's version counter, invalidating
// any pooled upstream connections keyed to the old version.
func (s *Store) Update(ctx context.Context, tc *tenantctx.Context, orgID, id uuid.UUID, p UpdateParams) (domain.McpDescriptor, error) {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return domain.McpDescriptor{}, err
	}

	current, err := s.Get(ctx, tc, scoped, id)
	if err != nil {
		return domain.McpDescriptor{}, err
	}

	if p.EndpointURL != nil {
		if err := s.ValidateEndpoint(*p.EndpointURL); err != nil {
			return domain.McpDescriptor{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
		}
		current.EndpointURL = *p.EndpointURL
	}
	if p.AuthScheme != nil {
		if !validAuthScheme(*p.AuthScheme) {
			return domain.McpDescriptor{}, fmt.Errorf("%w: unknown auth scheme %q", ErrInvalidInput, *p.AuthScheme)
		}
		current.AuthScheme = *p.AuthScheme
	}
	if p.Name != nil {
		current.Name = *p.Name
	}
	if p.AuthHeaderName != nil {
		current.AuthHeaderName = *p.AuthHeaderName
	}
	if current.AuthScheme == domain.AuthSchemeAPIKeyHeader && current.AuthHeaderName == "" {
		current.AuthHeaderName = "X-API-Key"
	}
	if p.IsActive != nil {
		current.IsActive = *p.IsActive
	}

	if p.Secret != nil {
		if *p.Secret == "" {
			if err := s.secrets.Delete(ctx, scoped, credential.KindMCPUpstream, current.SecretRef); err != nil {
				return domain.McpDescriptor{}, fmt.Errorf("clearing upstream secret: %w", err)
			}
		} else {
			if err := s.secrets.Put(ctx, scoped, credential.KindMCPUpstream, current.SecretRef, *p.Secret); err != nil {
				return domain.McpDescriptor{}, fmt.Errorf("replacing upstream secret: %w", err)
			}
		}
	}

	err = s.policy.WithOrgTx(ctx, s.pool, tc, scoped, func(tx pgx.Tx, scoped uuid.UUID) error {
		const query = `
			UPDATE mcp_descriptors
			SET name = $3, endpoint_url = $4, auth_scheme = $5, auth_header_name = $6,
			    is_active = $7, version = version + 1, updated_at = now()
			WHERE id = $1 AND org_id = $2`

		tag, err := tx.Exec(ctx, query, id, scoped,
			current.Name, current.EndpointURL, current.AuthScheme, current.AuthHeaderName, current.IsActive)
		if err != nil {
			return fmt.Errorf("updating descriptor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return domain.McpDescriptor{}, err
	}

	return s.Get(ctx, tc, scoped, id)
}

// Delete removes a descriptor and its encrypted upstream secret.
func (s *Store) Delete(ctx context.Context, tc *tenantctx.Context, orgID, id uuid.UUID) error {
	scoped, err := s.policy.ScopeOrg(tc, orgID)
	if err != nil {
		return err
	}

	current, err := s.Get(ctx, tc, scoped, id)
	if err != nil {
		return err
	}

	if err := s.secrets.Delete(ctx, scoped, credential.KindMCPUpstream, current.SecretRef); err != nil {
		return fmt.Errorf("deleting upstream secret: %w", err)
	}

	return s.policy.WithOrgTx(ctx, s.pool, tc, scoped, func(tx pgx.Tx, scoped uuid.UUID) error {
		tag, err := tx.Exec(ctx, `DELETE FROM mcp_descriptors WHERE id = $1 AND org_id = $2`, id, scoped)
		if err != nil {
			return fmt.Errorf("deleting descriptor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DecryptSecret returns the descriptor's upstream secret in plaintext for
// header injection. Only the proxy engine and health checker call this; it
// is never exposed over HTTP.
func (s *Store) DecryptSecret(ctx context.Context, d domain.McpDescriptor) (string, error) {
	if d.AuthScheme == domain.AuthSchemeNone {
		return "", nil
	}
	return s.secrets.Get(ctx, d.OrgID, credential.KindMCPUpstream, d.SecretRef)
}

// --- Health checker writes (unscoped: probes run without a tenant context) ---

// ListActive returns every active descriptor across organizations, for the
// health checker's schedule.
func (s *Store) ListActive(ctx context.Context) ([]domain.McpDescriptor, error) {
	query := `SELECT ` + descriptorColumns + ` FROM mcp_descriptors WHERE is_active ORDER BY org_id, created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active descriptors: %w", err)
	}
	defer rows.Close()

	var out []domain.McpDescriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetForProbe returns one descriptor without tenant scoping, for probe
// execution and the proxy's post-failure re-probe.
func (s *Store) GetForProbe(ctx context.Context, id uuid.UUID) (domain.McpDescriptor, error) {
	query := `SELECT ` + descriptorColumns + ` FROM mcp_descriptors WHERE id = $1`
	return scanDescriptor(s.pool.QueryRow(ctx, query, id))
}

// ProbeResult carries the outcome of one health probe.
type ProbeResult struct {
	Healthy             bool
	LatencyMS           int64
	DiscoveredTools     []string
	DiscoveredResources []string
	ProtocolVersion     string
	ServerName          string
	ServerVersion       string
}

// ApplyProbe atomically records a probe outcome and returns the health
// state transition. failureThreshold is the number of consecutive failures
// before a healthy descriptor is marked unhealthy.
func (s *Store) ApplyProbe(ctx context.Context, id uuid.UUID, res ProbeResult, failureThreshold int) (from, to string, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", "", fmt.Errorf("beginning probe update: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var fails int
	err = tx.QueryRow(ctx,
		`SELECT health_status, consecutive_fails FROM mcp_descriptors WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &fails)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("locking descriptor: %w", err)
	}

	from = status
	if res.Healthy {
		to = domain.HealthHealthy
		fails = 0
	} else {
		fails++
		// A single failure never flips the state; recovery takes one
		// success.
		switch {
		case status == domain.HealthUnhealthy || fails >= failureThreshold:
			to = domain.HealthUnhealthy
		default:
			to = status
		}
	}

	if res.Healthy {
		_, err = tx.Exec(ctx, `
			UPDATE mcp_descriptors
			SET health_status = $2, consecutive_fails = 0, last_latency_ms = $3, last_health_check = now(),
			    discovered_tools = $4, discovered_resources = $5,
			    protocol_version = $6, server_name = $7, server_version = $8
			WHERE id = $1`,
			id, to, res.LatencyMS, res.DiscoveredTools, res.DiscoveredResources,
			res.ProtocolVersion, res.ServerName, res.ServerVersion)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE mcp_descriptors
			SET health_status = $2, consecutive_fails = $3, last_health_check = now()
			WHERE id = $1`,
			id, to, fails)
	}
	if err != nil {
		return "", "", fmt.Errorf("recording probe result: %w", err)
	}

	return from, to, tx.Commit(ctx)
}
