package tenantctx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner is the slice of pgxpool.Pool the policy engine needs to open
// transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithOrgTx runs fn inside a transaction bound to the scoped organization.
// After the usual ScopeOrg check it sets the transaction-local
// plexmcp.current_org setting the database row-level-security policies key
// on, so a query that reaches the database with a missing or wrong org_id
// predicate still cannot touch another organization's rows. This is what
// keeps the RLS layer a live backstop rather than schema decoration.
//
// Background jobs that legitimately span organizations (health probes,
// usage accounting, the hard-delete sweep) run outside this helper and
// leave the setting unset, which the policies treat as no binding.
func (p *Policy) WithOrgTx(ctx context.Context, db TxBeginner, tc *Context, orgID uuid.UUID, fn func(tx pgx.Tx, scoped uuid.UUID) error) error {
	scoped, err := p.ScopeOrg(tc, orgID)
	if err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning org-scoped transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT set_config('plexmcp.current_org', $1, true)`, scoped.String()); err != nil {
		return fmt.Errorf("binding org to transaction: %w", err)
	}

	if err := fn(tx, scoped); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
