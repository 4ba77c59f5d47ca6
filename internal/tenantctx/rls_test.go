package tenantctx

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTx records the statements run in an org-scoped transaction. Unused
// pgx.Tx methods panic via the embedded nil interface.
type fakeTx struct {
	pgx.Tx
	execs      []string
	args       [][]any
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Commit(_ context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(_ context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx     *fakeTx
	begins int
}

func (f *fakeBeginner) Begin(_ context.Context) (pgx.Tx, error) {
	f.begins++
	return f.tx, nil
}

func TestWithOrgTxBindsOrgAndCommits(t *testing.T) {
	orgID := uuid.New()
	tc := &Context{UserID: uuid.New(), OrgID: orgID, PlatformRole: RoleUser}
	policy := NewPolicy(nil)
	db := &fakeBeginner{tx: &fakeTx{}}

	var sawScoped uuid.UUID
	err := policy.WithOrgTx(context.Background(), db, tc, orgID, func(tx pgx.Tx, scoped uuid.UUID) error {
		sawScoped = scoped
		_, err := tx.Exec(context.Background(), `SELECT 1`)
		return err
	})
	if err != nil {
		t.Fatalf("WithOrgTx: %v", err)
	}

	if sawScoped != orgID {
		t.Errorf("fn received scoped org %s, want %s", sawScoped, orgID)
	}
	if len(db.tx.execs) < 2 || db.tx.execs[0] != `SELECT set_config('plexmcp.current_org', $1, true)` {
		t.Fatalf("first statement must bind plexmcp.current_org, got %v", db.tx.execs)
	}
	if db.tx.args[0][0] != orgID.String() {
		t.Errorf("bound org = %v, want %s", db.tx.args[0][0], orgID)
	}
	if !db.tx.committed {
		t.Error("transaction was not committed")
	}
}

func TestWithOrgTxRefusesCrossOrgWithoutElevation(t *testing.T) {
	tc := &Context{UserID: uuid.New(), OrgID: uuid.New(), PlatformRole: RoleSuperadmin}
	policy := NewPolicy(nil)
	db := &fakeBeginner{tx: &fakeTx{}}

	err := policy.WithOrgTx(context.Background(), db, tc, uuid.New(), func(pgx.Tx, uuid.UUID) error {
		t.Fatal("fn must not run for an unauthorized org")
		return nil
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("error = %v, want ErrPermissionDenied", err)
	}
	if db.begins != 0 {
		t.Error("no transaction may be opened for an unauthorized org")
	}
}

func TestWithOrgTxAllowsElevatedTarget(t *testing.T) {
	tc := &Context{UserID: uuid.New(), OrgID: uuid.New(), PlatformRole: RoleSuperadmin}
	policy := NewPolicy(nil)

	target := uuid.New()
	elevated, err := policy.WithElevation(context.Background(), tc, target, "support case")
	if err != nil {
		t.Fatalf("WithElevation: %v", err)
	}

	db := &fakeBeginner{tx: &fakeTx{}}
	err = policy.WithOrgTx(context.Background(), db, elevated, target, func(_ pgx.Tx, scoped uuid.UUID) error {
		if scoped != target {
			t.Errorf("scoped = %s, want elevated target %s", scoped, target)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithOrgTx with elevation: %v", err)
	}
}

func TestWithOrgTxRollsBackOnError(t *testing.T) {
	orgID := uuid.New()
	tc := &Context{UserID: uuid.New(), OrgID: orgID, PlatformRole: RoleUser}
	policy := NewPolicy(nil)
	db := &fakeBeginner{tx: &fakeTx{}}

	boom := errors.New("boom")
	err := policy.WithOrgTx(context.Background(), db, tc, orgID, func(pgx.Tx, uuid.UUID) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want the fn's error", err)
	}
	if db.tx.committed {
		t.Error("failed transaction must not be committed")
	}
	if !db.tx.rolledBack {
		t.Error("failed transaction must be rolled back")
	}
}
