package ratequota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexmcp/plexmcp/internal/domain"
)

// Admission failures, mapped to QuotaExceeded by the proxy engine.
var (
	ErrQuotaExceeded = errors.New("monthly request quota exceeded")
	ErrSpendCapped   = errors.New("spend cap reached")
)

// Accounting maintains UsageCounter and SpendCap rows. Admit reads the
// counter without taking a lock, and RecordOutcome increments it under a
// row lock only after the proxied request completes, so admission and
// increment are not serialized: requests admitted concurrently can together
// exceed the effective limit by the number of them still in flight.
type Accounting struct {
	pool *pgxpool.Pool
}

// NewAccounting builds an Accounting.
func NewAccounting(pool *pgxpool.Pool) *Accounting {
	return &Accounting{pool: pool}
}

// periodStart truncates now to the first instant of the billing month.
func periodStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// Admit checks whether one more request fits the organization's monthly
// quota and spend cap. It opens no upstream connections and writes nothing;
// the increment happens in RecordOutcome after the proxied request
// completes.
func (a *Accounting) Admit(ctx context.Context, orgID uuid.UUID, effectiveLimit int) error {
	var paused bool
	var capCents, spendCents int64
	err := a.pool.QueryRow(ctx,
		`SELECT cap_cents, current_spend_cents, paused FROM spend_caps WHERE org_id = $1`, orgID).
		Scan(&capCents, &spendCents, &paused)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// No cap configured.
	case err != nil:
		return fmt.Errorf("checking spend cap: %w", err)
	case paused || (capCents > 0 && spendCents >= capCents):
		return ErrSpendCapped
	}

	if effectiveLimit == domain.UnlimitedQuota {
		return nil
	}

	var used int
	err = a.pool.QueryRow(ctx,
		`SELECT requests_used FROM usage_counters WHERE org_id = $1 AND period_start = $2`,
		orgID, periodStart(time.Now())).Scan(&used)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("checking usage counter: %w", err)
	}
	if used >= effectiveLimit {
		return ErrQuotaExceeded
	}
	return nil
}

// Outcome describes a completed proxied request for accounting purposes.
type Outcome struct {
	IsError          bool
	TokensUsed       int64
	EffectiveLimit   int
	OverageRateCents int
}

// RecordOutcome increments the organization's usage counter for the current
// billing period, counting errors separately, and accrues overage spend
// once usage exceeds the effective limit. The whole update runs in one
// transaction under a row lock.
func (a *Accounting) RecordOutcome(ctx context.Context, orgID uuid.UUID, out Outcome) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning usage update: %w", err)
	}
	defer tx.Rollback(ctx)

	period := periodStart(time.Now())

	// Upsert-then-lock so the first request of a period creates the row.
	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_counters (org_id, period_start, requests_used, tokens_used, errors)
		VALUES ($1, $2, 0, 0, 0)
		ON CONFLICT (org_id, period_start) DO NOTHING`, orgID, period); err != nil {
		return fmt.Errorf("ensuring usage counter: %w", err)
	}

	var used int
	if err := tx.QueryRow(ctx,
		`SELECT requests_used FROM usage_counters WHERE org_id = $1 AND period_start = $2 FOR UPDATE`,
		orgID, period).Scan(&used); err != nil {
		return fmt.Errorf("locking usage counter: %w", err)
	}

	errInc := 0
	if out.IsError {
		errInc = 1
	}
	if _, err := tx.Exec(ctx, `
		UPDATE usage_counters
		SET requests_used = requests_used + 1, tokens_used = tokens_used + $3, errors = errors + $4
		WHERE org_id = $1 AND period_start = $2`,
		orgID, period, out.TokensUsed, errInc); err != nil {
		return fmt.Errorf("incrementing usage counter: %w", err)
	}

	// Overage accrual starts with the first request past the cap.
	if out.EffectiveLimit != domain.UnlimitedQuota && used >= out.EffectiveLimit && out.OverageRateCents > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE spend_caps
			SET current_spend_cents = current_spend_cents + $2
			WHERE org_id = $1`,
			orgID, out.OverageRateCents); err != nil {
			return fmt.Errorf("accruing overage spend: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Usage returns the organization's counter for the current billing period.
func (a *Accounting) Usage(ctx context.Context, orgID uuid.UUID) (domain.UsageCounter, error) {
	period := periodStart(time.Now())
	uc := domain.UsageCounter{OrgID: orgID, PeriodStart: period}

	err := a.pool.QueryRow(ctx,
		`SELECT requests_used, tokens_used, errors FROM usage_counters WHERE org_id = $1 AND period_start = $2`,
		orgID, period).Scan(&uc.RequestsUsed, &uc.TokensUsed, &uc.Errors)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.UsageCounter{}, fmt.Errorf("reading usage counter: %w", err)
	}
	return uc, nil
}

// SetSpendCap upserts the organization's spend cap.
func (a *Accounting) SetSpendCap(ctx context.Context, orgID uuid.UUID, capCents int64, paused bool) error {
	const query = `
		INSERT INTO spend_caps (org_id, cap_cents, current_spend_cents, paused)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (org_id) DO UPDATE SET cap_cents = EXCLUDED.cap_cents, paused = EXCLUDED.paused`
	if _, err := a.pool.Exec(ctx, query, orgID, capCents, paused); err != nil {
		return fmt.Errorf("setting spend cap: %w", err)
	}
	return nil
}
