package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/domain"
)

const purchaseColumns = `p.id, p.account_id, p.plan_id, p.source, p.start_date, p.end_date, p.trial_end_date`

// purchaseWithPlanQuery selects a purchase joined with its plan.
const purchaseWithPlanQuery = `
	SELECT ` + purchaseColumns + `,
	       pl.id, pl.name, pl.screenshots_monthly_limit, pl.usage_based, pl.is_free, pl.stripe_product_id
	FROM purchases p
	JOIN plans pl ON pl.id = p.plan_id`

func scanPurchaseWithPlan(row *sql.Row) (*domain.Purchase, error) {
	var p domain.Purchase
	var plan domain.Plan
	var endDate, trialEndDate sql.NullTime
	var limit sql.NullInt64
	var productID sql.NullString

	err := row.Scan(
		&p.ID, &p.AccountID, &p.PlanID, &p.Source, &p.StartDate, &endDate, &trialEndDate,
		&plan.ID, &plan.Name, &limit, &plan.UsageBased, &plan.IsFree, &productID,
	)
	if err != nil {
		return nil, err
	}
	if endDate.Valid {
		t := endDate.Time
		p.EndDate = &t
	}
	if trialEndDate.Valid {
		t := trialEndDate.Time
		p.TrialEndDate = &t
	}
	if limit.Valid {
		plan.ScreenshotsMonthlyLimit = &limit.Int64
	}
	plan.StripeProductID = productID.String
	p.Plan = &plan
	return &p, nil
}

// FindActivePurchase returns the purchase covering the given instant for an
// account, or nil when the timeline has none.
//
// Two technically-open purchases should not coexist, but if they do the one
// with the richest plan wins: ordering by monthly limit descending with
// NULLS FIRST puts unlimited plans ahead of every finite quota.
func (q *Queries) FindActivePurchase(ctx context.Context, accountID uuid.UUID, now time.Time) (*domain.Purchase, error) {
	row := q.db.QueryRowContext(ctx, purchaseWithPlanQuery+`
		WHERE p.account_id = $1
		  AND p.start_date <= $2
		  AND (p.end_date IS NULL OR p.end_date >= $2)
		ORDER BY pl.screenshots_monthly_limit DESC NULLS FIRST
		LIMIT 1`,
		accountID, now)
	purchase, err := scanPurchaseWithPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active purchase: %w", err)
	}
	return purchase, nil
}

// FindPendingPurchase returns the earliest purchase scheduled to start after
// the given instant, or nil when none is scheduled. A pending purchase
// represents a deferred plan change, typically a downgrade taking effect at
// the end of the paid period.
func (q *Queries) FindPendingPurchase(ctx context.Context, accountID uuid.UUID, after time.Time) (*domain.Purchase, error) {
	row := q.db.QueryRowContext(ctx, purchaseWithPlanQuery+`
		WHERE p.account_id = $1
		  AND p.start_date > $2
		  AND (p.end_date IS NULL OR p.end_date >= $2)
		ORDER BY p.start_date ASC
		LIMIT 1`,
		accountID, after)
	purchase, err := scanPurchaseWithPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending purchase: %w", err)
	}
	return purchase, nil
}

// ClosePurchase sets the purchase end date. Idempotent: a purchase already
// closed at or before the given date is left untouched, so a close is never
// extended forward.
func (q *Queries) ClosePurchase(ctx context.Context, purchaseID uuid.UUID, endDate time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE purchases
		SET end_date = $2, updated_at = now()
		WHERE id = $1
		  AND (end_date IS NULL OR end_date > $2)`,
		purchaseID, endDate)
	if err != nil {
		return fmt.Errorf("close purchase: %w", err)
	}
	return nil
}

// ReopenPurchase clears the purchase end date, reversing a scheduled
// cancellation once payment succeeds again.
func (q *Queries) ReopenPurchase(ctx context.Context, purchaseID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE purchases
		SET end_date = NULL, updated_at = now()
		WHERE id = $1`,
		purchaseID)
	if err != nil {
		return fmt.Errorf("reopen purchase: %w", err)
	}
	return nil
}

// CreatePurchaseParams holds the fields for creating a purchase.
type CreatePurchaseParams struct {
	AccountID    uuid.UUID
	PlanID       uuid.UUID
	Source       domain.PurchaseSource
	StartDate    time.Time
	TrialEndDate *time.Time
}

// CreatePurchase inserts a new purchase. The caller is responsible for
// closing any conflicting active or pending purchase first; the reconciler
// does this inside the same transaction.
func (q *Queries) CreatePurchase(ctx context.Context, params CreatePurchaseParams) (*domain.Purchase, error) {
	var p domain.Purchase
	var endDate, trialEndDate sql.NullTime

	err := q.db.QueryRowContext(ctx, `
		INSERT INTO purchases (account_id, plan_id, source, start_date, trial_end_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, account_id, plan_id, source, start_date, end_date, trial_end_date`,
		params.AccountID, params.PlanID, params.Source, params.StartDate, params.TrialEndDate,
	).Scan(&p.ID, &p.AccountID, &p.PlanID, &p.Source, &p.StartDate, &endDate, &trialEndDate)
	if err != nil {
		return nil, fmt.Errorf("create purchase: %w", err)
	}
	if endDate.Valid {
		t := endDate.Time
		p.EndDate = &t
	}
	if trialEndDate.Valid {
		t := trialEndDate.Time
		p.TrialEndDate = &t
	}
	return &p, nil
}

// FindPurchaseForPlan returns the most recent purchase of a given plan for
// an account, or nil when none exists. Invoice reconciliation uses it to
// locate the purchase a paid invoice settles.
func (q *Queries) FindPurchaseForPlan(ctx context.Context, accountID, planID uuid.UUID) (*domain.Purchase, error) {
	row := q.db.QueryRowContext(ctx, purchaseWithPlanQuery+`
		WHERE p.account_id = $1
		  AND p.plan_id = $2
		ORDER BY p.start_date DESC
		LIMIT 1`,
		accountID, planID)
	purchase, err := scanPurchaseWithPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find purchase for plan: %w", err)
	}
	return purchase, nil
}
