package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/domain"
)

const planColumns = `id, name, screenshots_monthly_limit, usage_based, is_free, stripe_product_id`

func scanPlan(row *sql.Row) (*domain.Plan, error) {
	var p domain.Plan
	var limit sql.NullInt64
	var productID sql.NullString

	err := row.Scan(&p.ID, &p.Name, &limit, &p.UsageBased, &p.IsFree, &productID)
	if err != nil {
		return nil, err
	}
	if limit.Valid {
		p.ScreenshotsMonthlyLimit = &limit.Int64
	}
	p.StripeProductID = productID.String
	return &p, nil
}

// GetPlan retrieves a plan by ID.
func (q *Queries) GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("plan.get", "plan", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

// GetPlanByStripeProduct retrieves the plan billed by a Stripe product.
// Returns an UnresolvedPlan error when no plan matches.
func (q *Queries) GetPlanByStripeProduct(ctx context.Context, productID string) (*domain.Plan, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE stripe_product_id = $1`, productID)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.UnresolvedPlan("plan.get_by_stripe_product", productID)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan by stripe product: %w", err)
	}
	return plan, nil
}

// GetFreePlan retrieves the designated free plan.
//
// The free plan is seeded by migration and must exist: the subscription
// resolver falls back to it for accounts with no purchase. Its absence is
// data corruption, not a lookup miss.
func (q *Queries) GetFreePlan(ctx context.Context) (*domain.Plan, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE is_free = TRUE ORDER BY created_at LIMIT 1`)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Invariant("plan.get_free", "no free plan configured")
	}
	if err != nil {
		return nil, fmt.Errorf("get free plan: %w", err)
	}
	return plan, nil
}
