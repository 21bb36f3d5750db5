// Package domain contains core business types and interfaces.
//
// This file defines the Plan type: a named quota tier an account subscribes
// to, either free or billed through Stripe.
package domain

import (
	"math"

	"github.com/google/uuid"
)

// Plan represents a subscription tier with a monthly screenshot quota.
//
// Plans are administrative data: they are looked up by ID or by the Stripe
// product that bills for them, and are never mutated by webhook processing.
type Plan struct {
	ID uuid.UUID

	// Name is the display name of the tier ("free", "starter", "pro", ...).
	Name string

	// ScreenshotsMonthlyLimit is the number of screenshots included per
	// billing period. Nil means unlimited.
	ScreenshotsMonthlyLimit *int64

	// UsageBased marks plans whose consumption is metered and enforced.
	UsageBased bool

	// IsFree marks the designated free plan, the fallback when an account
	// has no active purchase and no forced plan.
	IsFree bool

	// StripeProductID is the Stripe product that bills for this plan.
	// Empty for free or manually-granted plans.
	StripeProductID string
}

// MonthlyLimit returns the plan's screenshot quota, or nil when the plan is
// unlimited or unknown.
func (p *Plan) MonthlyLimit() *int64 {
	if p == nil {
		return nil
	}
	return p.ScreenshotsMonthlyLimit
}

// QuotaOrUnlimited returns the quota used for plan comparisons.
// A nil limit compares as unlimited, i.e. greater than any finite quota.
func (p *Plan) QuotaOrUnlimited() int64 {
	if p == nil {
		return 0
	}
	if p.ScreenshotsMonthlyLimit == nil {
		return math.MaxInt64
	}
	return *p.ScreenshotsMonthlyLimit
}
