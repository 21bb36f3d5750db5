package service

import (
	"context"
	"sync"
	"time"

	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/repository"
)

// SubscriptionService resolves what an account is entitled to right now:
// its effective plan, the bounds of the current billing period, and how much
// of the period's screenshot quota is consumed.
type SubscriptionService struct {
	queries *repository.Queries
}

// NewSubscriptionService creates a SubscriptionService.
func NewSubscriptionService(queries *repository.Queries) *SubscriptionService {
	return &SubscriptionService{queries: queries}
}

// Resolve returns a Subscription view of the account at the current instant.
func (s *SubscriptionService) Resolve(account *domain.Account) *Subscription {
	return s.ResolveAt(account, time.Now())
}

// ResolveAt returns a Subscription view of the account at a fixed instant.
func (s *SubscriptionService) ResolveAt(account *domain.Account, now time.Time) *Subscription {
	return &Subscription{
		queries: s.queries,
		account: account,
		now:     now.UTC(),
	}
}

// Subscription is a read-only view of one account's entitlements at one
// instant. It is cheap to pass around within a request: the underlying
// queries run at most once each, whatever combination of accessors is called.
// It is not meant to outlive the request that created it.
type Subscription struct {
	queries *repository.Queries
	account *domain.Account
	now     time.Time

	purchaseOnce sync.Once
	purchase     *domain.Purchase
	purchaseErr  error

	planOnce sync.Once
	plan     *domain.Plan
	planErr  error

	usageOnce sync.Once
	usage     int64
	usageErr  error
}

// ActivePurchase returns the purchase active right now, or nil when the
// account has none or runs on a forced plan. A forced plan overrides the
// timeline entirely, paid purchases included.
func (s *Subscription) ActivePurchase(ctx context.Context) (*domain.Purchase, error) {
	s.purchaseOnce.Do(func() {
		if s.account.ForcedPlanID != nil {
			return
		}
		s.purchase, s.purchaseErr = s.queries.FindActivePurchase(ctx, s.account.ID, s.now)
	})
	return s.purchase, s.purchaseErr
}

// Plan returns the account's effective plan: the forced plan when one is set,
// otherwise the active purchase's plan, otherwise the free plan.
func (s *Subscription) Plan(ctx context.Context) (*domain.Plan, error) {
	s.planOnce.Do(func() {
		s.plan, s.planErr = s.resolvePlan(ctx)
	})
	return s.plan, s.planErr
}

func (s *Subscription) resolvePlan(ctx context.Context) (*domain.Plan, error) {
	if s.account.ForcedPlanID != nil {
		return s.queries.GetPlan(ctx, *s.account.ForcedPlanID)
	}
	purchase, err := s.ActivePurchase(ctx)
	if err != nil {
		return nil, err
	}
	if purchase != nil && purchase.Plan != nil {
		return purchase.Plan, nil
	}
	return s.queries.GetFreePlan(ctx)
}

// IsFreePlan reports whether the account runs on the free plan.
func (s *Subscription) IsFreePlan(ctx context.Context) (bool, error) {
	plan, err := s.Plan(ctx)
	if err != nil {
		return false, err
	}
	return plan.IsFree, nil
}

// IsUsageBasedPlan reports whether the effective plan meters screenshots.
func (s *Subscription) IsUsageBasedPlan(ctx context.Context) (bool, error) {
	plan, err := s.Plan(ctx)
	if err != nil {
		return false, err
	}
	return plan.UsageBased, nil
}

// IsTrialing reports whether the active purchase is in its trial period.
func (s *Subscription) IsTrialing(ctx context.Context) (bool, error) {
	purchase, err := s.ActivePurchase(ctx)
	if err != nil {
		return false, err
	}
	return purchase != nil && purchase.IsTrialActiveAt(s.now), nil
}

// CurrentPeriodStartDate returns the start of the current billing period.
//
// With an active purchase the period is anchored to the purchase's monthly
// anniversary. Without one (free plan, forced plan) usage resets on calendar
// months, so the period starts on the first of the current UTC month.
func (s *Subscription) CurrentPeriodStartDate(ctx context.Context) (time.Time, error) {
	if s.account.ForcedPlanID != nil {
		return startOfMonth(s.now), nil
	}
	purchase, err := s.ActivePurchase(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if purchase == nil {
		return startOfMonth(s.now), nil
	}
	return purchase.LastResetDate(s.now), nil
}

// CurrentPeriodEndDate returns the end of the current billing period.
//
// During a trial the period ends when the trial does. Otherwise the period
// runs one month from its start, capped at the last instant of the next
// calendar month so a clamped anniversary can never push the end date two
// months out.
func (s *Subscription) CurrentPeriodEndDate(ctx context.Context) (time.Time, error) {
	const op = "subscription.current_period_end"

	trialing, err := s.IsTrialing(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if trialing {
		purchase, err := s.ActivePurchase(ctx)
		if err != nil {
			return time.Time{}, err
		}
		if purchase.TrialEndDate == nil {
			return time.Time{}, domain.Invariant(op, "trialing purchase has no trial end date")
		}
		return *purchase.TrialEndDate, nil
	}

	start, err := s.CurrentPeriodStartDate(ctx)
	if err != nil {
		return time.Time{}, err
	}
	end := domain.AddMonthsClamped(start, 1)
	if cap := endOfNextMonth(s.now); end.After(cap) {
		end = cap
	}
	return end, nil
}

// CurrentPeriodScreenshots returns how many screenshots the account's
// projects uploaded since the period start.
func (s *Subscription) CurrentPeriodScreenshots(ctx context.Context) (int64, error) {
	s.usageOnce.Do(func() {
		start, err := s.CurrentPeriodStartDate(ctx)
		if err != nil {
			s.usageErr = err
			return
		}
		s.usage, s.usageErr = s.queries.CountScreenshotsFromDate(ctx, s.account.ID, start)
	})
	return s.usage, s.usageErr
}

// CurrentPeriodConsumptionRatio returns consumed screenshots over the plan's
// monthly limit, or nil when the plan is unlimited.
func (s *Subscription) CurrentPeriodConsumptionRatio(ctx context.Context) (*float64, error) {
	plan, err := s.Plan(ctx)
	if err != nil {
		return nil, err
	}
	limit := plan.MonthlyLimit()
	if limit == nil || *limit <= 0 {
		return nil, nil
	}
	used, err := s.CurrentPeriodScreenshots(ctx)
	if err != nil {
		return nil, err
	}
	ratio := float64(used) / float64(*limit)
	return &ratio, nil
}

// IsOutOfCapacity reports whether uploads should be rejected. Only metered
// plans and trials are enforced, and only past a 10% tolerance over the
// quota so a burst at the period boundary does not fail builds outright.
func (s *Subscription) IsOutOfCapacity(ctx context.Context) (bool, error) {
	const tolerance = 1.1

	usageBased, err := s.IsUsageBasedPlan(ctx)
	if err != nil {
		return false, err
	}
	trialing, err := s.IsTrialing(ctx)
	if err != nil {
		return false, err
	}
	if !usageBased && !trialing {
		return false, nil
	}

	ratio, err := s.CurrentPeriodConsumptionRatio(ctx)
	if err != nil {
		return false, err
	}
	return ratio != nil && *ratio >= tolerance, nil
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// endOfNextMonth returns the last instant of the calendar month after t's.
func endOfNextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+2, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)
}
