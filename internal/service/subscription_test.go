package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/repository"
)

var testNow = time.Date(2023, time.March, 15, 12, 0, 0, 0, time.UTC)

var purchaseWithPlanRows = []string{
	"id", "account_id", "plan_id", "source", "start_date", "end_date", "trial_end_date",
	"id", "name", "screenshots_monthly_limit", "usage_based", "is_free", "stripe_product_id",
}

var planRows = []string{
	"id", "name", "screenshots_monthly_limit", "usage_based", "is_free", "stripe_product_id",
}

func newSubscriptionTest(t *testing.T) (*SubscriptionService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewSubscriptionService(repository.New(db)), mock
}

func teamAccount() *domain.Account {
	teamID := uuid.New()
	return &domain.Account{ID: uuid.New(), Slug: "acme", TeamID: &teamID}
}

// expectActivePurchase arranges the timeline query to return one purchase
// joined with its plan.
func expectActivePurchase(mock sqlmock.Sqlmock, account *domain.Account, start time.Time, trialEnd interface{}, limit interface{}, usageBased bool) {
	purchaseID, planID := uuid.New(), uuid.New()
	mock.ExpectQuery(`SELECT .+ FROM purchases p\s+JOIN plans pl`).
		WithArgs(account.ID, testNow).
		WillReturnRows(sqlmock.NewRows(purchaseWithPlanRows).AddRow(
			purchaseID, account.ID, planID, "stripe", start, nil, trialEnd,
			planID, "pro", limit, usageBased, false, "prod_123",
		))
}

func expectNoActivePurchase(mock sqlmock.Sqlmock, account *domain.Account) {
	mock.ExpectQuery(`SELECT .+ FROM purchases p\s+JOIN plans pl`).
		WithArgs(account.ID, testNow).
		WillReturnRows(sqlmock.NewRows(purchaseWithPlanRows))
}

func expectUsage(mock sqlmock.Sqlmock, account *domain.Account, from time.Time, count int64) {
	mock.ExpectQuery(`SELECT SUM\(sb\.screenshot_count\)`).
		WithArgs(account.ID, from).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(count))
}

func TestSubscription_FreePlanFallback(t *testing.T) {
	ctx := context.Background()
	svc, mock := newSubscriptionTest(t)
	account := teamAccount()

	// One timeline query and one plan query serve every accessor below.
	expectNoActivePurchase(mock, account)
	mock.ExpectQuery(`SELECT .+ FROM plans WHERE is_free = TRUE`).
		WillReturnRows(sqlmock.NewRows(planRows).AddRow(
			uuid.New(), "free", int64(5000), true, true, nil,
		))

	sub := svc.ResolveAt(account, testNow)

	purchase, err := sub.ActivePurchase(ctx)
	require.NoError(t, err)
	assert.Nil(t, purchase)

	free, err := sub.IsFreePlan(ctx)
	require.NoError(t, err)
	assert.True(t, free)

	plan, err := sub.Plan(ctx)
	require.NoError(t, err)
	assert.Equal(t, "free", plan.Name)

	// Without a purchase anchor, usage resets on calendar months.
	start, err := sub.CurrentPeriodStartDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC), start)

	end, err := sub.CurrentPeriodEndDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, time.April, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestSubscription_ForcedPlanBypassesTimeline(t *testing.T) {
	ctx := context.Background()
	svc, mock := newSubscriptionTest(t)

	forcedPlanID := uuid.New()
	account := teamAccount()
	account.ForcedPlanID = &forcedPlanID

	// Only the plan lookup runs: the timeline is never queried.
	mock.ExpectQuery(`SELECT .+ FROM plans WHERE id = \$1`).
		WithArgs(forcedPlanID).
		WillReturnRows(sqlmock.NewRows(planRows).AddRow(
			forcedPlanID, "enterprise", nil, false, false, nil,
		))

	sub := svc.ResolveAt(account, testNow)

	purchase, err := sub.ActivePurchase(ctx)
	require.NoError(t, err)
	assert.Nil(t, purchase)

	plan, err := sub.Plan(ctx)
	require.NoError(t, err)
	assert.Equal(t, "enterprise", plan.Name)

	start, err := sub.CurrentPeriodStartDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestSubscription_AnchoredPeriod(t *testing.T) {
	ctx := context.Background()

	t.Run("period starts on the last monthly anniversary", func(t *testing.T) {
		svc, mock := newSubscriptionTest(t)
		account := teamAccount()

		// Started Jan 31: the March anniversary has not happened yet on
		// Mar 15, and February has no 31st, so the period began Feb 28.
		expectActivePurchase(mock, account,
			time.Date(2023, time.January, 31, 0, 0, 0, 0, time.UTC), nil, int64(250000), true)

		sub := svc.ResolveAt(account, testNow)

		start, err := sub.CurrentPeriodStartDate(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2023, time.February, 28, 0, 0, 0, 0, time.UTC), start)

		end, err := sub.CurrentPeriodEndDate(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2023, time.March, 28, 0, 0, 0, 0, time.UTC), end)
	})

	t.Run("period end is capped at the end of the next calendar month", func(t *testing.T) {
		svc, mock := newSubscriptionTest(t)
		account := teamAccount()

		now := time.Date(2023, time.February, 10, 12, 0, 0, 0, time.UTC)
		purchaseID, planID := uuid.New(), uuid.New()
		mock.ExpectQuery(`SELECT .+ FROM purchases p\s+JOIN plans pl`).
			WithArgs(account.ID, now).
			WillReturnRows(sqlmock.NewRows(purchaseWithPlanRows).AddRow(
				purchaseID, account.ID, planID, "stripe",
				time.Date(2023, time.January, 31, 0, 0, 0, 0, time.UTC), nil, nil,
				planID, "pro", int64(250000), true, false, "prod_123",
			))

		sub := svc.ResolveAt(account, now)

		start, err := sub.CurrentPeriodStartDate(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2023, time.January, 31, 0, 0, 0, 0, time.UTC), start)

		// Jan 31 + 1 month clamps to Feb 28, inside February: no capping
		// at the end-of-next-month boundary is needed.
		end, err := sub.CurrentPeriodEndDate(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2023, time.February, 28, 0, 0, 0, 0, time.UTC), end)
	})
}

func TestSubscription_TrialPeriod(t *testing.T) {
	ctx := context.Background()
	svc, mock := newSubscriptionTest(t)
	account := teamAccount()

	trialEnd := time.Date(2023, time.March, 30, 0, 0, 0, 0, time.UTC)
	expectActivePurchase(mock, account,
		time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC), trialEnd, int64(250000), true)

	sub := svc.ResolveAt(account, testNow)

	trialing, err := sub.IsTrialing(ctx)
	require.NoError(t, err)
	assert.True(t, trialing)

	// The trial end bounds the period, not the monthly anniversary.
	end, err := sub.CurrentPeriodEndDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, trialEnd, end)
}

func TestSubscription_ConsumptionRatio(t *testing.T) {
	ctx := context.Background()
	periodStart := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)

	t.Run("under the tolerance", func(t *testing.T) {
		svc, mock := newSubscriptionTest(t)
		account := teamAccount()

		expectActivePurchase(mock, account, periodStart, nil, int64(1000), true)
		expectUsage(mock, account, periodStart, 1099)

		sub := svc.ResolveAt(account, testNow)

		ratio, err := sub.CurrentPeriodConsumptionRatio(ctx)
		require.NoError(t, err)
		require.NotNil(t, ratio)
		assert.InDelta(t, 1.099, *ratio, 1e-9)

		out, err := sub.IsOutOfCapacity(ctx)
		require.NoError(t, err)
		assert.False(t, out, "just under the tolerance is allowed")
	})

	t.Run("at the tolerance", func(t *testing.T) {
		svc, mock := newSubscriptionTest(t)
		account := teamAccount()

		expectActivePurchase(mock, account, periodStart, nil, int64(1000), true)
		expectUsage(mock, account, periodStart, 1100)

		sub := svc.ResolveAt(account, testNow)

		out, err := sub.IsOutOfCapacity(ctx)
		require.NoError(t, err)
		assert.True(t, out)
	})

	t.Run("unlimited plan has no ratio", func(t *testing.T) {
		svc, mock := newSubscriptionTest(t)
		account := teamAccount()

		// No usage query: an unlimited plan short-circuits the counter.
		expectActivePurchase(mock, account, periodStart, nil, nil, true)

		sub := svc.ResolveAt(account, testNow)

		ratio, err := sub.CurrentPeriodConsumptionRatio(ctx)
		require.NoError(t, err)
		assert.Nil(t, ratio)

		out, err := sub.IsOutOfCapacity(ctx)
		require.NoError(t, err)
		assert.False(t, out)
	})

	t.Run("fixed-price plans are not enforced", func(t *testing.T) {
		svc, mock := newSubscriptionTest(t)
		account := teamAccount()

		expectActivePurchase(mock, account, periodStart, nil, int64(1000), false)

		sub := svc.ResolveAt(account, testNow)

		out, err := sub.IsOutOfCapacity(ctx)
		require.NoError(t, err)
		assert.False(t, out)
	})
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Acme", "acme"},
		{"collapses separators", "Acme  Corp / QA", "acme-corp-qa"},
		{"strips diacritics", "Café Über", "cafe-uber"},
		{"trims hyphens", " -acme- ", "acme"},
		{"drops symbols", "acme!!!", "acme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}
