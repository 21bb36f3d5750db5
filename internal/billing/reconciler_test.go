package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"

	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/repository"
)

// =============================================================================
// In-memory fake store
// =============================================================================

// fakeState holds the store contents. InTx clones it and only publishes the
// clone on success, mimicking transaction rollback.
type fakeState struct {
	accounts  map[uuid.UUID]*domain.Account
	plans     map[uuid.UUID]*domain.Plan
	purchases map[uuid.UUID]*domain.Purchase
}

func newFakeState() *fakeState {
	return &fakeState{
		accounts:  make(map[uuid.UUID]*domain.Account),
		plans:     make(map[uuid.UUID]*domain.Plan),
		purchases: make(map[uuid.UUID]*domain.Purchase),
	}
}

func (s *fakeState) clone() *fakeState {
	out := newFakeState()
	for id, a := range s.accounts {
		c := *a
		out.accounts[id] = &c
	}
	for id, p := range s.plans {
		c := *p
		out.plans[id] = &c
	}
	for id, p := range s.purchases {
		c := *p
		if p.EndDate != nil {
			t := *p.EndDate
			c.EndDate = &t
		}
		if p.TrialEndDate != nil {
			t := *p.TrialEndDate
			c.TrialEndDate = &t
		}
		c.Plan = nil
		out.purchases[id] = &c
	}
	return out
}

type fakeStore struct {
	state *fakeState
}

func (s *fakeStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	work := s.state.clone()
	if err := fn(&fakeTx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type fakeTx struct {
	state *fakeState
}

func (t *fakeTx) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	if a, ok := t.state.accounts[id]; ok {
		return a, nil
	}
	return nil, domain.NotFound("account.get", "account", id.String())
}

func (t *fakeTx) GetAccountByStripeCustomerID(_ context.Context, customerID string) (*domain.Account, error) {
	for _, a := range t.state.accounts {
		if a.StripeCustomerID == customerID {
			return a, nil
		}
	}
	return nil, domain.UnresolvedAccount("account.get_by_stripe_customer", customerID)
}

func (t *fakeTx) EnsureAccountForUser(_ context.Context, userID uuid.UUID) (*domain.Account, error) {
	for _, a := range t.state.accounts {
		if a.UserID != nil && *a.UserID == userID {
			return a, nil
		}
	}
	account := &domain.Account{ID: uuid.New(), Slug: "user-" + userID.String(), UserID: &userID}
	t.state.accounts[account.ID] = account
	return account, nil
}

func (t *fakeTx) EnsureAccountForTeam(_ context.Context, teamID uuid.UUID) (*domain.Account, error) {
	for _, a := range t.state.accounts {
		if a.TeamID != nil && *a.TeamID == teamID {
			return a, nil
		}
	}
	account := &domain.Account{ID: uuid.New(), Slug: "team-" + teamID.String(), TeamID: &teamID}
	t.state.accounts[account.ID] = account
	return account, nil
}

func (t *fakeTx) AttachStripeCustomer(_ context.Context, accountID uuid.UUID, customerID string) error {
	a, ok := t.state.accounts[accountID]
	if !ok {
		return domain.NotFound("account.get", "account", accountID.String())
	}
	if a.StripeCustomerID == "" {
		a.StripeCustomerID = customerID
	}
	return nil
}

func (t *fakeTx) LockAccount(_ context.Context, _ uuid.UUID) error { return nil }

func (t *fakeTx) GetPlanByStripeProduct(_ context.Context, productID string) (*domain.Plan, error) {
	for _, p := range t.state.plans {
		if p.StripeProductID == productID {
			return p, nil
		}
	}
	return nil, domain.UnresolvedPlan("plan.get_by_stripe_product", productID)
}

func (t *fakeTx) withPlan(p *domain.Purchase) *domain.Purchase {
	c := *p
	c.Plan = t.state.plans[p.PlanID]
	return &c
}

func (t *fakeTx) FindActivePurchase(_ context.Context, accountID uuid.UUID, now time.Time) (*domain.Purchase, error) {
	var best *domain.Purchase
	for _, p := range t.state.purchases {
		if p.AccountID != accountID || !p.IsActiveAt(now) {
			continue
		}
		if best == nil || t.state.plans[p.PlanID].QuotaOrUnlimited() > t.state.plans[best.PlanID].QuotaOrUnlimited() {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	return t.withPlan(best), nil
}

func (t *fakeTx) FindPendingPurchase(_ context.Context, accountID uuid.UUID, after time.Time) (*domain.Purchase, error) {
	var candidates []*domain.Purchase
	for _, p := range t.state.purchases {
		if p.AccountID != accountID || !p.StartDate.After(after) {
			continue
		}
		if p.EndDate != nil && p.EndDate.Before(after) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StartDate.Before(candidates[j].StartDate)
	})
	return t.withPlan(candidates[0]), nil
}

func (t *fakeTx) FindPurchaseForPlan(_ context.Context, accountID, planID uuid.UUID) (*domain.Purchase, error) {
	var best *domain.Purchase
	for _, p := range t.state.purchases {
		if p.AccountID != accountID || p.PlanID != planID {
			continue
		}
		if best == nil || p.StartDate.After(best.StartDate) {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	return t.withPlan(best), nil
}

func (t *fakeTx) ClosePurchase(_ context.Context, purchaseID uuid.UUID, endDate time.Time) error {
	p, ok := t.state.purchases[purchaseID]
	if !ok {
		return domain.NotFound("purchase.close", "purchase", purchaseID.String())
	}
	if p.EndDate == nil || p.EndDate.After(endDate) {
		e := endDate
		p.EndDate = &e
	}
	return nil
}

func (t *fakeTx) ReopenPurchase(_ context.Context, purchaseID uuid.UUID) error {
	p, ok := t.state.purchases[purchaseID]
	if !ok {
		return domain.NotFound("purchase.reopen", "purchase", purchaseID.String())
	}
	p.EndDate = nil
	return nil
}

func (t *fakeTx) CreatePurchase(_ context.Context, params repository.CreatePurchaseParams) (*domain.Purchase, error) {
	p := &domain.Purchase{
		ID:           uuid.New(),
		AccountID:    params.AccountID,
		PlanID:       params.PlanID,
		Source:       params.Source,
		StartDate:    params.StartDate,
		TrialEndDate: params.TrialEndDate,
	}
	t.state.purchases[p.ID] = p
	return p, nil
}

// =============================================================================
// Test fixtures
// =============================================================================

var testNow = time.Date(2023, time.March, 15, 12, 0, 0, 0, time.UTC)

const testGracePeriod = 14 * 24 * time.Hour

func newTestReconciler(store *fakeStore) *Reconciler {
	r := NewReconciler(store, nil, testGracePeriod, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return testNow }
	return r
}

func (s *fakeStore) addPlan(name string, limit int64, productID string) *domain.Plan {
	p := &domain.Plan{ID: uuid.New(), Name: name, UsageBased: true, StripeProductID: productID}
	if limit >= 0 {
		p.ScreenshotsMonthlyLimit = &limit
	}
	s.state.plans[p.ID] = p
	return p
}

func (s *fakeStore) addTeamAccount(customerID string) *domain.Account {
	teamID := uuid.New()
	a := &domain.Account{
		ID:               uuid.New(),
		Slug:             "team-" + teamID.String(),
		TeamID:           &teamID,
		StripeCustomerID: customerID,
	}
	s.state.accounts[a.ID] = a
	return a
}

func (s *fakeStore) addPurchase(accountID, planID uuid.UUID, start time.Time, end *time.Time) *domain.Purchase {
	p := &domain.Purchase{
		ID:        uuid.New(),
		AccountID: accountID,
		PlanID:    planID,
		Source:    domain.PurchaseSourceStripe,
		StartDate: start,
		EndDate:   end,
	}
	s.state.purchases[p.ID] = p
	return p
}

// openPurchases returns the purchases of an account with no end date.
func (s *fakeStore) openPurchases(accountID uuid.UUID) []*domain.Purchase {
	var out []*domain.Purchase
	for _, p := range s.state.purchases {
		if p.AccountID == accountID && p.EndDate == nil {
			out = append(out, p)
		}
	}
	return out
}

func event(eventType string, payload map[string]interface{}) stripe.Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return stripe.Event{
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func sessionPayload(customerID, clientRef string) map[string]interface{} {
	p := map[string]interface{}{"id": "cs_test_123"}
	if customerID != "" {
		p["customer"] = customerID
	}
	if clientRef != "" {
		p["client_reference_id"] = clientRef
	}
	return p
}

func invoicePayload(customerID, productID string) map[string]interface{} {
	p := map[string]interface{}{"id": "in_test_123"}
	if customerID != "" {
		p["customer"] = customerID
	}
	if productID != "" {
		p["lines"] = map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{
					"price": map[string]interface{}{"product": productID},
				},
			},
		}
	}
	return p
}

func subscriptionPayload(customerID, productID string, periodEnd time.Time) map[string]interface{} {
	p := map[string]interface{}{
		"id":                 "sub_test_123",
		"current_period_end": periodEnd.Unix(),
	}
	if customerID != "" {
		p["customer"] = customerID
	}
	if productID != "" {
		p["items"] = map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{
					"price": map[string]interface{}{"product": productID},
				},
			},
		}
	}
	return p
}

// =============================================================================
// checkout.session.completed
// =============================================================================

func TestHandleCheckoutCompleted(t *testing.T) {
	ctx := context.Background()

	t.Run("attaches the customer to the referenced account", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		account := store.addTeamAccount("")
		r := newTestReconciler(store)

		ev := event("checkout.session.completed", sessionPayload("cus_123", "account-"+account.ID.String()))
		require.NoError(t, r.HandleEvent(ctx, ev))
		assert.Equal(t, "cus_123", store.state.accounts[account.ID].StripeCustomerID)
	})

	t.Run("idempotent: replaying leaves exactly one customer attached", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		account := store.addTeamAccount("")
		r := newTestReconciler(store)

		ev := event("checkout.session.completed", sessionPayload("cus_123", "account-"+account.ID.String()))
		require.NoError(t, r.HandleEvent(ctx, ev))
		require.NoError(t, r.HandleEvent(ctx, ev))
		assert.Equal(t, "cus_123", store.state.accounts[account.ID].StripeCustomerID)
	})

	t.Run("creates the account lazily for a user reference", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		r := newTestReconciler(store)
		userID := uuid.New()

		ev := event("checkout.session.completed", sessionPayload("cus_456", "user-"+userID.String()))
		require.NoError(t, r.HandleEvent(ctx, ev))

		require.Len(t, store.state.accounts, 1)
		for _, a := range store.state.accounts {
			require.NotNil(t, a.UserID)
			assert.Equal(t, userID, *a.UserID)
			assert.Equal(t, "cus_456", a.StripeCustomerID)
		}
	})

	t.Run("missing customer is fatal", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		r := newTestReconciler(store)

		err := r.HandleEvent(ctx, event("checkout.session.completed", sessionPayload("", "account-"+uuid.NewString())))
		require.Error(t, err)
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		assert.Contains(t, err.Error(), "cs_test_123")
	})

	t.Run("missing client reference is fatal", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		r := newTestReconciler(store)

		err := r.HandleEvent(ctx, event("checkout.session.completed", sessionPayload("cus_123", "")))
		require.Error(t, err)
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	})

	t.Run("unknown account reference is fatal and mutates nothing", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		r := newTestReconciler(store)

		err := r.HandleEvent(ctx, event("checkout.session.completed", sessionPayload("cus_123", "account-"+uuid.NewString())))
		require.Error(t, err)
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
		assert.Empty(t, store.state.accounts)
	})

	t.Run("garbage client reference is fatal", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		r := newTestReconciler(store)

		err := r.HandleEvent(ctx, event("checkout.session.completed", sessionPayload("cus_123", "xxIDxx01")))
		require.Error(t, err)
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	})
}

// =============================================================================
// Effective date
// =============================================================================

func TestEffectiveDate(t *testing.T) {
	renewalDate := time.Date(2023, time.April, 4, 16, 51, 3, 0, time.UTC)

	quota := func(n int64) *domain.Plan {
		return &domain.Plan{ID: uuid.New(), ScreenshotsMonthlyLimit: &n}
	}
	active := func(p *domain.Plan) *domain.Purchase {
		return &domain.Purchase{ID: uuid.New(), PlanID: p.ID, Plan: p, StartDate: testNow.AddDate(0, -1, 0)}
	}

	t.Run("upgrade takes effect now", func(t *testing.T) {
		got := effectiveDate(active(quota(250000)), quota(1000000), renewalDate, testNow)
		assert.Equal(t, testNow, got)
	})

	t.Run("lateral move takes effect now", func(t *testing.T) {
		got := effectiveDate(active(quota(250000)), quota(250000), renewalDate, testNow)
		assert.Equal(t, testNow, got)
	})

	t.Run("downgrade is deferred to the renewal date", func(t *testing.T) {
		got := effectiveDate(active(quota(250000)), quota(40000), renewalDate, testNow)
		assert.Equal(t, renewalDate, got)
	})

	t.Run("move to an unlimited plan takes effect now", func(t *testing.T) {
		unlimited := &domain.Plan{ID: uuid.New()}
		got := effectiveDate(active(quota(250000)), unlimited, renewalDate, testNow)
		assert.Equal(t, testNow, got)
	})

	t.Run("no active purchase takes effect now", func(t *testing.T) {
		got := effectiveDate(nil, quota(40000), renewalDate, testNow)
		assert.Equal(t, testNow, got)
	})
}

// =============================================================================
// customer.subscription.updated
// =============================================================================

func TestHandleSubscriptionUpdated(t *testing.T) {
	ctx := context.Background()
	renewalDate := time.Date(2023, time.April, 10, 0, 0, 0, 0, time.UTC)

	t.Run("downgrade defers: old ends at renewal, new starts at renewal", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		account := store.addTeamAccount("cus_123")
		oldPlan := store.addPlan("pro", 250000, "prod_old")
		newPlan := store.addPlan("starter", 40000, "prod_new")
		oldPurchase := store.addPurchase(account.ID, oldPlan.ID, testNow.AddDate(0, -1, 0), nil)
		r := newTestReconciler(store)

		ev := event("customer.subscription.updated", subscriptionPayload("cus_123", "prod_new", renewalDate))
		require.NoError(t, r.HandleEvent(ctx, ev))

		updatedOld := store.state.purchases[oldPurchase.ID]
		require.NotNil(t, updatedOld.EndDate)
		assert.Equal(t, renewalDate, *updatedOld.EndDate)

		// The old purchase still covers instants before the renewal.
		assert.True(t, updatedOld.IsActiveAt(testNow))

		open := store.openPurchases(account.ID)
		require.Len(t, open, 1)
		assert.Equal(t, newPlan.ID, open[0].PlanID)
		assert.Equal(t, renewalDate, open[0].StartDate)
		assert.Equal(t, domain.PurchaseSourceStripe, open[0].Source)
	})

	t.Run("upgrade takes effect immediately", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		account := store.addTeamAccount("cus_123")
		oldPlan := store.addPlan("starter", 40000, "prod_old")
		newPlan := store.addPlan("pro", 250000, "prod_new")
		oldPurchase := store.addPurchase(account.ID, oldPlan.ID, testNow.AddDate(0, -1, 0), nil)
		r := newTestReconciler(store)

		ev := event("customer.subscription.updated", subscriptionPayload("cus_123", "prod_new", renewalDate))
		require.NoError(t, r.HandleEvent(ctx, ev))

		updatedOld := store.state.purchases[oldPurchase.ID]
		require.NotNil(t, updatedOld.EndDate)
		assert.Equal(t, testNow, *updatedOld.EndDate)

		open := store.openPurchases(account.ID)
		require.Len(t, open, 1)
		assert.Equal(t, newPlan.ID, open[0].PlanID)
		assert.Equal(t, testNow, open[0].StartDate)
	})

	t.Run("pending purchase is closed too", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		account := store.addTeamAccount("cus_123")
		oldPlan := store.addPlan("starter", 7000, "prod_old")
		store.addPlan("standard", 40000, "prod_new")
		store.addPurchase(account.ID, oldPlan.ID, testNow.AddDate(0, -1, 0), nil)
		pending := store.addPurchase(account.ID, oldPlan.ID, testNow.AddDate(0, 1, 0), nil)
		r := newTestReconciler(store)

		ev := event("customer.subscription.updated", subscriptionPayload("cus_123", "prod_new", renewalDate))
		require.NoError(t, r.HandleEvent(ctx, ev))

		assert.NotNil(t, store.state.purchases[pending.ID].EndDate)
		assert.Len(t, store.openPurchases(account.ID), 1)
		assert.Len(t, store.state.purchases, 3)
	})

	t.Run("creates a purchase when the account has none", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		account := store.addTeamAccount("cus_123")
		newPlan := store.addPlan("standard", 40000, "prod_new")
		r := newTestReconciler(store)

		ev := event("customer.subscription.updated", subscriptionPayload("cus_123", "prod_new", renewalDate))
		require.NoError(t, r.HandleEvent(ctx, ev))

		open := store.openPurchases(account.ID)
		require.Len(t, open, 1)
		assert.Equal(t, newPlan.ID, open[0].PlanID)
		assert.Equal(t, testNow, open[0].StartDate)
	})

	t.Run("cancellation update creates no purchase", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		store.addTeamAccount("cus_123")
		store.addPlan("standard", 40000, "prod_new")
		r := newTestReconciler(store)

		payload := subscriptionPayload("cus_123", "prod_new", renewalDate)
		payload["canceled_at"] = testNow.Unix()
		require.NoError(t, r.HandleEvent(ctx, event("customer.subscription.updated", payload)))
		assert.Empty(t, store.state.purchases)
	})

	t.Run("unknown product is fatal and mutates nothing", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		account := store.addTeamAccount("cus_123")
		oldPlan := store.addPlan("starter", 40000, "prod_old")
		store.addPurchase(account.ID, oldPlan.ID, testNow.AddDate(0, -1, 0), nil)
		r := newTestReconciler(store)

		ev := event("customer.subscription.updated", subscriptionPayload("cus_123", "prod_ghost", renewalDate))
		err := r.HandleEvent(ctx, ev)
		require.Error(t, err)
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
		assert.Len(t, store.openPurchases(account.ID), 1)
		assert.Len(t, store.state.purchases, 1)
	})
}

// =============================================================================
// invoice.payment_failed / invoice.paid round trip
// =============================================================================

func TestPaymentFailureThenRecovery(t *testing.T) {
	ctx := context.Background()

	store := &fakeStore{state: newFakeState()}
	account := store.addTeamAccount("cus_123")
	plan := store.addPlan("pro", 250000, "prod_pro")
	purchase := store.addPurchase(account.ID, plan.ID, testNow.AddDate(0, -2, 0), nil)
	r := newTestReconciler(store)

	// Payment fails: the purchase is scheduled to lapse after the grace
	// period, not closed immediately.
	failed := event("invoice.payment_failed", invoicePayload("cus_123", "prod_pro"))
	require.NoError(t, r.HandleEvent(ctx, failed))

	closed := store.state.purchases[purchase.ID]
	require.NotNil(t, closed.EndDate)
	assert.Equal(t, testNow.Add(testGracePeriod), *closed.EndDate)
	assert.True(t, closed.IsActiveAt(testNow), "access survives during the grace period")

	// Stripe retries and the payment succeeds: the scheduled end is cleared.
	paid := event("invoice.paid", invoicePayload("cus_123", "prod_pro"))
	require.NoError(t, r.HandleEvent(ctx, paid))
	assert.Nil(t, store.state.purchases[purchase.ID].EndDate)
}

func TestHandleInvoicePaid(t *testing.T) {
	ctx := context.Background()

	t.Run("open purchase stays open", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		account := store.addTeamAccount("cus_123")
		plan := store.addPlan("pro", 250000, "prod_pro")
		purchase := store.addPurchase(account.ID, plan.ID, testNow.AddDate(0, -1, 0), nil)
		r := newTestReconciler(store)

		require.NoError(t, r.HandleEvent(ctx, event("invoice.paid", invoicePayload("cus_123", "prod_pro"))))
		assert.Nil(t, store.state.purchases[purchase.ID].EndDate)
	})

	t.Run("missing customer is fatal", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		r := newTestReconciler(store)

		err := r.HandleEvent(ctx, event("invoice.paid", invoicePayload("", "prod_pro")))
		require.Error(t, err)
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		assert.Contains(t, err.Error(), "in_test_123")
	})

	t.Run("no purchase for the invoiced plan is fatal", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		store.addTeamAccount("cus_123")
		store.addPlan("pro", 250000, "prod_pro")
		r := newTestReconciler(store)

		err := r.HandleEvent(ctx, event("invoice.paid", invoicePayload("cus_123", "prod_pro")))
		require.Error(t, err)
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	})
}

func TestHandleInvoicePaymentFailed(t *testing.T) {
	ctx := context.Background()

	t.Run("no active purchase is fatal", func(t *testing.T) {
		store := &fakeStore{state: newFakeState()}
		store.addTeamAccount("cus_123")
		r := newTestReconciler(store)

		err := r.HandleEvent(ctx, event("invoice.payment_failed", invoicePayload("cus_123", "prod_pro")))
		require.Error(t, err)
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	})
}

// =============================================================================
// customer.subscription.deleted
// =============================================================================

func TestHandleSubscriptionDeleted(t *testing.T) {
	ctx := context.Background()

	store := &fakeStore{state: newFakeState()}
	account := store.addTeamAccount("cus_123")
	plan := store.addPlan("pro", 250000, "prod_pro")
	pendingPlan := store.addPlan("starter", 40000, "prod_starter")
	active := store.addPurchase(account.ID, plan.ID, testNow.AddDate(0, -1, 0), nil)
	pending := store.addPurchase(account.ID, pendingPlan.ID, testNow.AddDate(0, 1, 0), nil)
	r := newTestReconciler(store)

	ev := event("customer.subscription.deleted", subscriptionPayload("cus_123", "prod_pro", testNow.AddDate(0, 1, 0)))
	require.NoError(t, r.HandleEvent(ctx, ev))

	require.NotNil(t, store.state.purchases[active.ID].EndDate)
	assert.Equal(t, testNow, *store.state.purchases[active.ID].EndDate)
	require.NotNil(t, store.state.purchases[pending.ID].EndDate)
	assert.Equal(t, testNow, *store.state.purchases[pending.ID].EndDate)
	assert.Empty(t, store.openPurchases(account.ID))
	assert.Len(t, store.state.purchases, 2, "no new purchase is created")
}

// =============================================================================
// Cross-cutting properties
// =============================================================================

func TestUnknownCustomerMutatesNothing(t *testing.T) {
	ctx := context.Background()
	renewal := testNow.AddDate(0, 1, 0)

	events := map[string]stripe.Event{
		"invoice.paid":                 event("invoice.paid", invoicePayload("cus_ghost", "prod_pro")),
		"invoice.payment_failed":       event("invoice.payment_failed", invoicePayload("cus_ghost", "prod_pro")),
		"customer.subscription.updated": event("customer.subscription.updated", subscriptionPayload("cus_ghost", "prod_pro", renewal)),
		"customer.subscription.deleted": event("customer.subscription.deleted", subscriptionPayload("cus_ghost", "prod_pro", renewal)),
	}

	for name, ev := range events {
		t.Run(name, func(t *testing.T) {
			store := &fakeStore{state: newFakeState()}
			account := store.addTeamAccount("cus_real")
			plan := store.addPlan("pro", 250000, "prod_pro")
			store.addPurchase(account.ID, plan.ID, testNow.AddDate(0, -1, 0), nil)
			r := newTestReconciler(store)

			err := r.HandleEvent(ctx, ev)
			require.Error(t, err)
			assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

			open := store.openPurchases(account.ID)
			require.Len(t, open, 1)
			assert.Nil(t, open[0].EndDate)
		})
	}
}

func TestTimelineExclusivity(t *testing.T) {
	// Whatever sequence of plan changes arrives, at most one purchase per
	// account is open after each event.
	ctx := context.Background()
	renewal := testNow.AddDate(0, 1, 0)

	store := &fakeStore{state: newFakeState()}
	account := store.addTeamAccount("cus_123")
	store.addPlan("starter", 40000, "prod_starter")
	store.addPlan("standard", 250000, "prod_standard")
	store.addPlan("pro", 1000000, "prod_pro")
	r := newTestReconciler(store)

	sequence := []string{"prod_starter", "prod_pro", "prod_standard", "prod_standard", "prod_starter"}
	for i, product := range sequence {
		ev := event("customer.subscription.updated", subscriptionPayload("cus_123", product, renewal))
		require.NoError(t, r.HandleEvent(ctx, ev), fmt.Sprintf("event %d (%s)", i, product))
		assert.LessOrEqual(t, len(store.openPurchases(account.ID)), 1, fmt.Sprintf("after event %d (%s)", i, product))
	}
}

func TestHandleEventIgnoresUnknownTypes(t *testing.T) {
	store := &fakeStore{state: newFakeState()}
	r := newTestReconciler(store)

	ev := event("customer.created", map[string]interface{}{"id": "cus_123"})
	assert.NoError(t, r.HandleEvent(context.Background(), ev))
}
