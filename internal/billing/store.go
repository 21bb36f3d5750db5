package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/repository"
)

// Tx is the transactional store view a single webhook event mutates.
// All reads and writes for one event go through the same Tx, so either all
// of an event's timeline changes land or none do.
type Tx interface {
	// Account resolution. Account lookups return typed UnresolvedAccount
	// errors when nothing matches; Ensure* create the account lazily on
	// first purchase.
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetAccountByStripeCustomerID(ctx context.Context, customerID string) (*domain.Account, error)
	EnsureAccountForUser(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	EnsureAccountForTeam(ctx context.Context, teamID uuid.UUID) (*domain.Account, error)
	AttachStripeCustomer(ctx context.Context, accountID uuid.UUID, customerID string) error

	// LockAccount serializes concurrent events for the same account.
	LockAccount(ctx context.Context, accountID uuid.UUID) error

	// Plan catalog.
	GetPlanByStripeProduct(ctx context.Context, productID string) (*domain.Plan, error)

	// Purchase timeline.
	FindActivePurchase(ctx context.Context, accountID uuid.UUID, now time.Time) (*domain.Purchase, error)
	FindPendingPurchase(ctx context.Context, accountID uuid.UUID, after time.Time) (*domain.Purchase, error)
	FindPurchaseForPlan(ctx context.Context, accountID, planID uuid.UUID) (*domain.Purchase, error)
	ClosePurchase(ctx context.Context, purchaseID uuid.UUID, endDate time.Time) error
	ReopenPurchase(ctx context.Context, purchaseID uuid.UUID) error
	CreatePurchase(ctx context.Context, params repository.CreatePurchaseParams) (*domain.Purchase, error)
}

// Store opens transactional views for the reconciler. The production
// implementation wraps a *sql.DB; tests substitute an in-memory fake.
type Store interface {
	// InTx runs fn against a transactional view, committing on success and
	// rolling back on error.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
