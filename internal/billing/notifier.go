package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Notifier is told about billing events that warrant contacting the
// account owner. Notifications are best-effort: the reconciler calls the
// notifier after the event's transaction has committed, and a notifier
// error never fails the webhook.
type Notifier interface {
	// PaymentFailed reports that a payment failed and access will lapse
	// at lapseDate unless a retry succeeds first.
	PaymentFailed(ctx context.Context, accountID uuid.UUID, lapseDate time.Time) error

	// SubscriptionEnded reports that the account's subscription ended and
	// it fell back to the free plan.
	SubscriptionEnded(ctx context.Context, accountID uuid.UUID) error
}
