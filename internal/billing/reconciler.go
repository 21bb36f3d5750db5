// Package billing provides Stripe billing integration.
//
// This file implements the webhook reconciler: it translates Stripe events
// into purchase timeline mutations. Every event is processed inside one
// transaction and every handler is idempotent, so Stripe's at-least-once
// delivery (and its retry policy on non-2xx responses) is safe.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"

	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/metrics"
	"github.com/argos-ci/argos/internal/repository"
)

// Event types the reconciler consumes. All other event types are ignored.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventInvoicePaid         = "invoice.paid"
	eventInvoicePaymentFail  = "invoice.payment_failed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// Reconciler maps Stripe webhook events onto the purchase timeline.
type Reconciler struct {
	store       Store
	notifier    Notifier
	gracePeriod time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewReconciler creates a Reconciler. notifier may be nil to disable
// owner notifications.
//
// gracePeriod is how long access survives a failed payment: a payment
// failure closes the active purchase at now + gracePeriod rather than
// cutting access immediately, and a later successful payment reopens it.
func NewReconciler(store Store, notifier Notifier, gracePeriod time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		notifier:    notifier,
		gracePeriod: gracePeriod,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleEvent processes one Stripe webhook event.
//
// Unhandled event types are ignored without error. For handled types, any
// returned error means the event's transaction was fully rolled back; the
// caller should respond non-2xx so Stripe redelivers.
func (r *Reconciler) HandleEvent(ctx context.Context, event stripe.Event) error {
	switch string(event.Type) {
	case eventCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case eventInvoicePaid:
		return r.handleInvoicePaid(ctx, event)
	case eventInvoicePaymentFail:
		return r.handleInvoicePaymentFailed(ctx, event)
	case eventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, event)
	case eventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, event)
	default:
		r.logger.Debug("ignoring webhook event type", "type", event.Type)
		return nil
	}
}

// handleCheckoutCompleted attaches the Stripe customer to the account named
// by the session's client reference. This is the first-time link between an
// account and its Stripe customer; replays are no-ops.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	const op = "billing.checkout_completed"

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return domain.Invalid(op, fmt.Sprintf("malformed checkout session payload: %v", err))
	}

	if session.Customer == nil || session.Customer.ID == "" {
		return domain.MissingField(op, "customer", session.ID)
	}
	if session.ClientReferenceID == "" {
		return domain.MissingField(op, "clientReferenceId", session.ID)
	}

	return r.store.InTx(ctx, func(tx Tx) error {
		account, err := r.resolveClientReference(ctx, tx, session.ClientReferenceID)
		if err != nil {
			return err
		}
		if err := tx.LockAccount(ctx, account.ID); err != nil {
			return err
		}
		if err := tx.AttachStripeCustomer(ctx, account.ID, session.Customer.ID); err != nil {
			return err
		}
		r.logger.Info("stripe customer attached",
			"account_id", account.ID, "customer_id", session.Customer.ID)
		return nil
	})
}

// handleInvoicePaid reverses a scheduled cancellation: when an invoice for
// a plan settles and the matching purchase carries an end date (from a
// prior payment failure or cancellation), the end date is cleared.
func (r *Reconciler) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	const op = "billing.invoice_paid"

	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return domain.Invalid(op, fmt.Sprintf("malformed invoice payload: %v", err))
	}

	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return domain.MissingField(op, "customer", invoice.ID)
	}
	productID := invoiceProductID(&invoice)
	if productID == "" {
		return domain.MissingField(op, "line item product", invoice.ID)
	}

	return r.store.InTx(ctx, func(tx Tx) error {
		account, err := tx.GetAccountByStripeCustomerID(ctx, invoice.Customer.ID)
		if err != nil {
			return err
		}
		if err := tx.LockAccount(ctx, account.ID); err != nil {
			return err
		}

		plan, err := tx.GetPlanByStripeProduct(ctx, productID)
		if err != nil {
			return err
		}

		purchase, err := tx.FindPurchaseForPlan(ctx, account.ID, plan.ID)
		if err != nil {
			return err
		}
		if purchase == nil {
			return domain.NotFound(op, "purchase for plan", plan.ID.String())
		}

		if purchase.EndDate != nil {
			if err := tx.ReopenPurchase(ctx, purchase.ID); err != nil {
				return err
			}
			r.logger.Info("purchase reopened after successful payment",
				"account_id", account.ID, "purchase_id", purchase.ID)
		}
		return nil
	})
}

// handleInvoicePaymentFailed closes the active purchase at now + grace
// period. Access is not cut immediately: Stripe retries the payment and an
// invoice.paid event within the grace window reopens the purchase.
func (r *Reconciler) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	const op = "billing.invoice_payment_failed"

	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return domain.Invalid(op, fmt.Sprintf("malformed invoice payload: %v", err))
	}

	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return domain.MissingField(op, "customer", invoice.ID)
	}

	now := r.now()
	lapseDate := now.Add(r.gracePeriod)

	var accountID uuid.UUID
	err := r.store.InTx(ctx, func(tx Tx) error {
		account, err := tx.GetAccountByStripeCustomerID(ctx, invoice.Customer.ID)
		if err != nil {
			return err
		}
		if err := tx.LockAccount(ctx, account.ID); err != nil {
			return err
		}

		purchase, err := tx.FindActivePurchase(ctx, account.ID, now)
		if err != nil {
			return err
		}
		if purchase == nil {
			return domain.NotFound(op, "active purchase for account", account.ID.String())
		}

		if err := tx.ClosePurchase(ctx, purchase.ID, lapseDate); err != nil {
			return err
		}
		metrics.PurchasesClosed.Inc()
		r.logger.Warn("payment failed, purchase scheduled to lapse",
			"account_id", account.ID, "purchase_id", purchase.ID, "lapse_date", lapseDate)
		accountID = account.ID
		return nil
	})
	if err != nil {
		return err
	}

	if r.notifier != nil {
		if err := r.notifier.PaymentFailed(ctx, accountID, lapseDate); err != nil {
			r.logger.Error("payment failed notification not sent",
				"account_id", accountID, "error", err)
		}
	}
	return nil
}

// handleSubscriptionUpdated applies a plan change. Upgrades take effect
// immediately; downgrades are deferred to the renewal date so a mid-cycle
// downgrade never cuts off screenshots already paid for.
func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	const op = "billing.subscription_updated"

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return domain.Invalid(op, fmt.Sprintf("malformed subscription payload: %v", err))
	}

	if sub.Customer == nil || sub.Customer.ID == "" {
		return domain.MissingField(op, "customer", sub.ID)
	}

	// A cancellation shows up as an update carrying canceled_at. No new
	// purchase: the subscription.deleted event closes the timeline.
	if sub.CanceledAt != 0 {
		r.logger.Info("subscription update is a cancellation, skipping", "subscription_id", sub.ID)
		return nil
	}

	productID := subscriptionProductID(&sub)
	if productID == "" {
		return domain.MissingField(op, "subscription item product", sub.ID)
	}

	now := r.now()
	renewalDate := time.Unix(sub.CurrentPeriodEnd, 0).UTC()

	return r.store.InTx(ctx, func(tx Tx) error {
		account, err := tx.GetAccountByStripeCustomerID(ctx, sub.Customer.ID)
		if err != nil {
			return err
		}
		if err := tx.LockAccount(ctx, account.ID); err != nil {
			return err
		}

		newPlan, err := tx.GetPlanByStripeProduct(ctx, productID)
		if err != nil {
			return err
		}

		activePurchase, err := tx.FindActivePurchase(ctx, account.ID, now)
		if err != nil {
			return err
		}

		effectiveDate := effectiveDate(activePurchase, newPlan, renewalDate, now)

		if activePurchase != nil {
			if err := tx.ClosePurchase(ctx, activePurchase.ID, effectiveDate); err != nil {
				return err
			}
			metrics.PurchasesClosed.Inc()
		}

		pendingPurchase, err := tx.FindPendingPurchase(ctx, account.ID, now)
		if err != nil {
			return err
		}
		if pendingPurchase != nil {
			if err := tx.ClosePurchase(ctx, pendingPurchase.ID, effectiveDate); err != nil {
				return err
			}
			metrics.PurchasesClosed.Inc()
		}

		var trialEnd *time.Time
		if sub.TrialEnd > 0 {
			t := time.Unix(sub.TrialEnd, 0).UTC()
			if t.After(now) {
				trialEnd = &t
			}
		}

		purchase, err := tx.CreatePurchase(ctx, repository.CreatePurchaseParams{
			AccountID:    account.ID,
			PlanID:       newPlan.ID,
			Source:       domain.PurchaseSourceStripe,
			StartDate:    effectiveDate,
			TrialEndDate: trialEnd,
		})
		if err != nil {
			return err
		}
		metrics.PurchasesCreated.Inc()
		r.logger.Info("plan change applied",
			"account_id", account.ID, "purchase_id", purchase.ID,
			"plan", newPlan.Name, "effective_date", effectiveDate)
		return nil
	})
}

// handleSubscriptionDeleted closes the active purchase and any pending
// purchase at now. No new purchase is created; the account falls back to
// the free plan once the timeline runs out.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	const op = "billing.subscription_deleted"

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return domain.Invalid(op, fmt.Sprintf("malformed subscription payload: %v", err))
	}

	if sub.Customer == nil || sub.Customer.ID == "" {
		return domain.MissingField(op, "customer", sub.ID)
	}

	now := r.now()

	var accountID uuid.UUID
	var closedAny bool
	err := r.store.InTx(ctx, func(tx Tx) error {
		account, err := tx.GetAccountByStripeCustomerID(ctx, sub.Customer.ID)
		if err != nil {
			return err
		}
		if err := tx.LockAccount(ctx, account.ID); err != nil {
			return err
		}

		activePurchase, err := tx.FindActivePurchase(ctx, account.ID, now)
		if err != nil {
			return err
		}
		if activePurchase != nil {
			if err := tx.ClosePurchase(ctx, activePurchase.ID, now); err != nil {
				return err
			}
			metrics.PurchasesClosed.Inc()
			closedAny = true
		}

		pendingPurchase, err := tx.FindPendingPurchase(ctx, account.ID, now)
		if err != nil {
			return err
		}
		if pendingPurchase != nil {
			if err := tx.ClosePurchase(ctx, pendingPurchase.ID, now); err != nil {
				return err
			}
			metrics.PurchasesClosed.Inc()
			closedAny = true
		}

		r.logger.Info("subscription deleted, timeline closed",
			"account_id", account.ID, "subscription_id", sub.ID)
		accountID = account.ID
		return nil
	})
	if err != nil {
		return err
	}

	if r.notifier != nil && closedAny {
		if err := r.notifier.SubscriptionEnded(ctx, accountID); err != nil {
			r.logger.Error("subscription ended notification not sent",
				"account_id", accountID, "error", err)
		}
	}
	return nil
}

// resolveClientReference resolves a checkout session's client reference of
// shape "{kind}-{id}" where kind is account, user or team. User and team
// references find-or-create the backing account: identity is created lazily
// on first purchase.
func (r *Reconciler) resolveClientReference(ctx context.Context, tx Tx, ref string) (*domain.Account, error) {
	const op = "billing.resolve_client_reference"

	kind, rawID, ok := strings.Cut(ref, "-")
	if !ok {
		return nil, domain.UnresolvedAccount(op, ref)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, domain.UnresolvedAccount(op, ref)
	}

	switch kind {
	case "account":
		account, err := tx.GetAccount(ctx, id)
		if err != nil {
			if domain.ErrorCode(err) == domain.ENOTFOUND {
				return nil, domain.UnresolvedAccount(op, ref)
			}
			return nil, err
		}
		return account, nil
	case "user":
		return tx.EnsureAccountForUser(ctx, id)
	case "team":
		return tx.EnsureAccountForTeam(ctx, id)
	default:
		return nil, domain.UnresolvedAccount(op, ref)
	}
}

// effectiveDate implements the plan-change asymmetry: a change to an equal
// or larger quota takes effect now, a downgrade is deferred to the renewal
// date. Unlimited quotas compare greater than any finite quota.
func effectiveDate(activePurchase *domain.Purchase, newPlan *domain.Plan, renewalDate, now time.Time) time.Time {
	if activePurchase == nil || activePurchase.Plan == nil {
		return now
	}
	if newPlan.QuotaOrUnlimited() >= activePurchase.Plan.QuotaOrUnlimited() {
		return now
	}
	return renewalDate
}

// invoiceProductID extracts the Stripe product billed by an invoice's first
// line item, or "" when absent.
func invoiceProductID(invoice *stripe.Invoice) string {
	if invoice.Lines == nil || len(invoice.Lines.Data) == 0 {
		return ""
	}
	line := invoice.Lines.Data[0]
	if line.Price == nil || line.Price.Product == nil {
		return ""
	}
	return line.Price.Product.ID
}

// subscriptionProductID extracts the Stripe product of a subscription's
// first item, or "" when absent.
func subscriptionProductID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item.Price == nil || item.Price.Product == nil {
		return ""
	}
	return item.Price.Product.ID
}
