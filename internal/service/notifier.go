package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/billing"
	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/email"
	"github.com/argos-ci/argos/internal/repository"
)

// EmailNotifier delivers billing notifications to the account owner by
// email. Team-backed accounts have no billing contact and are skipped.
type EmailNotifier struct {
	queries *repository.Queries
	emails  email.EmailService
	logger  *slog.Logger
}

// NewEmailNotifier creates an EmailNotifier.
func NewEmailNotifier(queries *repository.Queries, emails email.EmailService, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		queries: queries,
		emails:  emails,
		logger:  logger,
	}
}

var _ billing.Notifier = (*EmailNotifier)(nil)

// PaymentFailed emails the account owner that a payment failed and when
// access will lapse.
func (n *EmailNotifier) PaymentFailed(ctx context.Context, accountID uuid.UUID, lapseDate time.Time) error {
	contact, ok, err := n.contact(ctx, accountID)
	if err != nil || !ok {
		return err
	}
	if err := n.emails.SendPaymentFailedEmail(ctx, contact.Email, contact.Name, lapseDate); err != nil {
		return fmt.Errorf("send payment failed email: %w", err)
	}
	return nil
}

// SubscriptionEnded emails the account owner that the subscription ended.
func (n *EmailNotifier) SubscriptionEnded(ctx context.Context, accountID uuid.UUID) error {
	contact, ok, err := n.contact(ctx, accountID)
	if err != nil || !ok {
		return err
	}
	if err := n.emails.SendSubscriptionEndedEmail(ctx, contact.Email, contact.Name); err != nil {
		return fmt.Errorf("send subscription ended email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) contact(ctx context.Context, accountID uuid.UUID) (*repository.BillingContact, bool, error) {
	contact, err := n.queries.GetAccountBillingContact(ctx, accountID)
	if err != nil {
		if domain.ErrorCode(err) == domain.ENOTFOUND {
			n.logger.Debug("no billing contact for account, skipping notification",
				"account_id", accountID)
			return nil, false, nil
		}
		return nil, false, err
	}
	return contact, true, nil
}
