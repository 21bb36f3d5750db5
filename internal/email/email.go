// Package email provides transactional email sending for the Argos
// application.
//
// An SMTP implementation backs the EmailService interface: Mailhog in
// development, any authenticated SMTP relay in production.
package email

import (
	"context"
	"time"
)

// EmailService sends transactional billing emails. All methods are
// context-aware.
type EmailService interface {
	// SendPaymentFailedEmail warns an account owner that a payment failed
	// and access lapses at the end of the grace period.
	SendPaymentFailedEmail(ctx context.Context, to, name string, graceEndDate time.Time) error

	// SendSubscriptionEndedEmail notifies an account owner that their
	// subscription ended and the account fell back to the free plan.
	SendSubscriptionEndedEmail(ctx context.Context, to, name string) error
}

// Email represents a single email message.
type Email struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string // e.g. "localhost" for Mailhog
	Port     int    // e.g. 1025 for Mailhog
	Username string // empty for Mailhog
	Password string // empty for Mailhog
	From     string
	FromName string
}

const (
	// DefaultFromEmail is the default sender for transactional emails.
	DefaultFromEmail = "billing@argos-ci.com"

	// DefaultFromName is the default sender display name.
	DefaultFromName = "Argos"
)
