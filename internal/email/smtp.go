package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"path/filepath"
	"strings"
	"time"
)

// SMTPEmailService sends emails via SMTP. Works against Mailhog without
// authentication and against any standard SMTP relay with credentials.
type SMTPEmailService struct {
	config    SMTPConfig
	baseURL   string
	templates *template.Template
	logger    *slog.Logger
}

// NewSMTPEmailService creates an SMTP-based email service. Templates are
// loaded from templatesDir (e.g. "web/templates/email").
func NewSMTPEmailService(
	config SMTPConfig,
	baseURL string,
	templatesDir string,
	logger *slog.Logger,
) (*SMTPEmailService, error) {
	if config.From == "" {
		config.From = DefaultFromEmail
	}
	if config.FromName == "" {
		config.FromName = DefaultFromName
	}

	pattern := filepath.Join(templatesDir, "*.html")
	templates, err := template.New("email").ParseGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}

	return &SMTPEmailService{
		config:    config,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		templates: templates,
		logger:    logger,
	}, nil
}

// SendPaymentFailedEmail warns an account owner about a failed payment.
func (s *SMTPEmailService) SendPaymentFailedEmail(ctx context.Context, to, name string, graceEndDate time.Time) error {
	billingURL := s.baseURL + "/billing"
	graceEnd := graceEndDate.UTC().Format("January 2, 2006")

	data := map[string]interface{}{
		"Name":       name,
		"BillingURL": billingURL,
		"GraceEnd":   graceEnd,
		"Year":       time.Now().Year(),
	}

	htmlBody, err := s.renderTemplate("payment_failed.html", data)
	if err != nil {
		return fmt.Errorf("failed to render payment failed email template: %w", err)
	}

	textBody := fmt.Sprintf(`Hi %s,

We could not process the payment for your Argos subscription.

We will retry the payment automatically. If it keeps failing, your plan
will lapse on %s and your account will fall back to the free plan.

You can update your payment method here:

%s

Thanks,
The Argos Team
`, name, graceEnd, billingURL)

	return s.send(ctx, Email{
		To:       to,
		Subject:  "Action needed: your Argos payment failed",
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
}

// SendSubscriptionEndedEmail notifies an account owner that their
// subscription ended.
func (s *SMTPEmailService) SendSubscriptionEndedEmail(ctx context.Context, to, name string) error {
	billingURL := s.baseURL + "/billing"

	data := map[string]interface{}{
		"Name":       name,
		"BillingURL": billingURL,
		"Year":       time.Now().Year(),
	}

	htmlBody, err := s.renderTemplate("subscription_ended.html", data)
	if err != nil {
		return fmt.Errorf("failed to render subscription ended email template: %w", err)
	}

	textBody := fmt.Sprintf(`Hi %s,

Your Argos subscription has ended and your account is now on the free plan.

Your projects and screenshots are untouched; only your monthly screenshot
quota changed. You can resubscribe anytime:

%s

Thanks,
The Argos Team
`, name, billingURL)

	return s.send(ctx, Email{
		To:       to,
		Subject:  "Your Argos subscription has ended",
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
}

// send sends an email via SMTP.
func (s *SMTPEmailService) send(ctx context.Context, email Email) error {
	msg := s.buildMessage(email)
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var auth smtp.Auth
	if s.config.Username != "" && s.config.Password != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	if err := smtp.SendMail(addr, auth, s.config.From, []string{email.To}, msg); err != nil {
		s.logger.Error("failed to send email",
			"to", email.To,
			"subject", email.Subject,
			"error", err,
		)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent", "to", email.To, "subject", email.Subject)
	return nil
}

// buildMessage constructs the raw multipart message with headers.
func (s *SMTPEmailService) buildMessage(email Email) []byte {
	var buf bytes.Buffer

	fromHeader := fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	buf.WriteString(fmt.Sprintf("From: %s\r\n", fromHeader))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", email.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", email.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	boundary := "===============ARGOS_BOUNDARY==============="
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", boundary))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(email.TextBody)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(email.HTMLBody)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return buf.Bytes()
}

// renderTemplate renders an email template with the given data.
func (s *SMTPEmailService) renderTemplate(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var _ EmailService = (*SMTPEmailService)(nil)
