// This file implements the Stripe webhook endpoint.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no auth middleware) because Stripe calls it
// directly; the webhook signature is the authentication.
package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v79"

	"github.com/argos-ci/argos/internal/billing"
	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/metrics"
)

// EventHandler processes a verified Stripe event. Satisfied by
// billing.Reconciler.
type EventHandler interface {
	HandleEvent(ctx context.Context, event stripe.Event) error
}

// WebhookHandler handles incoming webhook events from Stripe.
type WebhookHandler struct {
	client     billing.Client
	reconciler EventHandler
	logger     *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(client billing.Client, reconciler EventHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		client:     client,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook verifies and processes one Stripe webhook delivery.
//
// The response status drives Stripe's redelivery: a 2xx acknowledges the
// event, a 4xx marks it permanently rejected (malformed payloads that a
// retry cannot fix), and a 5xx asks Stripe to redeliver later.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := h.client.VerifyWebhookSignature(body, signature)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)

	if err := h.reconciler.HandleEvent(r.Context(), event); err != nil {
		code := domain.ErrorCode(err)
		h.logger.Error("webhook event processing failed",
			"type", event.Type, "id", event.ID, "code", code, "error", err)

		if code == domain.EINVALID {
			// The payload itself is unusable; redelivery would fail the
			// same way.
			metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "rejected").Inc()
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "failed").Inc()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "processed").Inc()
	w.WriteHeader(http.StatusOK)
}
