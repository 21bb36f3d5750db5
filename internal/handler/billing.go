// This file implements billing session endpoints backed by Stripe.
//
// Routes:
//   - POST /billing/checkout -> CreateCheckout
//   - POST /billing/portal   -> OpenPortal
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/billing"
	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/repository"
)

// BillingHandler creates Stripe checkout and customer portal sessions.
type BillingHandler struct {
	client  billing.Client
	queries *repository.Queries
	baseURL string
	logger  *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(client billing.Client, queries *repository.Queries, baseURL string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		client:  client,
		queries: queries,
		baseURL: baseURL,
		logger:  logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /billing/checkout", h.CreateCheckout)
	mux.HandleFunc("POST /billing/portal", h.OpenPortal)
}

type checkoutRequest struct {
	AccountID string `json:"account_id"`
	PriceID   string `json:"price_id"`
}

// CreateCheckout starts a Stripe Checkout session for subscribing an
// account to a plan. The session carries "account-{id}" as its client
// reference so the completed-checkout webhook can find its way back.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	const op = "handler.create_checkout"

	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.PriceID == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "price_id is required"))
		return
	}

	account, err := h.lookupAccount(r, op, req.AccountID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	customerID := account.StripeCustomerID
	if customerID == "" {
		customerID, err = h.ensureCustomer(r.Context(), op, account)
		if err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
	}

	clientReferenceID := "account-" + account.ID.String()
	successURL := h.baseURL + "/billing/success"
	cancelURL := h.baseURL + "/billing"

	url, err := h.client.CreateCheckoutSession(customerID, clientReferenceID, req.PriceID, successURL, cancelURL)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "failed to create checkout session"))
		return
	}

	h.logger.Info("checkout session created", "account_id", account.ID, "price_id", req.PriceID)
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// ensureCustomer creates and links a Stripe customer for an account checking
// out for the first time, so the session and every later webhook event carry
// the same customer. Team-backed accounts have no billing contact to create
// a customer from; checkout creates one and the completed event links it.
func (h *BillingHandler) ensureCustomer(ctx context.Context, op string, account *domain.Account) (string, error) {
	contact, err := h.queries.GetAccountBillingContact(ctx, account.ID)
	if domain.ErrorCode(err) == domain.ENOTFOUND {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	customerID, err := h.client.CreateCustomer(contact.Email, contact.Name)
	if err != nil {
		return "", domain.Internal(err, op, "failed to create billing customer")
	}
	if err := h.queries.AttachStripeCustomer(ctx, account.ID, customerID); err != nil {
		return "", err
	}
	return customerID, nil
}

type portalRequest struct {
	AccountID string `json:"account_id"`
}

// OpenPortal starts a Stripe Customer Portal session where the account
// owner manages payment methods and plan changes. Only accounts that went
// through checkout have a Stripe customer to open the portal for.
func (h *BillingHandler) OpenPortal(w http.ResponseWriter, r *http.Request) {
	const op = "handler.open_portal"

	var req portalRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	account, err := h.lookupAccount(r, op, req.AccountID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if account.StripeCustomerID == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "account has no billing history"))
		return
	}

	url, err := h.client.CreatePortalSession(account.StripeCustomerID, h.baseURL+"/billing")
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "failed to create portal session"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *BillingHandler) lookupAccount(r *http.Request, op, rawID string) (*domain.Account, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, domain.Invalid(op, "account_id must be a valid UUID")
	}
	return h.queries.GetAccount(r.Context(), id)
}
