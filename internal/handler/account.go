// This file implements the account subscription read endpoint.
//
// Route:
//   - GET /accounts/{slug}/subscription -> GetSubscription
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/argos-ci/argos/internal/repository"
	"github.com/argos-ci/argos/internal/service"
)

// AccountHandler serves account-level read endpoints.
type AccountHandler struct {
	queries       *repository.Queries
	subscriptions *service.SubscriptionService
	logger        *slog.Logger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(queries *repository.Queries, subscriptions *service.SubscriptionService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		queries:       queries,
		subscriptions: subscriptions,
		logger:        logger,
	}
}

// RegisterRoutes registers account routes on the provided mux.
func (h *AccountHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /accounts/{slug}/subscription", h.GetSubscription)
}

type planResponse struct {
	Name                    string `json:"name"`
	ScreenshotsMonthlyLimit *int64 `json:"screenshots_monthly_limit"`
	UsageBased              bool   `json:"usage_based"`
	Free                    bool   `json:"free"`
}

type subscriptionResponse struct {
	Plan               planResponse `json:"plan"`
	Trialing           bool         `json:"trialing"`
	PeriodStart        time.Time    `json:"period_start"`
	PeriodEnd          time.Time    `json:"period_end"`
	PeriodScreenshots  int64        `json:"period_screenshots"`
	ConsumptionRatio   *float64     `json:"consumption_ratio"`
	OutOfCapacity      bool         `json:"out_of_capacity"`
}

// GetSubscription resolves the account's current subscription: the plan in
// effect, the billing period bounds and the metered usage within them.
func (h *AccountHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	account, err := h.queries.GetAccountBySlug(ctx, r.PathValue("slug"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	sub := h.subscriptions.Resolve(account)

	plan, err := sub.Plan(ctx)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	trialing, err := sub.IsTrialing(ctx)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	periodStart, err := sub.CurrentPeriodStartDate(ctx)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	periodEnd, err := sub.CurrentPeriodEndDate(ctx)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	screenshots, err := sub.CurrentPeriodScreenshots(ctx)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	ratio, err := sub.CurrentPeriodConsumptionRatio(ctx)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	outOfCapacity, err := sub.IsOutOfCapacity(ctx)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, subscriptionResponse{
		Plan: planResponse{
			Name:                    plan.Name,
			ScreenshotsMonthlyLimit: plan.ScreenshotsMonthlyLimit,
			UsageBased:              plan.UsageBased,
			Free:                    plan.IsFree,
		},
		Trialing:          trialing,
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		PeriodScreenshots: screenshots,
		ConsumptionRatio:  ratio,
		OutOfCapacity:     outOfCapacity,
	})
}
