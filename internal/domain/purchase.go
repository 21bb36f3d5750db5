// Package domain contains core business types and interfaces.
//
// This file defines the Purchase type: a time-bounded grant of a Plan to an
// Account. Purchases are never deleted, only closed, so the timeline is a
// durable billing record.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// PurchaseSource records how a purchase was granted.
type PurchaseSource string

const (
	PurchaseSourceManual PurchaseSource = "manual"
	PurchaseSourceStripe PurchaseSource = "stripe"
)

// Purchase grants a plan to an account for a span of time.
//
// A purchase is active at instant t when StartDate <= t and EndDate is nil
// or >= t. For a given account at most one purchase is active at any
// instant; the reconciler maintains this by closing any purchase that would
// otherwise overlap a newly-created one.
type Purchase struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	PlanID    uuid.UUID
	Source    PurchaseSource

	StartDate time.Time

	// EndDate closes the purchase. Nil means open-ended.
	EndDate *time.Time

	// TrialEndDate, when set and in the future, marks the purchase as trialing.
	TrialEndDate *time.Time

	// Plan is populated by timeline queries that join the plan row.
	Plan *Plan
}

// IsActiveAt reports whether the purchase covers the given instant.
func (p *Purchase) IsActiveAt(t time.Time) bool {
	if p.StartDate.After(t) {
		return false
	}
	return p.EndDate == nil || !p.EndDate.Before(t)
}

// IsTrialActiveAt reports whether the purchase is trialing at the given instant.
func (p *Purchase) IsTrialActiveAt(t time.Time) bool {
	return p.TrialEndDate != nil && p.TrialEndDate.After(t)
}

// LastResetDate returns the most recent monthly anniversary of the purchase
// start on or before now. This anchors the current billing period: a
// purchase started on Jan 15 resets on the 15th of every month.
//
// All arithmetic is in UTC. When the anchor day does not exist in a month
// (e.g. Jan 31 in February), the anniversary clamps to the last day of that
// month.
func (p *Purchase) LastResetDate(now time.Time) time.Time {
	anchor := p.StartDate.UTC()
	now = now.UTC()

	months := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	reset := AddMonthsClamped(anchor, months)
	if reset.After(now) {
		reset = AddMonthsClamped(anchor, months-1)
	}
	return reset
}

// AddMonthsClamped adds n calendar months to t, clamping the day of month
// instead of letting overflow spill into the next month the way
// time.AddDate does (Jan 31 + 1 month = Feb 28/29, not Mar 2/3).
// The result is in UTC.
func AddMonthsClamped(t time.Time, n int) time.Time {
	year, month := t.Year(), int(t.Month())+n
	// Normalize the month into [1, 12].
	year += (month - 1) / 12
	month = (month-1)%12 + 1
	if month < 1 {
		month += 12
		year--
	}

	day := t.Day()
	if last := daysInMonth(year, time.Month(month)); day > last {
		day = last
	}
	return time.Date(year, time.Month(month), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
