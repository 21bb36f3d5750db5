// Package domain contains core business types and interfaces.
//
// This file defines the Account type: the billing-capable identity that owns
// purchases. An account is backed by exactly one user or one team.
package domain

import (
	"github.com/google/uuid"
)

// AccountType identifies which entity backs an account.
type AccountType string

const (
	AccountTypeUser AccountType = "user"
	AccountTypeTeam AccountType = "team"
)

// Account is a billing-capable identity.
//
// Exactly one of UserID or TeamID must be set. The Stripe customer is
// attached lazily, on the first successful checkout.
type Account struct {
	ID   uuid.UUID
	Slug string

	UserID *uuid.UUID
	TeamID *uuid.UUID

	// ForcedPlanID is an administrative override. When set, the purchase
	// timeline is bypassed entirely and the forced plan applies.
	ForcedPlanID *uuid.UUID

	// StripeCustomerID links the account to its Stripe customer.
	StripeCustomerID string
}

// Type returns whether the account is user- or team-owned.
// An account with neither or both owners is corrupt data.
func (a *Account) Type() (AccountType, error) {
	const op = "account.type"
	if a.UserID != nil && a.TeamID != nil {
		return "", Invariant(op, "incoherent account: both user and team set")
	}
	if a.UserID != nil {
		return AccountTypeUser, nil
	}
	if a.TeamID != nil {
		return AccountTypeTeam, nil
	}
	return "", Invariant(op, "incoherent account: neither user nor team set")
}
