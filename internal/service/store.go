// Package service implements the application's business logic on top of the
// repository layer.
package service

import (
	"context"
	"database/sql"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/argos-ci/argos/internal/billing"
	"github.com/argos-ci/argos/internal/domain"
	"github.com/argos-ci/argos/internal/repository"
)

// BillingStore adapts the repository to the billing.Store interface. Webhook
// reconciliation gets one transaction per event through InTx.
type BillingStore struct {
	db *sql.DB
}

// NewBillingStore creates a BillingStore over the given database handle.
func NewBillingStore(db *sql.DB) *BillingStore {
	return &BillingStore{db: db}
}

// InTx runs fn inside one database transaction.
func (s *BillingStore) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	return repository.InTx(ctx, s.db, func(q *repository.Queries) error {
		return fn(&billingTx{Queries: q})
	})
}

// billingTx exposes the repository queries as a billing.Tx. The embedded
// Queries cover everything except the find-or-create account operations.
type billingTx struct {
	*repository.Queries
}

// EnsureAccountForUser returns the account backed by the user, creating it on
// first use. Accounts are created lazily: a user who has never purchased nor
// pushed a build has none.
func (t *billingTx) EnsureAccountForUser(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	account, err := t.GetAccountForUser(ctx, userID)
	if err == nil {
		return account, nil
	}
	if domain.ErrorCode(err) != domain.ENOTFOUND {
		return nil, err
	}

	login, err := t.GetUserLogin(ctx, userID)
	if err != nil {
		return nil, err
	}
	slug, err := t.availableSlug(ctx, login)
	if err != nil {
		return nil, err
	}
	return t.CreateAccount(ctx, repository.CreateAccountParams{
		Slug:   slug,
		UserID: &userID,
	})
}

// EnsureAccountForTeam returns the account backed by the team, creating it on
// first use.
func (t *billingTx) EnsureAccountForTeam(ctx context.Context, teamID uuid.UUID) (*domain.Account, error) {
	account, err := t.GetAccountForTeam(ctx, teamID)
	if err == nil {
		return account, nil
	}
	if domain.ErrorCode(err) != domain.ENOTFOUND {
		return nil, err
	}

	name, err := t.GetTeamName(ctx, teamID)
	if err != nil {
		return nil, err
	}
	slug, err := t.availableSlug(ctx, name)
	if err != nil {
		return nil, err
	}
	return t.CreateAccount(ctx, repository.CreateAccountParams{
		Slug:   slug,
		TeamID: &teamID,
	})
}

// availableSlug derives a URL slug from a display name, suffixing it when the
// base slug is already taken.
func (t *billingTx) availableSlug(ctx context.Context, name string) (string, error) {
	base := Slugify(name)
	if base == "" {
		base = "account"
	}

	_, err := t.GetAccountBySlug(ctx, base)
	if domain.ErrorCode(err) == domain.ENOTFOUND {
		return base, nil
	}
	if err != nil {
		return "", err
	}
	return base + "-" + uuid.NewString()[:8], nil
}

// slugTransformer strips diacritics: NFKD decomposition, drop the combining
// marks, recompose.
var slugTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify lowercases a display name into a URL slug. Runs of characters
// outside [a-z0-9] collapse into single hyphens.
func Slugify(name string) string {
	folded, _, err := transform.String(slugTransformer, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}
