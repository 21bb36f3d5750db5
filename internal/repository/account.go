package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/domain"
)

const accountColumns = `id, slug, user_id, team_id, forced_plan_id, stripe_customer_id`

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var a domain.Account
	var userID, teamID, forcedPlanID uuid.NullUUID
	var customerID sql.NullString

	err := row.Scan(&a.ID, &a.Slug, &userID, &teamID, &forcedPlanID, &customerID)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		a.UserID = &userID.UUID
	}
	if teamID.Valid {
		a.TeamID = &teamID.UUID
	}
	if forcedPlanID.Valid {
		a.ForcedPlanID = &forcedPlanID.UUID
	}
	a.StripeCustomerID = customerID.String
	return &a, nil
}

// GetAccount retrieves an account by ID.
func (q *Queries) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("account.get", "account", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// GetAccountBySlug retrieves an account by its URL slug.
func (q *Queries) GetAccountBySlug(ctx context.Context, slug string) (*domain.Account, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE slug = $1`, slug)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("account.get_by_slug", "account", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get account by slug: %w", err)
	}
	return account, nil
}

// GetAccountByStripeCustomerID retrieves the account linked to a Stripe customer.
// Returns an UnresolvedAccount error when no account matches.
func (q *Queries) GetAccountByStripeCustomerID(ctx context.Context, customerID string) (*domain.Account, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE stripe_customer_id = $1`, customerID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.UnresolvedAccount("account.get_by_stripe_customer", customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account by stripe customer: %w", err)
	}
	return account, nil
}

// GetAccountForUser retrieves the account backed by the given user.
func (q *Queries) GetAccountForUser(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("account.get_for_user", "account", userID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get account for user: %w", err)
	}
	return account, nil
}

// GetAccountForTeam retrieves the account backed by the given team.
func (q *Queries) GetAccountForTeam(ctx context.Context, teamID uuid.UUID) (*domain.Account, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE team_id = $1`, teamID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("account.get_for_team", "account", teamID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get account for team: %w", err)
	}
	return account, nil
}

// CreateAccountParams holds the fields for creating an account.
// Exactly one of UserID or TeamID must be set; the schema enforces this.
type CreateAccountParams struct {
	Slug   string
	UserID *uuid.UUID
	TeamID *uuid.UUID
}

// CreateAccount inserts a new account and returns it.
func (q *Queries) CreateAccount(ctx context.Context, params CreateAccountParams) (*domain.Account, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO accounts (slug, user_id, team_id)
		VALUES ($1, $2, $3)
		RETURNING `+accountColumns,
		params.Slug, params.UserID, params.TeamID)
	account, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return account, nil
}

// AttachStripeCustomer links a Stripe customer to an account.
// First-time linking only: an account already linked to a different
// customer is left untouched, which makes checkout events idempotent.
func (q *Queries) AttachStripeCustomer(ctx context.Context, accountID uuid.UUID, customerID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE accounts
		SET stripe_customer_id = $2, updated_at = now()
		WHERE id = $1
		  AND (stripe_customer_id IS NULL OR stripe_customer_id = $2)`,
		accountID, customerID)
	if err != nil {
		return fmt.Errorf("attach stripe customer: %w", err)
	}
	return nil
}

// LockAccount takes a row-level lock on the account for the duration of the
// surrounding transaction. Concurrent webhook deliveries for the same
// account serialize on this lock.
func (q *Queries) LockAccount(ctx context.Context, accountID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx,
		`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, accountID)
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	return nil
}

// GetUserLogin returns the login of a user, used to derive account slugs.
func (q *Queries) GetUserLogin(ctx context.Context, userID uuid.UUID) (string, error) {
	var login string
	err := q.db.QueryRowContext(ctx,
		`SELECT login FROM users WHERE id = $1`, userID).Scan(&login)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.NotFound("user.get_login", "user", userID.String())
	}
	if err != nil {
		return "", fmt.Errorf("get user login: %w", err)
	}
	return login, nil
}

// BillingContact is who billing emails for an account go to.
type BillingContact struct {
	Email string
	Name  string
}

// GetAccountBillingContact returns the billing contact for an account.
// Only user-backed accounts have one; team-backed accounts return ENOTFOUND.
func (q *Queries) GetAccountBillingContact(ctx context.Context, accountID uuid.UUID) (*BillingContact, error) {
	var c BillingContact
	err := q.db.QueryRowContext(ctx, `
		SELECT u.email, u.login
		FROM accounts a
		JOIN users u ON u.id = a.user_id
		WHERE a.id = $1`, accountID).Scan(&c.Email, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("account.get_billing_contact", "billing contact for account", accountID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get account billing contact: %w", err)
	}
	return &c, nil
}

// GetTeamName returns the name of a team, used to derive account slugs.
func (q *Queries) GetTeamName(ctx context.Context, teamID uuid.UUID) (string, error) {
	var name string
	err := q.db.QueryRowContext(ctx,
		`SELECT name FROM teams WHERE id = $1`, teamID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.NotFound("team.get_name", "team", teamID.String())
	}
	if err != nil {
		return "", fmt.Errorf("get team name: %w", err)
	}
	return name, nil
}
