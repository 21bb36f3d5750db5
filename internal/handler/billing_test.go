package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/argos-ci/argos/internal/repository"
)

func newBillingTest(t *testing.T, client *stubStripeClient) (*BillingHandler, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewBillingHandler(client, repository.New(db), "https://app.argos-ci.test", logger)
	return h, mock
}

func accountRow(id uuid.UUID, slug, customerID string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "slug", "user_id", "team_id", "forced_plan_id", "stripe_customer_id"})
	var customer interface{}
	if customerID != "" {
		customer = customerID
	}
	return rows.AddRow(id, slug, uuid.New(), nil, nil, customer)
}

func TestCreateCheckout(t *testing.T) {
	client := &stubStripeClient{}
	h, mock := newBillingTest(t, client)

	accountID := uuid.New()
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
		WithArgs(accountID).
		WillReturnRows(accountRow(accountID, "acme", "cus_123"))

	body := `{"account_id": "` + accountID.String() + `", "price_id": "price_pro"}`
	req := httptest.NewRequest("POST", "/billing/checkout", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateCheckout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["url"] == "" {
		t.Error("expected a checkout URL in the response")
	}
	if client.gotCheckoutCustomer != "cus_123" {
		t.Errorf("expected the session pinned to cus_123, got %q", client.gotCheckoutCustomer)
	}
	if want := "account-" + accountID.String(); client.gotClientRef != want {
		t.Errorf("expected client reference %q, got %q", want, client.gotClientRef)
	}
	if client.gotPriceID != "price_pro" {
		t.Errorf("expected price_pro, got %q", client.gotPriceID)
	}
}

func TestCreateCheckout_CreatesCustomerFirst(t *testing.T) {
	client := &stubStripeClient{}
	h, mock := newBillingTest(t, client)

	accountID := uuid.New()
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
		WithArgs(accountID).
		WillReturnRows(accountRow(accountID, "acme", ""))
	mock.ExpectQuery(`SELECT u\.email, u\.login\s+FROM accounts a\s+JOIN users u`).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"email", "login"}).
			AddRow("amelie@example.com", "amelie"))
	mock.ExpectExec(`UPDATE accounts\s+SET stripe_customer_id`).
		WithArgs(accountID, "cus_new").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"account_id": "` + accountID.String() + `", "price_id": "price_pro"}`
	req := httptest.NewRequest("POST", "/billing/checkout", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateCheckout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if client.createdCustomerEmail != "amelie@example.com" {
		t.Errorf("expected a customer created for the billing contact, got %q", client.createdCustomerEmail)
	}
	if client.gotCheckoutCustomer != "cus_new" {
		t.Errorf("expected the session pinned to the new customer, got %q", client.gotCheckoutCustomer)
	}
}

func TestCreateCheckout_TeamAccountDefersCustomer(t *testing.T) {
	client := &stubStripeClient{}
	h, mock := newBillingTest(t, client)

	// Team-backed account: no billing contact row to create a customer from.
	accountID := uuid.New()
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug", "user_id", "team_id", "forced_plan_id", "stripe_customer_id"}).
			AddRow(accountID, "acme-team", nil, uuid.New(), nil, nil))
	mock.ExpectQuery(`SELECT u\.email, u\.login\s+FROM accounts a\s+JOIN users u`).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"email", "login"}))

	body := `{"account_id": "` + accountID.String() + `", "price_id": "price_pro"}`
	req := httptest.NewRequest("POST", "/billing/checkout", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateCheckout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if client.createdCustomerEmail != "" {
		t.Error("no customer should be created without a billing contact")
	}
	if client.gotCheckoutCustomer != "" {
		t.Errorf("checkout should create the customer itself, got %q", client.gotCheckoutCustomer)
	}
}

func TestCreateCheckout_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed JSON", `{`, http.StatusBadRequest},
		{"missing price", `{"account_id": "` + uuid.NewString() + `"}`, http.StatusBadRequest},
		{"bad account id", `{"account_id": "not-a-uuid", "price_id": "price_pro"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newBillingTest(t, &stubStripeClient{})

			req := httptest.NewRequest("POST", "/billing/checkout", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.CreateCheckout(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestOpenPortal(t *testing.T) {
	client := &stubStripeClient{}
	h, mock := newBillingTest(t, client)

	accountID := uuid.New()
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
		WithArgs(accountID).
		WillReturnRows(accountRow(accountID, "acme", "cus_123"))

	body := `{"account_id": "` + accountID.String() + `"}`
	req := httptest.NewRequest("POST", "/billing/portal", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.OpenPortal(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if client.gotCustomerID != "cus_123" {
		t.Errorf("expected portal for cus_123, got %q", client.gotCustomerID)
	}
}

func TestOpenPortal_NoBillingHistory(t *testing.T) {
	h, mock := newBillingTest(t, &stubStripeClient{})

	accountID := uuid.New()
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1`).
		WithArgs(accountID).
		WillReturnRows(accountRow(accountID, "acme", ""))

	body := `{"account_id": "` + accountID.String() + `"}`
	req := httptest.NewRequest("POST", "/billing/portal", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.OpenPortal(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("an account that never checked out has no portal, got %d", rec.Code)
	}
}
