package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/billing"
)

type fakeCredits struct {
	calls       int
	balance     *billing.Balance
	balanceErr  error
	purchase    *billing.PurchaseResult
	purchaseErr error
	amounts     []float64
	confirmErr  error
	setupErr    error
}

func (f *fakeCredits) Balance(context.Context, string) (*billing.Balance, error) {
	f.calls++
	return f.balance, f.balanceErr
}

func (f *fakeCredits) SetupIntent(context.Context, string) (string, error) {
	f.calls++
	if f.setupErr != nil {
		return "", f.setupErr
	}
	return "seti_secret", nil
}

func (f *fakeCredits) Purchase(_ context.Context, _ string, amount float64) (*billing.PurchaseResult, error) {
	f.calls++
	f.amounts = append(f.amounts, amount)
	return f.purchase, f.purchaseErr
}

func (f *fakeCredits) ConfirmPayment(context.Context, string, string) (*billing.ConfirmResult, error) {
	f.calls++
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &billing.ConfirmResult{Success: true, Credits: 500}, nil
}

func TestCreditRoutesRejectAnonymousBeforeProcessor(t *testing.T) {
	svc := &fakeCredits{}
	h := NewCreditHandler(NewHandler(), svc)

	routes := []struct{ method, path, body string }{
		{http.MethodGet, "/credits/get", ""},
		{http.MethodPost, "/credits/setup-intent", ""},
		{http.MethodPost, "/credits/purchase", `{"amount":5}`},
		{http.MethodPost, "/credits/confirm-payment", `{"paymentIntentId":"pi_1"}`},
	}
	for _, rt := range routes {
		if w := do(t, h, rt.method, rt.path, rt.body, ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", rt.path, w.Code)
		}
	}
	if svc.calls != 0 {
		t.Fatalf("processor reached %d times for anonymous requests", svc.calls)
	}
}

func TestGetCredits(t *testing.T) {
	svc := &fakeCredits{balance: &billing.Balance{Credits: 1200, HasPaymentMethod: true, CustomerID: "cus_1"}}
	h := NewCreditHandler(NewHandler(), svc)

	w := do(t, h, http.MethodGet, "/credits/get", "", "alice@example.com")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["credits"] != float64(1200) || got["hasPaymentMethod"] != true || got["customerId"] != "cus_1" {
		t.Fatalf("unexpected body %v", got)
	}

	svc.balanceErr = errors.New("processor timeout")
	if w := do(t, h, http.MethodGet, "/credits/get", "", "alice@example.com"); w.Code != http.StatusInternalServerError {
		t.Fatalf("fan-out failure: status = %d, want 500", w.Code)
	}
}

func TestPurchaseRejectsNonPositiveAmount(t *testing.T) {
	svc := &fakeCredits{}
	h := NewCreditHandler(NewHandler(), svc)

	for _, body := range []string{`{"amount":0}`, `{"amount":-3}`, `{}`} {
		if w := do(t, h, http.MethodPost, "/credits/purchase", body, "alice@example.com"); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
		}
	}
	if len(svc.amounts) != 0 {
		t.Fatalf("processor charged for invalid amounts: %v", svc.amounts)
	}
}

func TestPurchaseOutcomes(t *testing.T) {
	credits := int64(1000)
	tests := []struct {
		name   string
		result *billing.PurchaseResult
		err    error
		status int
		check  func(t *testing.T, body map[string]interface{})
	}{
		{
			name:   "success",
			result: &billing.PurchaseResult{Success: true, Credits: &credits, PaymentIntentID: "pi_1"},
			status: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["success"] != true || body["credits"] != float64(1000) {
					t.Fatalf("unexpected body %v", body)
				}
			},
		},
		{
			name: "requires action",
			result: &billing.PurchaseResult{
				RequiresAction:  true,
				ClientSecret:    "pi_2_secret",
				PaymentIntentID: "pi_2",
				PaymentMethodID: "pm_1",
			},
			status: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["success"] != false || body["requiresAction"] != true || body["clientSecret"] != "pi_2_secret" {
					t.Fatalf("unexpected body %v", body)
				}
			},
		},
		{
			name:   "card declined",
			err:    apperr.BadRequest("Your card was declined."),
			status: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["error"] != "Your card was declined." {
					t.Fatalf("unexpected body %v", body)
				}
			},
		},
		{
			name:   "no payment method",
			err:    apperr.NotFound("no payment method"),
			status: http.StatusNotFound,
		},
		{
			name:   "processor down",
			err:    apperr.Upstream("payment failed", errors.New("connection reset")),
			status: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["error"] != "internal server error" {
					t.Fatalf("detail leaked: %v", body)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeCredits{purchase: tt.result, purchaseErr: tt.err}
			h := NewCreditHandler(NewHandler(), svc)

			w := do(t, h, http.MethodPost, "/credits/purchase", `{"amount":10}`, "alice@example.com")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if svc.amounts[0] != 10 {
				t.Fatalf("amount = %v", svc.amounts[0])
			}
			if tt.check != nil {
				tt.check(t, decodeBody(t, w))
			}
		})
	}
}

func TestSetupIntentAndConfirm(t *testing.T) {
	svc := &fakeCredits{}
	h := NewCreditHandler(NewHandler(), svc)

	w := do(t, h, http.MethodPost, "/credits/setup-intent", "", "alice@example.com")
	if w.Code != http.StatusOK || decodeBody(t, w)["clientSecret"] != "seti_secret" {
		t.Fatalf("setup intent: status = %d", w.Code)
	}

	svc.setupErr = apperr.NotFound("customer not found")
	if w := do(t, h, http.MethodPost, "/credits/setup-intent", "", "alice@example.com"); w.Code != http.StatusNotFound {
		t.Fatalf("setup intent without customer: status = %d, want 404", w.Code)
	}

	if w := do(t, h, http.MethodPost, "/credits/confirm-payment", `{}`, "alice@example.com"); w.Code != http.StatusBadRequest {
		t.Fatalf("confirm without id: status = %d, want 400", w.Code)
	}
	w = do(t, h, http.MethodPost, "/credits/confirm-payment", `{"paymentIntentId":"pi_1"}`, "alice@example.com")
	if w.Code != http.StatusOK || decodeBody(t, w)["success"] != true {
		t.Fatalf("confirm: status = %d", w.Code)
	}

	svc.confirmErr = apperr.BadRequest("payment has not succeeded")
	if w := do(t, h, http.MethodPost, "/credits/confirm-payment", `{"paymentIntentId":"pi_1"}`, "alice@example.com"); w.Code != http.StatusBadRequest {
		t.Fatalf("unsucceeded confirm: status = %d, want 400", w.Code)
	}
}
