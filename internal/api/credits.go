package api

import (
	"context"
	"net/http"

	"github.com/ashureev/vibe-relay/internal/billing"
	"github.com/go-chi/chi/v5"
)

// CreditService is the billing surface used by CreditHandler.
type CreditService interface {
	Balance(ctx context.Context, email string) (*billing.Balance, error)
	SetupIntent(ctx context.Context, email string) (string, error)
	Purchase(ctx context.Context, email string, amount float64) (*billing.PurchaseResult, error)
	ConfirmPayment(ctx context.Context, email, paymentIntentID string) (*billing.ConfirmResult, error)
}

// CreditHandler serves credit and payment routes.
type CreditHandler struct {
	*Handler
	credits CreditService
}

// NewCreditHandler creates a CreditHandler.
func NewCreditHandler(base *Handler, credits CreditService) *CreditHandler {
	return &CreditHandler{Handler: base, credits: credits}
}

// RegisterRoutes registers credit routes.
func (h *CreditHandler) RegisterRoutes(r chi.Router) {
	r.Route("/credits", func(r chi.Router) {
		r.Get("/get", h.Get)
		r.Post("/setup-intent", h.SetupIntent)
		r.Post("/purchase", h.Purchase)
		r.Post("/confirm-payment", h.ConfirmPayment)
	})
}

type purchaseRequest struct {
	Amount float64 `json:"amount" validate:"gt=0"`
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
}

// Get returns the caller's balance and payment method state.
func (h *CreditHandler) Get(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	balance, err := h.credits.Balance(r.Context(), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, balance)
}

// SetupIntent starts saving a payment method for the caller.
func (h *CreditHandler) SetupIntent(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	secret, err := h.credits.SetupIntent(r.Context(), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"clientSecret": secret})
}

// Purchase charges the saved payment method. A 3-D Secure challenge is a
// 200 response with requiresAction set.
func (h *CreditHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.credits.Purchase(r.Context(), email, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// ConfirmPayment applies the credits of a payment completed out of band.
func (h *CreditHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.credits.ConfirmPayment(r.Context(), email, req.PaymentIntentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, result)
}
