// Package billing implements prepaid credits on top of a payment processor.
// One credit is worth one cent of the billing currency.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/ashureev/vibe-relay/internal/analytics"
	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/store"
	"golang.org/x/sync/errgroup"
)

// Accounts persists customer ids, balances and credited payments.
type Accounts interface {
	GetCustomerID(ctx context.Context, email string) (string, error)
	SetCustomerIDIfAbsent(ctx context.Context, email, id string) (string, error)
	GetCredits(ctx context.Context, email string) (int64, error)
	ApplyPayment(ctx context.Context, email, intentID string, amount int64) (balance int64, applied bool, err error)
}

// Balance is the caller's credit state.
type Balance struct {
	Credits          int64  `json:"credits"`
	HasPaymentMethod bool   `json:"hasPaymentMethod"`
	CustomerID       string `json:"customerId"`
}

// PurchaseResult is the outcome of a purchase that reached the processor.
type PurchaseResult struct {
	Success         bool   `json:"success"`
	Credits         *int64 `json:"credits,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	RequiresAction  bool   `json:"requiresAction,omitempty"`
	Processing      bool   `json:"processing,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`
	PaymentMethodID string `json:"paymentMethodId,omitempty"`
}

// ConfirmResult is the outcome of a confirmed payment.
type ConfirmResult struct {
	Success bool  `json:"success"`
	Credits int64 `json:"credits"`
}

// Service implements the credits operations.
type Service struct {
	accounts  Accounts
	processor Processor
	tracker   analytics.Tracker
	currency  string
}

// NewService creates a credits service.
func NewService(accounts Accounts, processor Processor, tracker analytics.Tracker, currency string) *Service {
	if tracker == nil {
		tracker = analytics.Noop{}
	}
	if currency == "" {
		currency = "usd"
	}
	return &Service{accounts: accounts, processor: processor, tracker: tracker, currency: currency}
}

// CustomerID returns the processor customer of email, creating one on first use.
func (s *Service) CustomerID(ctx context.Context, email string) (string, error) {
	id, err := s.accounts.GetCustomerID(ctx, email)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("get customer id: %w", err)
	}

	created, err := s.processor.CreateCustomer(ctx, email)
	if err != nil {
		return "", apperr.Upstream("failed to create billing customer", err)
	}
	id, err = s.accounts.SetCustomerIDIfAbsent(ctx, email, created)
	if err != nil {
		return "", fmt.Errorf("store customer id: %w", err)
	}
	if id != created {
		slog.Warn("Concurrent customer creation, keeping first", "user_email", email, "kept", id, "orphaned", created)
	}
	slog.Info("Billing customer created", "user_email", email, "customer_id", id)
	return id, nil
}

// Balance fetches the stored balance and the payment-method flag concurrently.
// Either failure fails the call.
func (s *Service) Balance(ctx context.Context, email string) (*Balance, error) {
	customerID, err := s.CustomerID(ctx, email)
	if err != nil {
		return nil, err
	}

	var (
		credits int64
		hasCard bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		credits, err = s.accounts.GetCredits(gctx, email)
		if err != nil {
			return fmt.Errorf("get credits: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		hasCard, err = s.processor.HasPaymentMethod(gctx, customerID)
		if err != nil {
			return apperr.Upstream("failed to check payment methods", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Balance{Credits: credits, HasPaymentMethod: hasCard, CustomerID: customerID}, nil
}

// SetupIntent creates a setup intent for saving a card and returns its client secret.
func (s *Service) SetupIntent(ctx context.Context, email string) (string, error) {
	customerID, err := s.CustomerID(ctx, email)
	if err != nil {
		return "", err
	}

	secret, err := s.processor.CreateSetupIntent(ctx, customerID)
	if errors.Is(err, ErrCustomerNotFound) {
		return "", apperr.NotFound("billing customer not found")
	}
	if err != nil {
		return "", apperr.Upstream("failed to create setup intent", err)
	}

	s.tracker.Track(ctx, analytics.CreditsSetupIntentCreated, email, map[string]any{"customer_id": customerID})
	return secret, nil
}

// Purchase charges the saved card for amount units of currency and credits
// the balance on success. A card decline is a BadRequest carrying the
// processor's message.
func (s *Service) Purchase(ctx context.Context, email string, amount float64) (*PurchaseResult, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, apperr.BadRequest("amount must be greater than 0")
	}
	cents := int64(math.Round(amount * 100))
	if cents <= 0 {
		return nil, apperr.BadRequest("amount must be greater than 0")
	}

	customerID, err := s.CustomerID(ctx, email)
	if err != nil {
		return nil, err
	}

	paymentMethodID, err := s.processor.DefaultPaymentMethod(ctx, customerID)
	switch {
	case errors.Is(err, ErrNoPaymentMethod):
		return nil, apperr.NotFound("no payment method")
	case errors.Is(err, ErrCustomerNotFound):
		return nil, apperr.NotFound("billing customer not found")
	case err != nil:
		return nil, apperr.Upstream("failed to load payment method", err)
	}

	props := map[string]any{"amount_cents": cents, "currency": s.currency}
	s.tracker.Track(ctx, analytics.CreditsPurchaseStarted, email, props)

	charge, err := s.processor.Charge(ctx, ChargeRequest{
		CustomerID:      customerID,
		PaymentMethodID: paymentMethodID,
		AmountCents:     cents,
		Currency:        s.currency,
		Metadata:        map[string]string{"user_email": email, "credits": fmt.Sprint(cents)},
	})
	if err != nil {
		var cardErr *CardError
		s.tracker.Track(ctx, analytics.CreditsPurchaseFailed, email, props)
		if errors.As(err, &cardErr) {
			return nil, apperr.BadRequest(cardErr.Message)
		}
		return nil, apperr.Upstream("payment failed", err)
	}

	if charge.AmountCents == 0 {
		charge.AmountCents = cents
	}

	switch charge.Status {
	case ChargeSucceeded:
		balance, err := s.credit(ctx, email, charge)
		if err != nil {
			return nil, err
		}
		s.tracker.Track(ctx, analytics.CreditsPurchaseSucceeded, email, props)
		return &PurchaseResult{Success: true, Credits: &balance, PaymentIntentID: charge.ID}, nil

	case ChargeRequiresAction:
		s.tracker.Track(ctx, analytics.CreditsPurchaseRequiresAction, email, props)
		pm := charge.PaymentMethodID
		if pm == "" {
			pm = paymentMethodID
		}
		return &PurchaseResult{
			Success:         false,
			RequiresAction:  true,
			ClientSecret:    charge.ClientSecret,
			PaymentIntentID: charge.ID,
			PaymentMethodID: pm,
		}, nil

	case ChargeProcessing:
		// Not failed yet; credits arrive through ConfirmPayment once it settles.
		s.tracker.Track(ctx, analytics.CreditsPurchaseProcessing, email, props)
		return &PurchaseResult{Success: false, Processing: true, PaymentIntentID: charge.ID}, nil

	default:
		s.tracker.Track(ctx, analytics.CreditsPurchaseFailed, email, props)
		return nil, apperr.BadRequest(fmt.Sprintf("payment %s", charge.Status))
	}
}

// ConfirmPayment applies the credits of a payment completed out-of-band.
// Credits are applied at most once per payment.
func (s *Service) ConfirmPayment(ctx context.Context, email, paymentIntentID string) (*ConfirmResult, error) {
	if paymentIntentID == "" {
		return nil, apperr.BadRequest("paymentIntentId is required")
	}

	customerID, err := s.CustomerID(ctx, email)
	if err != nil {
		return nil, err
	}

	charge, err := s.processor.GetCharge(ctx, paymentIntentID)
	if errors.Is(err, ErrCustomerNotFound) {
		return nil, apperr.BadRequest("payment not found")
	}
	if err != nil {
		return nil, apperr.Upstream("failed to load payment", err)
	}
	if charge.CustomerID != customerID {
		return nil, apperr.BadRequest("payment does not belong to this account")
	}
	if charge.Status != ChargeSucceeded {
		return nil, apperr.BadRequest(fmt.Sprintf("payment not completed: %s", charge.Status))
	}

	balance, err := s.credit(ctx, email, charge)
	if err != nil {
		return nil, err
	}
	s.tracker.Track(ctx, analytics.CreditsPurchaseSucceeded, email, map[string]any{
		"amount_cents": charge.AmountCents,
		"confirmed":    true,
	})
	return &ConfirmResult{Success: true, Credits: balance}, nil
}

// credit adds the charge amount to the balance unless it was already applied.
// The balance and the applied marker are written together, so a failed write
// leaves the payment creditable by a later confirm.
func (s *Service) credit(ctx context.Context, email string, charge *Charge) (int64, error) {
	balance, applied, err := s.accounts.ApplyPayment(ctx, email, charge.ID, charge.AmountCents)
	if err != nil {
		return 0, fmt.Errorf("add credits for %s: %w", charge.ID, err)
	}
	if applied {
		slog.Info("Credits applied",
			"user_email", email,
			"payment_intent_id", charge.ID,
			"credits", charge.AmountCents,
			"balance", balance)
	}
	return balance, nil
}
