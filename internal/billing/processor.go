package billing

import (
	"context"
	"errors"
)

var (
	// ErrNoPaymentMethod is returned when a customer has no saved card.
	ErrNoPaymentMethod = errors.New("no payment method")
	// ErrCustomerNotFound is returned when the processor no longer knows a customer.
	ErrCustomerNotFound = errors.New("customer not found")
)

// ChargeStatus is the processor-independent state of a payment.
type ChargeStatus string

const (
	ChargeSucceeded      ChargeStatus = "succeeded"
	ChargeRequiresAction ChargeStatus = "requires_action"
	ChargeProcessing     ChargeStatus = "processing"
	ChargeFailed         ChargeStatus = "failed"
)

// ChargeRequest describes an off-session card payment.
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	Metadata        map[string]string
}

// Charge is a payment as seen by the processor.
type Charge struct {
	ID              string
	Status          ChargeStatus
	ClientSecret    string
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
}

// CardError is a terminal payment failure whose message is safe to show.
type CardError struct {
	Message string
	Code    string
}

func (e *CardError) Error() string {
	return "card error: " + e.Message
}

// Processor is the payment processor used for credits.
type Processor interface {
	CreateCustomer(ctx context.Context, email string) (string, error)
	HasPaymentMethod(ctx context.Context, customerID string) (bool, error)
	DefaultPaymentMethod(ctx context.Context, customerID string) (string, error)
	CreateSetupIntent(ctx context.Context, customerID string) (string, error)
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
	GetCharge(ctx context.Context, id string) (*Charge, error)
}
