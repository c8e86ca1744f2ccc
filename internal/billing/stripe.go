package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeProcessor implements Processor with the Stripe API.
type StripeProcessor struct {
	api *client.API
}

var _ Processor = (*StripeProcessor)(nil)

// NewStripeProcessor creates a processor authenticated with secretKey.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	return &StripeProcessor{api: client.New(secretKey, nil)}
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	params.AddMetadata("source", "vibe-relay")
	params.AddMetadata("user_email", email)

	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return c.ID, nil
}

func (p *StripeProcessor) listCards(ctx context.Context, customerID string, limit int64) ([]string, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(limit)
	params.Single = true

	var ids []string
	it := p.api.PaymentMethods.List(params)
	for it.Next() {
		ids = append(ids, it.PaymentMethod().ID)
	}
	if err := it.Err(); err != nil {
		return nil, translateStripeError("list payment methods", err)
	}
	return ids, nil
}

func (p *StripeProcessor) HasPaymentMethod(ctx context.Context, customerID string) (bool, error) {
	ids, err := p.listCards(ctx, customerID, 1)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (p *StripeProcessor) DefaultPaymentMethod(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddExpand("invoice_settings.default_payment_method")
	c, err := p.api.Customers.Get(customerID, params)
	if err != nil {
		return "", translateStripeError("get customer", err)
	}
	if c.Deleted {
		return "", ErrCustomerNotFound
	}
	if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
		return c.InvoiceSettings.DefaultPaymentMethod.ID, nil
	}

	ids, err := p.listCards(ctx, customerID, 1)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoPaymentMethod
	}
	return ids[0], nil
}

func (p *StripeProcessor) CreateSetupIntent(ctx context.Context, customerID string) (string, error) {
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
	}
	params.Context = ctx

	si, err := p.api.SetupIntents.New(params)
	if err != nil {
		return "", translateStripeError("create setup intent", err)
	}
	return si.ClientSecret, nil
}

func (p *StripeProcessor) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			// Off-session payments that need 3-D Secure come back as an
			// authentication_required card error carrying the intent.
			if stripeErr.Code == stripe.ErrorCodeAuthenticationRequired && stripeErr.PaymentIntent != nil {
				c := chargeFromIntent(stripeErr.PaymentIntent)
				c.Status = ChargeRequiresAction
				return c, nil
			}
			if stripeErr.Type == stripe.ErrorTypeCard {
				return nil, &CardError{Message: stripeErr.Msg, Code: string(stripeErr.Code)}
			}
		}
		return nil, translateStripeError("create payment intent", err)
	}
	return chargeFromIntent(pi), nil
}

func (p *StripeProcessor) GetCharge(ctx context.Context, id string) (*Charge, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, translateStripeError("get payment intent", err)
	}
	return chargeFromIntent(pi), nil
}

func chargeFromIntent(pi *stripe.PaymentIntent) *Charge {
	c := &Charge{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
	}
	if pi.Customer != nil {
		c.CustomerID = pi.Customer.ID
	}
	if pi.PaymentMethod != nil {
		c.PaymentMethodID = pi.PaymentMethod.ID
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		c.Status = ChargeSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		c.Status = ChargeRequiresAction
	case stripe.PaymentIntentStatusProcessing:
		c.Status = ChargeProcessing
	default:
		c.Status = ChargeFailed
	}
	return c
}

func translateStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
		return fmt.Errorf("%s: %w", op, ErrCustomerNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
