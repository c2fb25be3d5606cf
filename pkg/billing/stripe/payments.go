package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// CreatePaymentIntent creates a PaymentIntent carrying the account id in
// metadata so its payment_intent.succeeded notification can be attributed.
func (p *Provider) CreatePaymentIntent(ctx context.Context, req billing.PaymentIntentRequest) (*billing.PaymentIntent, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: missing user id", billing.ErrInvalidRequest)
	}
	amount, currency := p.amountAndCurrency(req.Amount, req.Currency)

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("user_id", accountID)

	start := time.Now()
	pi, err := p.api.CreatePaymentIntent(ctx, params)
	p.metrics.RecordAPICall("payment_intents.create", time.Since(start), err)
	if err != nil {
		p.logger.Error("failed to create payment intent",
			goentitle.Field{Key: "account_id", Value: accountID}, goentitle.Field{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("%w: create payment intent: %v", billing.ErrProviderAPIError, err)
	}

	return &billing.PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       amount,
		Currency:     currency,
	}, nil
}

// CreateCheckoutSession creates a one-time payment Checkout Session. The
// account id travels as client_reference_id and in metadata on both the
// session and its PaymentIntent.
func (p *Provider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: missing user id", billing.ErrInvalidRequest)
	}
	amount, currency := p.amountAndCurrency(req.Amount, req.Currency)
	product := req.ProductName
	if product == "" {
		product = defaultCheckoutProduct
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(product),
					},
					UnitAmount: stripe.Int64(amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(accountID),
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: map[string]string{"user_id": accountID},
		},
	}
	params.AddMetadata("user_id", accountID)

	start := time.Now()
	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICall("checkout_sessions.create", time.Since(start), err)
	if err != nil {
		p.logger.Error("failed to create checkout session",
			goentitle.Field{Key: "account_id", Value: accountID}, goentitle.Field{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (p *Provider) amountAndCurrency(amount int64, currency string) (int64, string) {
	if amount <= 0 {
		amount = p.defaultAmount
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = p.defaultCurrency
	}
	return amount, currency
}
