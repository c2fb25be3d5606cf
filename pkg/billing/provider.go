package billing

import (
	"context"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Provider is the interface a payment processor integration implements.
// Verification and classification feed the reconciliation coordinator;
// the payment methods create the objects whose notifications come back.
type Provider interface {
	goentitle.Verifier
	goentitle.Classifier
	Payments

	// Name returns the provider name (e.g. "stripe")
	Name() string

	// SignatureHeader names the HTTP header carrying the notification signature.
	SignatureHeader() string
}

// Payments creates payment objects tagged with the application account id
// so that their notifications can be attributed.
type Payments interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// PaymentIntentRequest asks for a one-off payment. Zero Amount and empty
// Currency take the provider defaults.
type PaymentIntentRequest struct {
	AccountID string `json:"user_id" validate:"required,max=255"`
	Amount    int64  `json:"amount,omitempty" validate:"omitempty,gt=0"`
	Currency  string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
}

// PaymentIntent is the client-facing part of a created payment.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// CheckoutRequest asks for a hosted one-time checkout page.
type CheckoutRequest struct {
	AccountID   string `json:"user_id" validate:"required,max=255"`
	Amount      int64  `json:"amount,omitempty" validate:"omitempty,gt=0"`
	Currency    string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	ProductName string `json:"product_name,omitempty" validate:"omitempty,max=250"`
	SuccessURL  string `json:"success_url" validate:"required,url"`
	CancelURL   string `json:"cancel_url" validate:"required,url"`
}

// CheckoutSession is a created hosted checkout page.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
