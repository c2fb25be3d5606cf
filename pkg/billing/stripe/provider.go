package stripe

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	providerName           = "stripe"
	signatureHeader        = "Stripe-Signature"
	defaultAmount          = 1999
	defaultCurrency        = "pln"
	defaultCheckoutProduct = "Premium access"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	StripeAPIKey        string
	StripeWebhookSecret string
}

// stripeAPI is the part of the Stripe client the provider calls.
type stripeAPI interface {
	CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

type clientAPI struct {
	client *stripe.Client
}

func (a clientAPI) CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	return a.client.V1PaymentIntents.Create(ctx, params)
}

func (a clientAPI) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	return a.client.V1CheckoutSessions.Create(ctx, params)
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	*Verifier
	Classifier

	api             stripeAPI
	defaultAmount   int64
	defaultCurrency string
	metrics         goentitle.Metrics
	logger          goentitle.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	secret := config.StripeWebhookSecret
	if secret == "" {
		secret = config.WebhookSecret
	}
	verifier, err := NewVerifier(secret, config.SignatureTolerance)
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	return newProvider(config, verifier, clientAPI{client: stripe.NewClient(apiKey)}), nil
}

func newProvider(config Config, verifier *Verifier, api stripeAPI) *Provider {
	amount := config.DefaultAmount
	if amount <= 0 {
		amount = defaultAmount
	}
	currency := strings.ToLower(strings.TrimSpace(config.DefaultCurrency))
	if currency == "" {
		currency = defaultCurrency
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &goentitle.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &goentitle.NoopLogger{}
	}

	return &Provider{
		Verifier:        verifier,
		api:             api,
		defaultAmount:   amount,
		defaultCurrency: currency,
		metrics:         metrics,
		logger:          logger,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// SignatureHeader returns the header Stripe signs notifications in.
func (p *Provider) SignatureHeader() string {
	return signatureHeader
}

var _ billing.Provider = (*Provider)(nil)
