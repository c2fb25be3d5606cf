package billing

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// WebhookSecret verifies incoming notification signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// SignatureTolerance is the maximum age of a signed notification (default: 5 minutes).
	SignatureTolerance time.Duration

	// DefaultAmount is used when a payment request carries no amount (minor units).
	DefaultAmount int64

	// DefaultCurrency is used when a payment request carries no currency.
	DefaultCurrency string

	// Metrics is an optional metrics collector. If nil, metrics are ignored.
	Metrics goentitle.Metrics

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger goentitle.Logger
}
