package stripe

import (
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DefaultTolerance is the maximum accepted age of a signed notification.
const DefaultTolerance = webhook.DefaultTolerance

// Verifier checks Stripe-Signature headers over the raw request body.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for one endpoint secret ("whsec_...").
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Verify implements goentitle.Verifier. It has no side effects.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*goentitle.VerifiedPayload, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &goentitle.SignatureError{Reason: signatureReason(err), Err: err}
	}

	if event.ID == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, &goentitle.SignatureError{Reason: "invalid_payload", Err: billing.ErrInvalidWebhookPayload}
	}

	return &goentitle.VerifiedPayload{
		EventID:   event.ID,
		Type:      string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
		Livemode:  event.Livemode,
		Data:      event.Data.Raw,
	}, nil
}

func signatureReason(err error) string {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return "not_signed"
	case errors.Is(err, webhook.ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, webhook.ErrNoValidSignature):
		return "no_valid_signature"
	case errors.Is(err, webhook.ErrTooOld):
		return "too_old"
	default:
		return "invalid_payload"
	}
}
