package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Stripe event types accepted by the classifier.
const (
	EventPaymentIntentSucceeded      = "payment_intent.succeeded"
	EventCheckoutSessionCompleted    = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceed = "checkout.session.async_payment_succeeded"
	EventSubscriptionCreated         = "customer.subscription.created"
	EventSubscriptionUpdated         = "customer.subscription.updated"
	EventSubscriptionDeleted         = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded     = "invoice.payment_succeeded"
	EventInvoicePaid                 = "invoice.paid"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
)

var eventKinds = map[string]goentitle.EventKind{
	EventPaymentIntentSucceeded:      goentitle.KindPaymentSucceeded,
	EventCheckoutSessionCompleted:    goentitle.KindCheckoutCompleted,
	EventCheckoutAsyncPaymentSucceed: goentitle.KindCheckoutCompleted,
	EventSubscriptionCreated:         goentitle.KindSubscriptionCreated,
	EventSubscriptionUpdated:         goentitle.KindSubscriptionUpdated,
	EventSubscriptionDeleted:         goentitle.KindSubscriptionCanceled,
	EventInvoicePaymentSucceeded:     goentitle.KindInvoicePaid,
	EventInvoicePaid:                 goentitle.KindInvoicePaid,
	EventInvoicePaymentFailed:        goentitle.KindInvoicePaymentFailed,
}

// metadataAccountKeys are checked in order for the application account id.
var metadataAccountKeys = []string{"user_id", "userId"}

// Classifier maps Stripe events onto goentitle events.
type Classifier struct{}

// Supported reports whether eventType is on the allow-list.
func (Classifier) Supported(eventType string) bool {
	_, ok := eventKinds[eventType]
	return ok
}

// Classify implements goentitle.Classifier.
func (Classifier) Classify(p *goentitle.VerifiedPayload) (*goentitle.VerifiedEvent, error) {
	kind, ok := eventKinds[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", goentitle.ErrUnsupportedEventKind, p.Type)
	}

	ev := &goentitle.VerifiedEvent{
		ID:           p.EventID,
		Kind:         kind,
		ProviderType: p.Type,
		CreatedAt:    p.CreatedAt,
		Payload:      p.Data,
	}

	if !isJSONObject(p.Data) {
		return nil, goentitle.Permanent("data.object is not a JSON object", nil)
	}

	var err error
	switch kind {
	case goentitle.KindPaymentSucceeded:
		err = classifyPaymentIntent(p.Data, ev)
	case goentitle.KindCheckoutCompleted:
		err = classifyCheckoutSession(p.Data, ev)
	case goentitle.KindSubscriptionCreated, goentitle.KindSubscriptionUpdated, goentitle.KindSubscriptionCanceled:
		err = classifySubscription(p.Data, ev)
	case goentitle.KindInvoicePaid, goentitle.KindInvoicePaymentFailed:
		err = classifyInvoice(p.Data, ev)
	}
	if err != nil {
		return nil, err
	}

	ev.AccountID = strings.TrimSpace(ev.AccountID)
	ev.MissingAccountID = ev.AccountID == ""
	return ev, nil
}

func classifyPaymentIntent(raw json.RawMessage, ev *goentitle.VerifiedEvent) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return goentitle.Permanent("decode payment intent", err)
	}
	ev.AccountID = accountFromMetadata(pi.Metadata)
	ev.TransactionID = pi.ID
	ev.Amount = pi.AmountReceived
	if ev.Amount == 0 {
		ev.Amount = pi.Amount
	}
	ev.Currency = string(pi.Currency)
	return nil
}

func classifyCheckoutSession(raw json.RawMessage, ev *goentitle.VerifiedEvent) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return goentitle.Permanent("decode checkout session", err)
	}

	ev.AccountID = session.ClientReferenceID
	if ev.AccountID == "" {
		ev.AccountID = accountFromMetadata(session.Metadata)
	}

	switch {
	case session.PaymentIntent != nil && session.PaymentIntent.ID != "":
		ev.TransactionID = session.PaymentIntent.ID
	case session.Invoice != nil && session.Invoice.ID != "":
		ev.TransactionID = session.Invoice.ID
	default:
		ev.TransactionID = session.ID
	}
	if session.Subscription != nil {
		ev.SubscriptionID = session.Subscription.ID
	}

	ev.Amount = session.AmountTotal
	ev.Currency = string(session.Currency)
	ev.PaymentPending = session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		session.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired
	return nil
}

func classifySubscription(raw json.RawMessage, ev *goentitle.VerifiedEvent) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return goentitle.Permanent("decode subscription", err)
	}
	ev.AccountID = accountFromMetadata(sub.Metadata)
	ev.SubscriptionID = sub.ID
	ev.SubscriptionStatus = string(sub.Status)
	return nil
}

// invoiceObject holds the invoice fields needed here. Since the 2025-03-31
// API version the subscription reference lives under parent.subscription_details.
type invoiceObject struct {
	ID         string            `json:"id"`
	AmountPaid int64             `json:"amount_paid"`
	AmountDue  int64             `json:"amount_due"`
	Currency   string            `json:"currency"`
	Metadata   map[string]string `json:"metadata"`

	Subscription        json.RawMessage       `json:"subscription"`
	SubscriptionDetails *subscriptionDetails  `json:"subscription_details"`
	Parent              *invoiceParentDetails `json:"parent"`
}

type invoiceParentDetails struct {
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
}

type subscriptionDetails struct {
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func classifyInvoice(raw json.RawMessage, ev *goentitle.VerifiedEvent) error {
	var inv invoiceObject
	if err := json.Unmarshal(raw, &inv); err != nil {
		return goentitle.Permanent("decode invoice", err)
	}

	var details []*subscriptionDetails
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details = append(details, inv.Parent.SubscriptionDetails)
	}
	if inv.SubscriptionDetails != nil {
		details = append(details, inv.SubscriptionDetails)
	}

	for _, d := range details {
		if ev.AccountID == "" {
			ev.AccountID = accountFromMetadata(d.Metadata)
		}
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = expandableID(d.Subscription)
		}
	}
	if ev.AccountID == "" {
		ev.AccountID = accountFromMetadata(inv.Metadata)
	}
	if ev.SubscriptionID == "" {
		ev.SubscriptionID = expandableID(inv.Subscription)
	}

	ev.TransactionID = inv.ID
	ev.Amount = inv.AmountPaid
	if ev.Kind == goentitle.KindInvoicePaymentFailed {
		ev.Amount = inv.AmountDue
	}
	ev.Currency = inv.Currency
	return nil
}

// isJSONObject reports whether raw holds a JSON object. The stripe-go
// expandable types accept a bare string as an id, so a string or scalar
// would otherwise decode without error.
func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func accountFromMetadata(md map[string]string) string {
	for _, key := range metadataAccountKeys {
		if v := strings.TrimSpace(md[key]); v != "" {
			return v
		}
	}
	return ""
}

// expandableID returns the id of a Stripe expandable field, which is either
// a bare string or an object with an "id".
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
