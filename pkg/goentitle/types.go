package goentitle

import (
	"encoding/json"
	"time"
)

// EventKind is the provider-neutral category of a verified payment event.
type EventKind string

const (
	KindPaymentSucceeded     EventKind = "payment_succeeded"
	KindCheckoutCompleted    EventKind = "checkout_completed"
	KindSubscriptionCreated  EventKind = "subscription_created"
	KindSubscriptionUpdated  EventKind = "subscription_updated"
	KindSubscriptionCanceled EventKind = "subscription_canceled"
	KindInvoicePaid          EventKind = "invoice_paid"
	KindInvoicePaymentFailed EventKind = "invoice_payment_failed"
)

// CarriesPayment reports whether events of this kind move money and therefore
// produce a ledger entry keyed by transaction id.
func (k EventKind) CarriesPayment() bool {
	switch k {
	case KindPaymentSucceeded, KindCheckoutCompleted, KindInvoicePaid:
		return true
	default:
		return false
	}
}

// Outcome is the result stamped on an idempotency record.
type Outcome string

const (
	OutcomeApplied                 Outcome = "applied"
	OutcomeStale                   Outcome = "stale"
	OutcomeDuplicateTransaction    Outcome = "duplicate_transaction"
	OutcomeIgnoredMissingReference Outcome = "ignored_missing_reference"
	OutcomeAwaitingPayment         Outcome = "awaiting_payment"
	OutcomeRecorded                Outcome = "recorded"
	OutcomeDeadLettered            Outcome = "dead_lettered"

	// OutcomeIgnored is reported for unsupported kinds. It is never stored.
	OutcomeIgnored Outcome = "ignored"

	// OutcomePending marks a reservation whose transaction has not committed yet.
	OutcomePending Outcome = "pending"
)

// Dead-letter reasons.
const (
	ReasonMissingAccountReference = "missing_account_reference"
	ReasonPermanentDataError      = "permanent_data_error"
	ReasonInvoicePaymentFailed    = "invoice_payment_failed"
)

// VerifiedPayload is a notification whose signature and freshness have been
// checked. Data holds the raw event object exactly as delivered.
type VerifiedPayload struct {
	EventID   string
	Type      string
	CreatedAt time.Time
	Livemode  bool
	Data      json.RawMessage
}

// VerifiedEvent is a classified, provider-neutral payment event.
type VerifiedEvent struct {
	ID           string
	Kind         EventKind
	ProviderType string
	CreatedAt    time.Time

	// AccountID is the application user id the event refers to. It is empty
	// and MissingAccountID is set when the payload carried no reference.
	AccountID        string
	MissingAccountID bool

	TransactionID string
	Amount        int64
	Currency      string

	SubscriptionID     string
	SubscriptionStatus string

	// PaymentPending is set for checkout completions whose payment has not
	// settled (asynchronous payment methods).
	PaymentPending bool

	Payload json.RawMessage
}

// IdempotencyRecord marks an event id as processed.
type IdempotencyRecord struct {
	EventID     string    `json:"event_id"`
	Kind        EventKind `json:"kind"`
	Outcome     Outcome   `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}

// LedgerEntry is one settled payment, unique by TransactionID.
type LedgerEntry struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	EventID       string    `json:"event_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	AppliedAt     time.Time `json:"applied_at"`
}

// EntitlementState is the current entitlement of one account together with
// the ordering key of the event that last changed it.
type EntitlementState struct {
	AccountID     string    `json:"account_id"`
	Entitled      bool      `json:"entitled"`
	LastEventID   string    `json:"last_event_id"`
	Watermark     time.Time `json:"watermark"`
	WatermarkRank int       `json:"watermark_rank"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DeadLetter is an audit record for an event that could not be applied.
type DeadLetter struct {
	ID         string          `json:"id"`
	EventID    string          `json:"event_id"`
	Kind       EventKind       `json:"kind"`
	AccountID  string          `json:"account_id,omitempty"`
	Reason     string          `json:"reason"`
	Detail     string          `json:"detail,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// EntitlementChange is emitted after a reconciliation transaction commits
// and flipped an account's entitlement.
type EntitlementChange struct {
	AccountID  string    `json:"account_id"`
	Entitled   bool      `json:"entitled"`
	Previous   bool      `json:"previous"`
	EventID    string    `json:"event_id"`
	Kind       EventKind `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ReconciliationOutcome describes what a single Reconcile call did.
type ReconciliationOutcome struct {
	Outcome    Outcome
	Change     *EntitlementChange
	DeadLetter *DeadLetter
}
