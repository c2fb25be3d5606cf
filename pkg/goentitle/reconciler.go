package goentitle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reconciler applies classified events to the ledger and entitlement state
// inside a caller-provided transaction.
type Reconciler struct {
	entitled map[string]bool
	logger   Logger
	clock    func() time.Time
}

// NewReconciler creates a reconciler. Zero-valued config fields take defaults.
func NewReconciler(config Config) *Reconciler {
	config.setDefaults()
	statuses := make(map[string]bool, len(config.EntitledStatuses))
	for _, s := range config.EntitledStatuses {
		statuses[s] = true
	}
	return &Reconciler{
		entitled: statuses,
		logger:   config.Logger,
		clock:    config.Clock,
	}
}

// Reconcile applies ev through tx. It never commits; the caller owns the
// transaction. Returned errors are either permanent (see IsPermanent) or
// store failures that should roll the transaction back.
func (r *Reconciler) Reconcile(ctx context.Context, ev *VerifiedEvent, tx Tx) (*ReconciliationOutcome, error) {
	if ev.MissingAccountID || ev.AccountID == "" {
		r.logger.Warn("event has no account reference", eventFields(ev)...)
		dl := r.deadLetter(ev, ReasonMissingAccountReference, ErrMissingAccountReference.Error())
		if err := tx.RecordDeadLetter(ctx, dl); err != nil {
			return nil, fmt.Errorf("record dead letter: %w", err)
		}
		return &ReconciliationOutcome{Outcome: OutcomeIgnoredMissingReference, DeadLetter: dl}, nil
	}

	switch ev.Kind {
	case KindPaymentSucceeded, KindCheckoutCompleted, KindInvoicePaid:
		return r.reconcilePayment(ctx, ev, tx)
	case KindSubscriptionCreated, KindSubscriptionUpdated:
		return r.apply(ctx, ev, tx, r.entitled[ev.SubscriptionStatus])
	case KindSubscriptionCanceled:
		return r.apply(ctx, ev, tx, false)
	case KindInvoicePaymentFailed:
		dl := r.deadLetter(ev, ReasonInvoicePaymentFailed, "invoice "+ev.TransactionID)
		if err := tx.RecordDeadLetter(ctx, dl); err != nil {
			return nil, fmt.Errorf("record dead letter: %w", err)
		}
		return &ReconciliationOutcome{Outcome: OutcomeRecorded, DeadLetter: dl}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventKind, ev.Kind)
	}
}

func (r *Reconciler) reconcilePayment(ctx context.Context, ev *VerifiedEvent, tx Tx) (*ReconciliationOutcome, error) {
	if ev.PaymentPending {
		r.logger.Info("checkout completed with payment pending", eventFields(ev)...)
		return &ReconciliationOutcome{Outcome: OutcomeAwaitingPayment}, nil
	}
	if ev.TransactionID == "" {
		return nil, Permanent("payment event has no transaction id", nil)
	}
	if ev.Amount < 0 {
		return nil, Permanent(fmt.Sprintf("amount %d", ev.Amount), ErrInvalidAmount)
	}

	inserted, err := tx.InsertLedgerEntry(ctx, &LedgerEntry{
		TransactionID: ev.TransactionID,
		AccountID:     ev.AccountID,
		EventID:       ev.ID,
		Amount:        ev.Amount,
		Currency:      ev.Currency,
		AppliedAt:     r.clock(),
	})
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	if !inserted {
		r.logger.Info("transaction already in ledger",
			eventFields(ev, Field{"transaction_id", ev.TransactionID})...)
		return &ReconciliationOutcome{Outcome: OutcomeDuplicateTransaction}, nil
	}

	return r.apply(ctx, ev, tx, true)
}

// apply sets the account's entitlement if ev sorts after the stored watermark.
func (r *Reconciler) apply(ctx context.Context, ev *VerifiedEvent, tx Tx, entitled bool) (*ReconciliationOutcome, error) {
	state, err := tx.LockEntitlement(ctx, ev.AccountID)
	if err != nil {
		return nil, fmt.Errorf("lock entitlement: %w", err)
	}

	key := KeyOf(ev, entitled)
	if !key.Supersedes(state) {
		r.logger.Debug("stale event",
			eventFields(ev, Field{"watermark", state.Watermark}, Field{"last_event_id", state.LastEventID})...)
		return &ReconciliationOutcome{Outcome: OutcomeStale}, nil
	}

	previous := state.Entitled
	next := &EntitlementState{
		AccountID:     ev.AccountID,
		Entitled:      entitled,
		LastEventID:   ev.ID,
		Watermark:     ev.CreatedAt,
		WatermarkRank: key.Rank,
		UpdatedAt:     r.clock(),
	}
	if err := tx.PutEntitlement(ctx, next); err != nil {
		return nil, fmt.Errorf("put entitlement: %w", err)
	}

	out := &ReconciliationOutcome{Outcome: OutcomeApplied}
	if previous != entitled {
		out.Change = &EntitlementChange{
			AccountID:  ev.AccountID,
			Entitled:   entitled,
			Previous:   previous,
			EventID:    ev.ID,
			Kind:       ev.Kind,
			OccurredAt: ev.CreatedAt,
		}
	}
	return out, nil
}

func (r *Reconciler) deadLetter(ev *VerifiedEvent, reason, detail string) *DeadLetter {
	return &DeadLetter{
		ID:         uuid.NewString(),
		EventID:    ev.ID,
		Kind:       ev.Kind,
		AccountID:  ev.AccountID,
		Reason:     reason,
		Detail:     detail,
		Payload:    ev.Payload,
		RecordedAt: r.clock(),
	}
}
