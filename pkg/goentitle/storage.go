package goentitle

import "context"

// Storage defines the interface for reconciliation persistence.
// All writes go through a Tx obtained from WithinTx so that the idempotency
// record, the ledger entry and the entitlement update commit or roll back
// together.
type Storage interface {
	// WithinTx runs fn inside one store transaction. The transaction commits
	// when fn returns nil and rolls back otherwise. Implementations may call fn
	// more than once when the store reports a retryable conflict, so fn must
	// not leak state between attempts.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetEntitlement retrieves an account's entitlement.
	// Returns ErrEntitlementNotFound when the account has no row.
	GetEntitlement(ctx context.Context, accountID string) (*EntitlementState, error)

	// GetIdempotencyRecord returns the record for an event id, or nil if the
	// event was never committed.
	GetIdempotencyRecord(ctx context.Context, eventID string) (*IdempotencyRecord, error)

	// GetLedgerEntry returns the ledger entry for a transaction id, or nil.
	GetLedgerEntry(ctx context.Context, transactionID string) (*LedgerEntry, error)

	// GetDeadLetters returns the audit records written for an event id.
	GetDeadLetters(ctx context.Context, eventID string) ([]*DeadLetter, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Tx is a single reconciliation transaction.
type Tx interface {
	// ReserveEvent inserts rec unless a record with the same event id exists.
	// It returns nil when the reservation is fresh, or the existing record when
	// the event was already processed. A concurrent reservation of the same id
	// resolves to exactly one fresh caller.
	ReserveEvent(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error)

	// CompleteEvent stamps the final outcome on a record reserved in this tx.
	CompleteEvent(ctx context.Context, eventID string, outcome Outcome) error

	// LockEntitlement reads an account's entitlement for update. A missing row
	// yields a zero state for the account, not an error.
	LockEntitlement(ctx context.Context, accountID string) (*EntitlementState, error)

	// PutEntitlement writes an account's entitlement.
	PutEntitlement(ctx context.Context, state *EntitlementState) error

	// InsertLedgerEntry inserts entry unless its transaction id already exists.
	// It reports whether the row was inserted.
	InsertLedgerEntry(ctx context.Context, entry *LedgerEntry) (bool, error)

	// RecordDeadLetter appends an audit record.
	RecordDeadLetter(ctx context.Context, dl *DeadLetter) error
}
