package goentitle

import "context"

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

// WithinTx counts the whole transaction as one call; fn itself runs unwrapped.
func (s *CircuitBreakerStorage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.WithinTx(ctx, fn)
	})
}

func (s *CircuitBreakerStorage) GetEntitlement(ctx context.Context, accountID string) (*EntitlementState, error) {
	var state *EntitlementState
	err := s.cb.Execute(ctx, func() error {
		var e error
		state, e = s.storage.GetEntitlement(ctx, accountID)
		return e
	})
	return state, err
}

func (s *CircuitBreakerStorage) GetIdempotencyRecord(ctx context.Context, eventID string) (*IdempotencyRecord, error) {
	var rec *IdempotencyRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetIdempotencyRecord(ctx, eventID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) GetLedgerEntry(ctx context.Context, transactionID string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.cb.Execute(ctx, func() error {
		var e error
		entry, e = s.storage.GetLedgerEntry(ctx, transactionID)
		return e
	})
	return entry, err
}

func (s *CircuitBreakerStorage) GetDeadLetters(ctx context.Context, eventID string) ([]*DeadLetter, error) {
	var dls []*DeadLetter
	err := s.cb.Execute(ctx, func() error {
		var e error
		dls, e = s.storage.GetDeadLetters(ctx, eventID)
		return e
	})
	return dls, err
}

func (s *CircuitBreakerStorage) Ping(ctx context.Context) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.Ping(ctx)
	})
}
