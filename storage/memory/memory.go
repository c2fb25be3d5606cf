// Package memory provides an in-memory implementation of the goentitle.Storage interface.
// This implementation is primarily intended for testing and development.
//
// Transactions are serialized store-wide. Writes are buffered in the
// transaction and applied only when the transaction function succeeds, so a
// failed reconciliation leaves no trace.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Storage using in-memory maps
type Storage struct {
	txMu sync.Mutex // serializes WithinTx

	mu           sync.RWMutex // guards the maps below
	events       map[string]*goentitle.IdempotencyRecord
	ledger       map[string]*goentitle.LedgerEntry
	entitlements map[string]*goentitle.EntitlementState
	deadLetters  []*goentitle.DeadLetter
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		events:       make(map[string]*goentitle.IdempotencyRecord),
		ledger:       make(map[string]*goentitle.LedgerEntry),
		entitlements: make(map[string]*goentitle.EntitlementState),
	}
}

// WithinTx implements goentitle.Storage
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := newTx(s)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	// A deadline that passed while fn ran still aborts the commit.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.commit(tx)
	return nil
}

func (s *Storage) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range tx.events {
		s.events[id] = rec
	}
	for id, entry := range tx.ledger {
		s.ledger[id] = entry
	}
	for id, state := range tx.entitlements {
		s.entitlements[id] = state
	}
	s.deadLetters = append(s.deadLetters, tx.deadLetters...)
}

// GetEntitlement implements goentitle.Storage
func (s *Storage) GetEntitlement(_ context.Context, accountID string) (*goentitle.EntitlementState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.entitlements[accountID]
	if !ok {
		return nil, goentitle.ErrEntitlementNotFound
	}
	stateCopy := *state
	return &stateCopy, nil
}

// GetIdempotencyRecord implements goentitle.Storage
func (s *Storage) GetIdempotencyRecord(_ context.Context, eventID string) (*goentitle.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

// GetLedgerEntry implements goentitle.Storage
func (s *Storage) GetLedgerEntry(_ context.Context, transactionID string) (*goentitle.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.ledger[transactionID]
	if !ok {
		return nil, nil
	}
	entryCopy := *entry
	return &entryCopy, nil
}

// GetDeadLetters implements goentitle.Storage
func (s *Storage) GetDeadLetters(_ context.Context, eventID string) ([]*goentitle.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*goentitle.DeadLetter
	for _, dl := range s.deadLetters {
		if dl.EventID == eventID {
			dlCopy := *dl
			out = append(out, &dlCopy)
		}
	}
	return out, nil
}

// Ping implements goentitle.Storage
func (s *Storage) Ping(_ context.Context) error {
	return nil
}

// LedgerSize returns the number of ledger entries (for tests and diagnostics).
func (s *Storage) LedgerSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

// EventCount returns the number of idempotency records.
func (s *Storage) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// memTx buffers writes until commit. Reads see buffered writes first.
type memTx struct {
	s            *Storage
	events       map[string]*goentitle.IdempotencyRecord
	ledger       map[string]*goentitle.LedgerEntry
	entitlements map[string]*goentitle.EntitlementState
	deadLetters  []*goentitle.DeadLetter
}

func newTx(s *Storage) *memTx {
	return &memTx{
		s:            s,
		events:       make(map[string]*goentitle.IdempotencyRecord),
		ledger:       make(map[string]*goentitle.LedgerEntry),
		entitlements: make(map[string]*goentitle.EntitlementState),
	}
}

func (t *memTx) ReserveEvent(_ context.Context, rec *goentitle.IdempotencyRecord) (*goentitle.IdempotencyRecord, error) {
	if rec == nil || rec.EventID == "" {
		return nil, fmt.Errorf("invalid idempotency record")
	}
	if existing, ok := t.events[rec.EventID]; ok {
		existingCopy := *existing
		return &existingCopy, nil
	}

	t.s.mu.RLock()
	existing, ok := t.s.events[rec.EventID]
	t.s.mu.RUnlock()
	if ok {
		existingCopy := *existing
		return &existingCopy, nil
	}

	recCopy := *rec
	t.events[rec.EventID] = &recCopy
	return nil, nil
}

func (t *memTx) CompleteEvent(_ context.Context, eventID string, outcome goentitle.Outcome) error {
	rec, ok := t.events[eventID]
	if !ok {
		return fmt.Errorf("event %s not reserved in this transaction", eventID)
	}
	rec.Outcome = outcome
	return nil
}

func (t *memTx) LockEntitlement(_ context.Context, accountID string) (*goentitle.EntitlementState, error) {
	if state, ok := t.entitlements[accountID]; ok {
		stateCopy := *state
		return &stateCopy, nil
	}

	t.s.mu.RLock()
	state, ok := t.s.entitlements[accountID]
	t.s.mu.RUnlock()
	if !ok {
		return &goentitle.EntitlementState{AccountID: accountID}, nil
	}
	stateCopy := *state
	return &stateCopy, nil
}

func (t *memTx) PutEntitlement(_ context.Context, state *goentitle.EntitlementState) error {
	if state == nil || state.AccountID == "" {
		return fmt.Errorf("invalid entitlement")
	}
	stateCopy := *state
	t.entitlements[state.AccountID] = &stateCopy
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, entry *goentitle.LedgerEntry) (bool, error) {
	if entry == nil || entry.TransactionID == "" {
		return false, fmt.Errorf("invalid ledger entry")
	}
	if _, ok := t.ledger[entry.TransactionID]; ok {
		return false, nil
	}

	t.s.mu.RLock()
	_, ok := t.s.ledger[entry.TransactionID]
	t.s.mu.RUnlock()
	if ok {
		return false, nil
	}

	entryCopy := *entry
	t.ledger[entry.TransactionID] = &entryCopy
	return true, nil
}

func (t *memTx) RecordDeadLetter(_ context.Context, dl *goentitle.DeadLetter) error {
	if dl == nil || dl.EventID == "" {
		return fmt.Errorf("invalid dead letter")
	}
	dlCopy := *dl
	t.deadLetters = append(t.deadLetters, &dlCopy)
	return nil
}
