package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// redisTx buffers writes until commit. Reads go through the watching
// connection and WATCH the key first.
type redisTx struct {
	s   *Storage
	rtx *redis.Tx

	events       map[string]*goentitle.IdempotencyRecord
	entitlements map[string]*goentitle.EntitlementState
	ledger       map[string]*goentitle.LedgerEntry
	deadLetters  []*goentitle.DeadLetter
}

func newTx(s *Storage, rtx *redis.Tx) *redisTx {
	return &redisTx{
		s:            s,
		rtx:          rtx,
		events:       make(map[string]*goentitle.IdempotencyRecord),
		entitlements: make(map[string]*goentitle.EntitlementState),
		ledger:       make(map[string]*goentitle.LedgerEntry),
	}
}

func (t *redisTx) watch(ctx context.Context, key string) error {
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to watch %s: %w", key, err)
	}
	return nil
}

func (t *redisTx) ReserveEvent(ctx context.Context, rec *goentitle.IdempotencyRecord) (*goentitle.IdempotencyRecord, error) {
	if prior, ok := t.events[rec.EventID]; ok {
		cp := *prior
		return &cp, nil
	}

	key := t.s.eventKey(rec.EventID)
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}

	var prior goentitle.IdempotencyRecord
	found, err := getJSON(ctx, t.rtx, key, &prior)
	if err != nil {
		return nil, err
	}
	if found {
		return &prior, nil
	}

	cp := *rec
	t.events[rec.EventID] = &cp
	return nil, nil
}

func (t *redisTx) CompleteEvent(_ context.Context, eventID string, outcome goentitle.Outcome) error {
	rec, ok := t.events[eventID]
	if !ok {
		return fmt.Errorf("event %s was not reserved", eventID)
	}
	rec.Outcome = outcome
	return nil
}

func (t *redisTx) LockEntitlement(ctx context.Context, accountID string) (*goentitle.EntitlementState, error) {
	if state, ok := t.entitlements[accountID]; ok {
		cp := *state
		return &cp, nil
	}

	key := t.s.entitlementKey(accountID)
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}

	state := goentitle.EntitlementState{AccountID: accountID}
	if _, err := getJSON(ctx, t.rtx, key, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (t *redisTx) PutEntitlement(_ context.Context, state *goentitle.EntitlementState) error {
	cp := *state
	t.entitlements[state.AccountID] = &cp
	return nil
}

func (t *redisTx) InsertLedgerEntry(ctx context.Context, entry *goentitle.LedgerEntry) (bool, error) {
	if _, ok := t.ledger[entry.TransactionID]; ok {
		return false, nil
	}

	key := t.s.ledgerKey(entry.TransactionID)
	if err := t.watch(ctx, key); err != nil {
		return false, err
	}

	n, err := t.rtx.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	cp := *entry
	t.ledger[entry.TransactionID] = &cp
	return true, nil
}

func (t *redisTx) RecordDeadLetter(_ context.Context, dl *goentitle.DeadLetter) error {
	cp := *dl
	t.deadLetters = append(t.deadLetters, &cp)
	return nil
}

// commit sends all buffered writes in one MULTI/EXEC. EXEC fails with
// redis.TxFailedErr when a watched key changed since it was read.
func (t *redisTx) commit(ctx context.Context) error {
	type write struct {
		key string
		val []byte
		ttl time.Duration
	}
	var writes []write
	add := func(key string, v interface{}, ttl time.Duration) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		writes = append(writes, write{key: key, val: data, ttl: ttl})
		return nil
	}

	for id, rec := range t.events {
		if err := add(t.s.eventKey(id), rec, t.s.config.EventTTL); err != nil {
			return err
		}
	}
	for id, state := range t.entitlements {
		if err := add(t.s.entitlementKey(id), state, 0); err != nil {
			return err
		}
	}
	for id, entry := range t.ledger {
		if err := add(t.s.ledgerKey(id), entry, 0); err != nil {
			return err
		}
	}

	deadLetters := make(map[string][]interface{})
	for _, dl := range t.deadLetters {
		data, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter: %w", err)
		}
		key := t.s.deadLetterKey(dl.EventID)
		deadLetters[key] = append(deadLetters[key], data)
	}

	if len(writes) == 0 && len(deadLetters) == 0 {
		return nil
	}

	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			pipe.Set(ctx, w.key, w.val, w.ttl)
		}
		for key, items := range deadLetters {
			pipe.RPush(ctx, key, items...)
		}
		return nil
	})
	return err
}
