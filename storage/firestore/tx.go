package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

type fsTx struct {
	s   *Storage
	ftx *firestore.Transaction

	events       map[string]*goentitle.IdempotencyRecord
	entitlements map[string]*goentitle.EntitlementState
	ledger       map[string]*goentitle.LedgerEntry
	deadLetters  []*goentitle.DeadLetter
}

func newTx(s *Storage, ftx *firestore.Transaction) *fsTx {
	return &fsTx{
		s:            s,
		ftx:          ftx,
		events:       make(map[string]*goentitle.IdempotencyRecord),
		entitlements: make(map[string]*goentitle.EntitlementState),
		ledger:       make(map[string]*goentitle.LedgerEntry),
	}
}

// checkDocID rejects ids Firestore cannot address as a single document. Such
// an id will never become valid, so retrying the event cannot help.
func checkDocID(what, id string) error {
	if id == "" || strings.Contains(id, "/") || id == "." || id == ".." {
		return goentitle.Permanent(fmt.Sprintf("%s %q is not a valid document id", what, id), nil)
	}
	return nil
}

// get reads doc inside the transaction. A missing document yields nil data.
func (t *fsTx) get(doc *firestore.DocumentRef) (map[string]interface{}, error) {
	snap, err := t.ftx.Get(doc)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", doc.Path, err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return snap.Data(), nil
}

func (t *fsTx) ReserveEvent(_ context.Context, rec *goentitle.IdempotencyRecord) (*goentitle.IdempotencyRecord, error) {
	if prior, ok := t.events[rec.EventID]; ok {
		cp := *prior
		return &cp, nil
	}

	if err := checkDocID("event id", rec.EventID); err != nil {
		return nil, err
	}
	data, err := t.get(t.s.eventDoc(rec.EventID))
	if err != nil {
		return nil, err
	}
	if data != nil {
		return eventFromData(rec.EventID, data), nil
	}

	cp := *rec
	t.events[rec.EventID] = &cp
	return nil, nil
}

func (t *fsTx) CompleteEvent(_ context.Context, eventID string, outcome goentitle.Outcome) error {
	rec, ok := t.events[eventID]
	if !ok {
		return fmt.Errorf("event %s was not reserved", eventID)
	}
	rec.Outcome = outcome
	return nil
}

func (t *fsTx) LockEntitlement(_ context.Context, accountID string) (*goentitle.EntitlementState, error) {
	if state, ok := t.entitlements[accountID]; ok {
		cp := *state
		return &cp, nil
	}

	if err := checkDocID("account id", accountID); err != nil {
		return nil, err
	}
	data, err := t.get(t.s.entitlementDoc(accountID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &goentitle.EntitlementState{AccountID: accountID}, nil
	}
	return entitlementFromData(accountID, data), nil
}

func (t *fsTx) PutEntitlement(_ context.Context, state *goentitle.EntitlementState) error {
	cp := *state
	t.entitlements[state.AccountID] = &cp
	return nil
}

func (t *fsTx) InsertLedgerEntry(_ context.Context, entry *goentitle.LedgerEntry) (bool, error) {
	if _, ok := t.ledger[entry.TransactionID]; ok {
		return false, nil
	}

	if err := checkDocID("transaction id", entry.TransactionID); err != nil {
		return false, err
	}
	data, err := t.get(t.s.ledgerDoc(entry.TransactionID))
	if err != nil {
		return false, err
	}
	if data != nil {
		return false, nil
	}

	cp := *entry
	t.ledger[entry.TransactionID] = &cp
	return true, nil
}

func (t *fsTx) RecordDeadLetter(_ context.Context, dl *goentitle.DeadLetter) error {
	cp := *dl
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	t.deadLetters = append(t.deadLetters, &cp)
	return nil
}

// flush queues every buffered write on the transaction. Firestore applies
// them at commit.
func (t *fsTx) flush() error {
	for id, rec := range t.events {
		data := map[string]interface{}{
			"kind":        string(rec.Kind),
			"outcome":     string(rec.Outcome),
			"processedAt": rec.ProcessedAt,
		}
		if t.s.eventTTL > 0 {
			data["expireAt"] = rec.ProcessedAt.Add(t.s.eventTTL)
		}
		if err := t.ftx.Create(t.s.eventDoc(id), data); err != nil {
			return err
		}
	}

	for id, state := range t.entitlements {
		updatedAt := state.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if err := t.ftx.Set(t.s.entitlementDoc(id), map[string]interface{}{
			"entitled":      state.Entitled,
			"lastEventID":   state.LastEventID,
			"watermark":     state.Watermark,
			"watermarkRank": state.WatermarkRank,
			"updatedAt":     updatedAt,
		}); err != nil {
			return err
		}
	}

	for id, entry := range t.ledger {
		if err := t.ftx.Create(t.s.ledgerDoc(id), map[string]interface{}{
			"accountID": entry.AccountID,
			"eventID":   entry.EventID,
			"amount":    entry.Amount,
			"currency":  entry.Currency,
			"appliedAt": entry.AppliedAt,
		}); err != nil {
			return err
		}
	}

	for _, dl := range t.deadLetters {
		recordedAt := dl.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now().UTC()
		}
		data := map[string]interface{}{
			"eventID":    dl.EventID,
			"kind":       string(dl.Kind),
			"accountID":  dl.AccountID,
			"reason":     dl.Reason,
			"detail":     dl.Detail,
			"recordedAt": recordedAt,
		}
		if len(dl.Payload) > 0 {
			data["payload"] = []byte(dl.Payload)
		}
		if err := t.ftx.Create(t.s.client.Collection(t.s.deadLettersCollection).Doc(dl.ID), data); err != nil {
			return err
		}
	}
	return nil
}
