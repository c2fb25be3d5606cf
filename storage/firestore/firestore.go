// Package firestore provides a Firestore implementation of the goentitle.Storage interface.
// Reconciliation runs inside a Firestore read-write transaction; writes are
// buffered until every read is done because Firestore rejects reads issued
// after a write in the same transaction.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	eventsCollection       string
	entitlementsCollection string
	ledgerCollection       string
	deadLettersCollection  string
	eventTTL               time.Duration
	maxAttempts            int
}

// Config holds Firestore storage configuration
type Config struct {
	// EventsCollection is the Firestore collection for idempotency records
	// Default: "billing_processed_events"
	EventsCollection string

	// EntitlementsCollection is the Firestore collection for account entitlements
	// Default: "billing_entitlements"
	EntitlementsCollection string

	// LedgerCollection is the Firestore collection for applied payments
	// Default: "billing_payment_ledger"
	LedgerCollection string

	// DeadLettersCollection is the Firestore collection for audit records
	// Default: "billing_dead_letters"
	DeadLettersCollection string

	// EventTTL stamps an expireAt field on idempotency records for use with a
	// Firestore TTL policy. Zero disables the field.
	EventTTL time.Duration

	// MaxAttempts bounds RunTransaction retries on contention (default: 5)
	MaxAttempts int
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_processed_events"
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "billing_entitlements"
	}
	if config.LedgerCollection == "" {
		config.LedgerCollection = "billing_payment_ledger"
	}
	if config.DeadLettersCollection == "" {
		config.DeadLettersCollection = "billing_dead_letters"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	return &Storage{
		client:                 client,
		eventsCollection:       config.EventsCollection,
		entitlementsCollection: config.EntitlementsCollection,
		ledgerCollection:       config.LedgerCollection,
		deadLettersCollection:  config.DeadLettersCollection,
		eventTTL:               config.EventTTL,
		maxAttempts:            config.MaxAttempts,
	}, nil
}

// WithinTx implements goentitle.Storage
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		t := newTx(s, ftx)
		if err := fn(ctx, t); err != nil {
			return err
		}
		return t.flush()
	}, firestore.MaxAttempts(s.maxAttempts))
	return classifyError(err)
}

// GetEntitlement implements goentitle.Storage
func (s *Storage) GetEntitlement(ctx context.Context, accountID string) (*goentitle.EntitlementState, error) {
	if checkDocID("account id", accountID) != nil {
		return nil, goentitle.ErrEntitlementNotFound
	}
	snap, err := s.client.Collection(s.entitlementsCollection).Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goentitle.ErrEntitlementNotFound
		}
		return nil, classifyError(fmt.Errorf("failed to get entitlement: %w", err))
	}
	if !snap.Exists() {
		return nil, goentitle.ErrEntitlementNotFound
	}
	return entitlementFromData(accountID, snap.Data()), nil
}

// GetIdempotencyRecord implements goentitle.Storage
func (s *Storage) GetIdempotencyRecord(ctx context.Context, eventID string) (*goentitle.IdempotencyRecord, error) {
	if checkDocID("event id", eventID) != nil {
		return nil, nil
	}
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, classifyError(fmt.Errorf("failed to get idempotency record: %w", err))
	}
	if !snap.Exists() {
		return nil, nil
	}
	return eventFromData(eventID, snap.Data()), nil
}

// GetLedgerEntry implements goentitle.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, transactionID string) (*goentitle.LedgerEntry, error) {
	if checkDocID("transaction id", transactionID) != nil {
		return nil, nil
	}
	snap, err := s.client.Collection(s.ledgerCollection).Doc(transactionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, classifyError(fmt.Errorf("failed to get ledger entry: %w", err))
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &goentitle.LedgerEntry{
		TransactionID: transactionID,
		AccountID:     getString(data, "accountID"),
		EventID:       getString(data, "eventID"),
		Amount:        getInt64(data, "amount"),
		Currency:      getString(data, "currency"),
		AppliedAt:     getTime(data, "appliedAt"),
	}, nil
}

// GetDeadLetters implements goentitle.Storage
func (s *Storage) GetDeadLetters(ctx context.Context, eventID string) ([]*goentitle.DeadLetter, error) {
	docs, err := s.client.Collection(s.deadLettersCollection).
		Where("eventID", "==", eventID).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get dead letters: %w", err))
	}

	out := make([]*goentitle.DeadLetter, 0, len(docs))
	for _, doc := range docs {
		data := doc.Data()
		dl := &goentitle.DeadLetter{
			ID:         doc.Ref.ID,
			EventID:    eventID,
			Kind:       goentitle.EventKind(getString(data, "kind")),
			AccountID:  getString(data, "accountID"),
			Reason:     getString(data, "reason"),
			Detail:     getString(data, "detail"),
			RecordedAt: getTime(data, "recordedAt"),
		}
		if payload, ok := data["payload"].([]byte); ok {
			dl.Payload = payload
		}
		out = append(out, dl)
	}
	// ordered client-side to avoid a composite index
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// Ping checks Firestore connectivity with a single document read
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.entitlementsCollection).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return classifyError(err)
	}
	return nil
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(eventID)
}

func (s *Storage) entitlementDoc(accountID string) *firestore.DocumentRef {
	return s.client.Collection(s.entitlementsCollection).Doc(accountID)
}

func (s *Storage) ledgerDoc(transactionID string) *firestore.DocumentRef {
	return s.client.Collection(s.ledgerCollection).Doc(transactionID)
}

// classifyError maps gRPC status codes onto the reconciliation error classes.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if goentitle.IsPermanent(err) || errors.Is(err, goentitle.ErrTransientStore) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.OutOfRange:
		return goentitle.Permanent("firestore rejected write", err)
	default:
		return fmt.Errorf("%w: %w", goentitle.ErrTransientStore, err)
	}
}

func entitlementFromData(accountID string, data map[string]interface{}) *goentitle.EntitlementState {
	return &goentitle.EntitlementState{
		AccountID:     accountID,
		Entitled:      getBool(data, "entitled"),
		LastEventID:   getString(data, "lastEventID"),
		Watermark:     getTime(data, "watermark"),
		WatermarkRank: int(getInt64(data, "watermarkRank")),
		UpdatedAt:     getTime(data, "updatedAt"),
	}
}

func eventFromData(eventID string, data map[string]interface{}) *goentitle.IdempotencyRecord {
	return &goentitle.IdempotencyRecord{
		EventID:     eventID,
		Kind:        goentitle.EventKind(getString(data, "kind")),
		Outcome:     goentitle.Outcome(getString(data, "outcome")),
		ProcessedAt: getTime(data, "processedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

var _ goentitle.Storage = (*Storage)(nil)
