package goentitle_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const testSignature = "t=1,v1=ok"

// testEvent is the wire format understood by the fake verifier and classifier.
type testEvent struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Created int64  `json:"created"`
	Account string `json:"account,omitempty"`
	Tx      string `json:"tx,omitempty"`
	Amount  int64  `json:"amount,omitempty"`
	Status  string `json:"status,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

func (e testEvent) payload(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return b
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(payload []byte, header string) (*goentitle.VerifiedPayload, error) {
	if header != testSignature {
		return nil, &goentitle.SignatureError{Reason: "no_valid_signature"}
	}
	var e testEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, &goentitle.SignatureError{Reason: "invalid_payload", Err: err}
	}
	return &goentitle.VerifiedPayload{
		EventID:   e.ID,
		Type:      e.Kind,
		CreatedAt: time.Unix(e.Created, 0).UTC(),
		Data:      payload,
	}, nil
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(p *goentitle.VerifiedPayload) (*goentitle.VerifiedEvent, error) {
	var e testEvent
	if err := json.Unmarshal(p.Data, &e); err != nil {
		return nil, goentitle.Permanent("decode", err)
	}
	switch e.Kind {
	case "unsupported":
		return nil, goentitle.ErrUnsupportedEventKind
	case "malformed":
		return nil, goentitle.Permanent("malformed object", nil)
	}
	return &goentitle.VerifiedEvent{
		ID:                 e.ID,
		Kind:               goentitle.EventKind(e.Kind),
		ProviderType:       e.Kind,
		CreatedAt:          p.CreatedAt,
		AccountID:          e.Account,
		MissingAccountID:   e.Account == "",
		TransactionID:      e.Tx,
		Amount:             e.Amount,
		Currency:           "pln",
		SubscriptionStatus: e.Status,
		PaymentPending:     e.Pending,
		Payload:            p.Data,
	}, nil
}

// recordingEmitter collects emitted changes.
type recordingEmitter struct {
	mu      sync.Mutex
	changes []goentitle.EntitlementChange
}

func (r *recordingEmitter) Emit(change goentitle.EntitlementChange) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return true
}

func (r *recordingEmitter) Changes() []goentitle.EntitlementChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]goentitle.EntitlementChange(nil), r.changes...)
}

// FailingStorage wraps a storage and fails transactions while failTx is set.
type FailingStorage struct {
	goentitle.Storage
	mu     sync.Mutex
	failTx error
	calls  int
}

func (f *FailingStorage) SetFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTx = err
}

func (f *FailingStorage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error) error {
	f.mu.Lock()
	f.calls++
	failure := f.failTx
	f.mu.Unlock()

	if failure == nil {
		return f.Storage.WithinTx(ctx, fn)
	}
	// Run fn so the failure happens mid-transaction, then discard its writes.
	return f.Storage.WithinTx(ctx, func(ctx context.Context, tx goentitle.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return failure
	})
}

// slowStorage blocks every entitlement lock until ctx is done.
type slowStorage struct {
	goentitle.Storage
}

func (s *slowStorage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error) error {
	return s.Storage.WithinTx(ctx, func(ctx context.Context, tx goentitle.Tx) error {
		return fn(ctx, &slowTx{Tx: tx})
	})
}

type slowTx struct {
	goentitle.Tx
}

func (t *slowTx) LockEntitlement(ctx context.Context, accountID string) (*goentitle.EntitlementState, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestCoordinator(t *testing.T, storage goentitle.Storage, config goentitle.Config) *goentitle.Coordinator {
	t.Helper()
	if storage == nil {
		storage = memory.New()
	}
	c, err := goentitle.NewCoordinator(storage, fakeVerifier{}, fakeClassifier{}, config)
	require.NoError(t, err)
	return c
}

var errStoreDown = errors.New("connection refused")
