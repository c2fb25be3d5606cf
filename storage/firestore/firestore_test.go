package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const testProjectID = "test-project"

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// setupTestStorage uses collection names unique to the test run
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupFirestoreClient(t)
	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())

	storage, err := New(client, Config{
		EventsCollection:       "test_events_" + suffix,
		EntitlementsCollection: "test_ent_" + suffix,
		LedgerCollection:       "test_ledger_" + suffix,
		DeadLettersCollection:  "test_dl_" + suffix,
		EventTTL:               time.Hour,
	})
	require.NoError(t, err)
	return storage
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	assert.NoError(t, classifyError(nil))
	assert.True(t, goentitle.IsPermanent(classifyError(status.Error(codes.InvalidArgument, "too big"))))
	assert.ErrorIs(t, classifyError(status.Error(codes.Aborted, "contention")), goentitle.ErrTransientStore)
	assert.ErrorIs(t, classifyError(status.Error(codes.Unavailable, "down")), goentitle.ErrTransientStore)
	assert.Equal(t, context.DeadlineExceeded, classifyError(context.DeadlineExceeded))
}

func TestDataHelpers(t *testing.T) {
	now := time.Now().UTC()
	data := map[string]interface{}{
		"entitled":      true,
		"lastEventID":   "evt_1",
		"watermark":     now,
		"watermarkRank": int64(1),
	}
	state := entitlementFromData("u1", data)
	assert.Equal(t, "u1", state.AccountID)
	assert.True(t, state.Entitled)
	assert.Equal(t, "evt_1", state.LastEventID)
	assert.Equal(t, goentitle.RankRevoke, state.WatermarkRank)
	assert.True(t, state.Watermark.Equal(now))

	assert.Equal(t, int64(3), getInt64(map[string]interface{}{"n": 2.6}, "n"))
	assert.Equal(t, "", getString(data, "missing"))
}

func TestCheckDocID(t *testing.T) {
	assert.NoError(t, checkDocID("account id", "user_1"))
	for _, id := range []string{"", "team/1", "a/b/c", ".", ".."} {
		err := checkDocID("account id", id)
		require.Error(t, err, id)
		assert.True(t, goentitle.IsPermanent(err), id)
	}
}

func TestTx_UnaddressableIDsArePermanent(t *testing.T) {
	// no client is needed: ids are rejected before a document ref is built
	tx := newTx(&Storage{}, nil)
	ctx := context.Background()

	_, err := tx.LockEntitlement(ctx, "team/1")
	assert.True(t, goentitle.IsPermanent(err))

	_, err = tx.ReserveEvent(ctx, &goentitle.IdempotencyRecord{EventID: "evt/1"})
	assert.True(t, goentitle.IsPermanent(err))

	_, err = tx.InsertLedgerEntry(ctx, &goentitle.LedgerEntry{TransactionID: "pi/1"})
	assert.True(t, goentitle.IsPermanent(err))

	_, err = (&Storage{}).GetEntitlement(ctx, "team/1")
	assert.ErrorIs(t, err, goentitle.ErrEntitlementNotFound)
}

func TestFirestore_WithinTx_CommitsAllWrites(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	err := storage.WithinTx(ctx, func(ctx context.Context, tx goentitle.Tx) error {
		prior, err := tx.ReserveEvent(ctx, &goentitle.IdempotencyRecord{
			EventID: "evt_1", Kind: goentitle.KindPaymentSucceeded, Outcome: goentitle.OutcomePending, ProcessedAt: now,
		})
		if err != nil || prior != nil {
			return errors.New("unexpected reservation result")
		}
		inserted, err := tx.InsertLedgerEntry(ctx, &goentitle.LedgerEntry{
			TransactionID: "pi_1", AccountID: "user1", EventID: "evt_1", Amount: 1999, Currency: "pln", AppliedAt: now,
		})
		if err != nil || !inserted {
			return errors.New("unexpected ledger result")
		}
		state, err := tx.LockEntitlement(ctx, "user1")
		if err != nil {
			return err
		}
		state.Entitled = true
		state.LastEventID = "evt_1"
		state.Watermark = now
		if err := tx.PutEntitlement(ctx, state); err != nil {
			return err
		}
		return tx.CompleteEvent(ctx, "evt_1", goentitle.OutcomeApplied)
	})
	require.NoError(t, err)

	rec, err := storage.GetIdempotencyRecord(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, goentitle.OutcomeApplied, rec.Outcome)
	assert.Equal(t, goentitle.KindPaymentSucceeded, rec.Kind)

	entry, err := storage.GetLedgerEntry(ctx, "pi_1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(1999), entry.Amount)

	state, err := storage.GetEntitlement(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, state.Entitled)
	assert.True(t, state.Watermark.Equal(now))
}

func TestFirestore_GetEntitlement_NotFound(t *testing.T) {
	storage := setupTestStorage(t)

	_, err := storage.GetEntitlement(context.Background(), "nobody")
	assert.ErrorIs(t, err, goentitle.ErrEntitlementNotFound)
}

func TestFirestore_WithinTx_ErrorWritesNothing(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := storage.WithinTx(ctx, func(ctx context.Context, tx goentitle.Tx) error {
		if _, err := tx.ReserveEvent(ctx, &goentitle.IdempotencyRecord{EventID: "evt_1"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := storage.GetIdempotencyRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFirestore_ReserveEvent_ReturnsPrior(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	reserve := func() *goentitle.IdempotencyRecord {
		var prior *goentitle.IdempotencyRecord
		require.NoError(t, storage.WithinTx(ctx, func(ctx context.Context, tx goentitle.Tx) error {
			var err error
			prior, err = tx.ReserveEvent(ctx, &goentitle.IdempotencyRecord{EventID: "evt_1", Outcome: goentitle.OutcomePending})
			if err != nil || prior != nil {
				return err
			}
			return tx.CompleteEvent(ctx, "evt_1", goentitle.OutcomeStale)
		}))
		return prior
	}

	assert.Nil(t, reserve())
	prior := reserve()
	require.NotNil(t, prior)
	assert.Equal(t, goentitle.OutcomeStale, prior.Outcome)
}

func TestFirestore_ConcurrentLedgerInsert(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	const workers = 5
	var (
		wg       sync.WaitGroup
		inserted int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var fresh bool
			err := storage.WithinTx(ctx, func(ctx context.Context, tx goentitle.Tx) error {
				var err error
				fresh, err = tx.InsertLedgerEntry(ctx, &goentitle.LedgerEntry{
					TransactionID: "pi_race", AccountID: "user1", EventID: fmt.Sprintf("evt_%d", i), Amount: 100,
				})
				return err
			})
			if err == nil && fresh {
				atomic.AddInt32(&inserted, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&inserted))
	entry, err := storage.GetLedgerEntry(ctx, "pi_race")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestFirestore_DeadLetters(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, reason := range []string{goentitle.ReasonMissingAccountReference, goentitle.ReasonPermanentDataError} {
		dl := &goentitle.DeadLetter{
			EventID:    "evt_1",
			Reason:     reason,
			Payload:    []byte(`{"id":"evt_1"}`),
			RecordedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, storage.WithinTx(ctx, func(ctx context.Context, tx goentitle.Tx) error {
			return tx.RecordDeadLetter(ctx, dl)
		}))
	}

	dls, err := storage.GetDeadLetters(ctx, "evt_1")
	require.NoError(t, err)
	require.Len(t, dls, 2)
	assert.Equal(t, goentitle.ReasonMissingAccountReference, dls[0].Reason)
	assert.NotEmpty(t, dls[0].ID)
	assert.JSONEq(t, `{"id":"evt_1"}`, string(dls[1].Payload))
}
