package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// pgTx implements goentitle.Tx on one pgx transaction
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ReserveEvent(ctx context.Context, rec *goentitle.IdempotencyRecord) (*goentitle.IdempotencyRecord, error) {
	// A concurrent insert of the same id blocks here until the other
	// transaction finishes; a rollback there lets this insert proceed.
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO processed_events (event_id, kind, outcome, processed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, string(rec.Kind), string(rec.Outcome), rec.ProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	prior, err := scanEvent(t.tx.QueryRow(ctx,
		`SELECT event_id, kind, outcome, processed_at FROM processed_events WHERE event_id = $1`,
		rec.EventID))
	if err != nil {
		return nil, fmt.Errorf("failed to read existing event: %w", err)
	}
	return prior, nil
}

func (t *pgTx) CompleteEvent(ctx context.Context, eventID string, outcome goentitle.Outcome) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE processed_events SET outcome = $2 WHERE event_id = $1`,
		eventID, string(outcome))
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s was not reserved", eventID)
	}
	return nil
}

func (t *pgTx) LockEntitlement(ctx context.Context, accountID string) (*goentitle.EntitlementState, error) {
	// Ensure the row exists so that FOR UPDATE has something to lock.
	_, err := t.tx.Exec(ctx,
		`INSERT INTO entitlements (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize entitlement: %w", err)
	}

	state, err := scanEntitlement(t.tx.QueryRow(ctx,
		`SELECT account_id, entitled, last_event_id, watermark, watermark_rank, updated_at
			FROM entitlements WHERE account_id = $1
			FOR UPDATE`,
		accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock entitlement: %w", err)
	}
	return state, nil
}

func (t *pgTx) PutEntitlement(ctx context.Context, state *goentitle.EntitlementState) error {
	var watermark *time.Time
	if !state.Watermark.IsZero() {
		watermark = &state.Watermark
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO entitlements (account_id, entitled, last_event_id, watermark, watermark_rank, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_id) DO UPDATE SET
				entitled = EXCLUDED.entitled,
				last_event_id = EXCLUDED.last_event_id,
				watermark = EXCLUDED.watermark,
				watermark_rank = EXCLUDED.watermark_rank,
				updated_at = EXCLUDED.updated_at`,
		state.AccountID, state.Entitled, state.LastEventID, watermark, state.WatermarkRank, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put entitlement: %w", err)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, entry *goentitle.LedgerEntry) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO payment_ledger (transaction_id, account_id, event_id, amount, currency, applied_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (transaction_id) DO NOTHING`,
		entry.TransactionID, entry.AccountID, entry.EventID, entry.Amount, entry.Currency, entry.AppliedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) RecordDeadLetter(ctx context.Context, dl *goentitle.DeadLetter) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO dead_letters (id, event_id, kind, account_id, reason, detail, payload, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		dl.ID, dl.EventID, string(dl.Kind), dl.AccountID, dl.Reason, dl.Detail, []byte(dl.Payload), dl.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return nil
}

func scanEntitlement(row pgx.Row) (*goentitle.EntitlementState, error) {
	var (
		state     goentitle.EntitlementState
		watermark *time.Time
		rank      int16
	)
	if err := row.Scan(
		&state.AccountID,
		&state.Entitled,
		&state.LastEventID,
		&watermark,
		&rank,
		&state.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if watermark != nil {
		state.Watermark = watermark.UTC()
	}
	state.WatermarkRank = int(rank)
	state.UpdatedAt = state.UpdatedAt.UTC()
	return &state, nil
}

func scanEvent(row pgx.Row) (*goentitle.IdempotencyRecord, error) {
	var (
		rec           goentitle.IdempotencyRecord
		kind, outcome string
	)
	if err := row.Scan(&rec.EventID, &kind, &outcome, &rec.ProcessedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	rec.Kind = goentitle.EventKind(kind)
	rec.Outcome = goentitle.Outcome(outcome)
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	return &rec, nil
}
