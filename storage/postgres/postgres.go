// Package postgres provides a PostgreSQL implementation of the goentitle.Storage interface.
// Each reconciliation runs in one SQL transaction: the idempotency record is
// reserved with INSERT ... ON CONFLICT DO NOTHING and the entitlement row is
// locked with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// RunMigrations applies the embedded schema migrations on New
	RunMigrations bool

	// MaxRetries bounds reruns after serialization failures and deadlocks
	MaxRetries int

	// RetryBackoff is the base delay between reruns, doubled each attempt
	RetryBackoff time.Duration

	// Cleanup configuration. Idempotency records are kept forever unless
	// CleanupEnabled is set together with a positive EventRetention.
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventRetention  time.Duration // How long idempotency records are kept (0 = forever)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		RunMigrations:   true,
		MaxRetries:      3,
		RetryBackoff:    20 * time.Millisecond,
		CleanupEnabled:  false,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 20 * time.Millisecond
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.RunMigrations {
		if err := Migrate(config.ConnectionString); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return newStorage(pool, config), nil
}

// NewWithPool wraps an existing pool. The caller owns the schema.
func NewWithPool(pool *pgxpool.Pool, config Config) *Storage {
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 20 * time.Millisecond
	}
	return newStorage(pool, config)
}

func newStorage(pool *pgxpool.Pool, config Config) *Storage {
	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithinTx implements goentitle.Storage. Serialization failures and
// deadlocks rerun fn up to MaxRetries times.
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error) error {
	backoff := s.config.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) || attempt >= s.config.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return classifyError(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return classifyError(err)
}

func (s *Storage) runTx(ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetEntitlement implements goentitle.Storage
func (s *Storage) GetEntitlement(ctx context.Context, accountID string) (*goentitle.EntitlementState, error) {
	state, err := scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT account_id, entitled, last_event_id, watermark, watermark_rank, updated_at
			FROM entitlements WHERE account_id = $1`,
		accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goentitle.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get entitlement: %w", err))
	}
	return state, nil
}

// GetIdempotencyRecord implements goentitle.Storage
func (s *Storage) GetIdempotencyRecord(ctx context.Context, eventID string) (*goentitle.IdempotencyRecord, error) {
	rec, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT event_id, kind, outcome, processed_at FROM processed_events WHERE event_id = $1`,
		eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get idempotency record: %w", err))
	}
	return rec, nil
}

// GetLedgerEntry implements goentitle.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, transactionID string) (*goentitle.LedgerEntry, error) {
	var entry goentitle.LedgerEntry
	err := s.pool.QueryRow(ctx,
		`SELECT transaction_id, account_id, event_id, amount, currency, applied_at
			FROM payment_ledger WHERE transaction_id = $1`,
		transactionID).Scan(
		&entry.TransactionID,
		&entry.AccountID,
		&entry.EventID,
		&entry.Amount,
		&entry.Currency,
		&entry.AppliedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get ledger entry: %w", err))
	}
	return &entry, nil
}

// GetDeadLetters implements goentitle.Storage
func (s *Storage) GetDeadLetters(ctx context.Context, eventID string) ([]*goentitle.DeadLetter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, kind, account_id, reason, detail, payload, recorded_at
			FROM dead_letters WHERE event_id = $1 ORDER BY recorded_at, id`,
		eventID)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to query dead letters: %w", err))
	}
	defer rows.Close()

	var out []*goentitle.DeadLetter
	for rows.Next() {
		var (
			dl      goentitle.DeadLetter
			kind    string
			payload []byte
		)
		if err := rows.Scan(&dl.ID, &dl.EventID, &kind, &dl.AccountID, &dl.Reason, &dl.Detail, &payload, &dl.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Kind = goentitle.EventKind(kind)
		dl.Payload = payload
		dl.RecordedAt = dl.RecordedAt.UTC()
		out = append(out, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(fmt.Errorf("failed to read dead letters: %w", err))
	}
	return out, nil
}

// Ping implements goentitle.Storage
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// startCleanup runs periodic cleanup of expired idempotency records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // Cleanup is best-effort; the next tick retries
			_, _ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes idempotency records older than EventRetention and returns
// how many were removed. Ledger rows are never deleted, so a payment stays
// applied at most once even after its event record expires.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.EventRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.EventRetention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1 AND outcome <> $2`,
		cutoff, string(goentitle.OutcomePending))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ goentitle.Storage = (*Storage)(nil)

// Postgres error codes the storage reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	classIntegrity           = "23"
	classDataException       = "22"
)

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// classifyError maps driver errors onto goentitle's error categories.
// Errors that already carry a category pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if goentitle.IsPermanent(err) || errors.Is(err, goentitle.ErrTransientStore) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case classIntegrity, classDataException:
			return goentitle.Permanent("constraint violation", err)
		}
	}
	return fmt.Errorf("%w: %w", goentitle.ErrTransientStore, err)
}
