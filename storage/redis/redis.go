// Package redis provides a Redis implementation of the goentitle.Storage interface.
// Transactions are optimistic: every key a reconciliation reads is WATCHed,
// writes are buffered and sent in one MULTI/EXEC, and a conflicting write
// by another client aborts the EXEC and reruns the whole unit of work.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is the hash tag all keys share (default: "goentitle").
	// A shared tag keeps every key in one cluster slot so MULTI/EXEC works
	// on Redis Cluster too.
	KeyPrefix string

	// EventTTL is the TTL for idempotency records (default 0: kept forever).
	// Entitlements and ledger entries never expire.
	EventTTL time.Duration

	// MaxRetries is the maximum number of reruns after a WATCH conflict (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "goentitle",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	return &Storage{client: client, config: config}, nil
}

// WithinTx implements goentitle.Storage
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx goentitle.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			t := newTx(s, rtx)
			if err := fn(ctx, t); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return t.commit(ctx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr) && attempt < s.config.MaxRetries:
			continue
		default:
			return classifyError(err)
		}
	}
}

// GetEntitlement implements goentitle.Storage
func (s *Storage) GetEntitlement(ctx context.Context, accountID string) (*goentitle.EntitlementState, error) {
	var state goentitle.EntitlementState
	found, err := getJSON(ctx, s.client, s.entitlementKey(accountID), &state)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get entitlement: %w", err))
	}
	if !found {
		return nil, goentitle.ErrEntitlementNotFound
	}
	return &state, nil
}

// GetIdempotencyRecord implements goentitle.Storage
func (s *Storage) GetIdempotencyRecord(ctx context.Context, eventID string) (*goentitle.IdempotencyRecord, error) {
	var rec goentitle.IdempotencyRecord
	found, err := getJSON(ctx, s.client, s.eventKey(eventID), &rec)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get idempotency record: %w", err))
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// GetLedgerEntry implements goentitle.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, transactionID string) (*goentitle.LedgerEntry, error) {
	var entry goentitle.LedgerEntry
	found, err := getJSON(ctx, s.client, s.ledgerKey(transactionID), &entry)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get ledger entry: %w", err))
	}
	if !found {
		return nil, nil
	}
	return &entry, nil
}

// GetDeadLetters implements goentitle.Storage
func (s *Storage) GetDeadLetters(ctx context.Context, eventID string) ([]*goentitle.DeadLetter, error) {
	items, err := s.client.LRange(ctx, s.deadLetterKey(eventID), 0, -1).Result()
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to get dead letters: %w", err))
	}
	out := make([]*goentitle.DeadLetter, 0, len(items))
	for _, item := range items {
		var dl goentitle.DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, &dl)
	}
	return out, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("{%s}:event:%s", s.config.KeyPrefix, eventID)
}

func (s *Storage) entitlementKey(accountID string) string {
	return fmt.Sprintf("{%s}:entitlement:%s", s.config.KeyPrefix, accountID)
}

func (s *Storage) ledgerKey(transactionID string) string {
	return fmt.Sprintf("{%s}:ledger:%s", s.config.KeyPrefix, transactionID)
}

func (s *Storage) deadLetterKey(eventID string) string {
	return fmt.Sprintf("{%s}:deadletter:%s", s.config.KeyPrefix, eventID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getJSON reads key into dst and reports whether the key existed.
func getJSON(ctx context.Context, c getter, key string, dst interface{}) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if goentitle.IsPermanent(err) || errors.Is(err, goentitle.ErrTransientStore) {
		return err
	}
	return fmt.Errorf("%w: %w", goentitle.ErrTransientStore, err)
}

var _ goentitle.Storage = (*Storage)(nil)
