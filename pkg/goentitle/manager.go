package goentitle

import (
	"context"
	"errors"
	"time"
)

// ManagerConfig holds entitlement reader configuration
type ManagerConfig struct {
	// Cache stores recently read states (default: NoopCache)
	Cache Cache

	// CacheTTL is how long a read stays cached (default: 1 minute)
	CacheTTL time.Duration

	Metrics Metrics
	Logger  Logger
}

// Manager answers entitlement queries for gates and APIs. It never writes;
// entitlements change only through the Coordinator.
type Manager struct {
	storage Storage
	config  ManagerConfig
}

// NewManager creates a new entitlement reader over storage.
func NewManager(storage Storage, config ManagerConfig) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Cache == nil {
		config.Cache = &NoopCache{}
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Minute
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	return &Manager{storage: storage, config: config}, nil
}

// GetEntitlement returns the account's entitlement. Accounts no event has
// touched yet get a non-entitled zero state.
func (m *Manager) GetEntitlement(ctx context.Context, accountID string) (*EntitlementState, error) {
	if state, ok := m.config.Cache.Get(accountID); ok {
		m.config.Metrics.RecordCacheHit("entitlement")
		return state, nil
	}
	m.config.Metrics.RecordCacheMiss("entitlement")

	start := time.Now()
	state, err := m.storage.GetEntitlement(ctx, accountID)
	m.config.Metrics.RecordStorageOperation("get_entitlement", time.Since(start), ignoreNotFound(err))
	switch {
	case errors.Is(err, ErrEntitlementNotFound):
		state = &EntitlementState{AccountID: accountID}
	case err != nil:
		return nil, err
	}

	m.config.Cache.Set(accountID, state, m.config.CacheTTL)
	return state, nil
}

// IsEntitled reports whether the account currently holds the entitlement.
func (m *Manager) IsEntitled(ctx context.Context, accountID string) (bool, error) {
	state, err := m.GetEntitlement(ctx, accountID)
	if err != nil {
		return false, err
	}
	return state.Entitled, nil
}

// Notify implements Notifier by dropping the cached state of the changed
// account.
func (m *Manager) Notify(_ context.Context, change EntitlementChange) error {
	m.config.Cache.Invalidate(change.AccountID)
	m.config.Logger.Debug("entitlement cache invalidated", Field{"account_id", change.AccountID})
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrEntitlementNotFound) {
		return nil
	}
	return err
}
