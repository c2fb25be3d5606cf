package goentitle

import "time"

// Metrics defines the interface for tracking reconciliation and its dependencies.
type Metrics interface {
	// RecordWebhookEvent records a handled notification by provider type and outcome.
	RecordWebhookEvent(eventType, outcome string, status int)

	// RecordWebhookProcessingDuration records end-to-end handling latency.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a failed notification by error category.
	RecordWebhookError(eventType, errorType string)

	// RecordEntitlementChange records a committed entitlement flip.
	RecordEntitlementChange(kind string, entitled bool)

	// RecordNotificationDropped records a post-commit signal that could not be delivered.
	RecordNotificationDropped(reason string)

	// RecordCacheHit records a cache hit for a specific cache type.
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordAPICall records an outbound payment provider API call.
	RecordAPICall(endpoint string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string, _ int)                     {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                            {}
func (n *NoopMetrics) RecordEntitlementChange(_ string, _ bool)                  {}
func (n *NoopMetrics) RecordNotificationDropped(_ string)                        {}
func (n *NoopMetrics) RecordCacheHit(_ string)                                   {}
func (n *NoopMetrics) RecordCacheMiss(_ string)                                  {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
func (n *NoopMetrics) RecordAPICall(_ string, _ time.Duration, _ error)          {}
