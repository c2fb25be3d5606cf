package goentitle

import "time"

// Verifier authenticates a raw notification body against its signature header.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*VerifiedPayload, error)
}

// Classifier maps a verified payload onto a provider-neutral event.
// It returns ErrUnsupportedEventKind for types outside the allow-list.
type Classifier interface {
	Classify(p *VerifiedPayload) (*VerifiedEvent, error)
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds coordinator configuration
type Config struct {
	// ProcessingTimeout bounds one notification end to end (default: 10 seconds)
	ProcessingTimeout time.Duration

	// EntitledStatuses lists subscription statuses that grant entitlement (default: "active")
	EntitledStatuses []string

	// Emitter receives entitlement changes after commit (default: none)
	Emitter Emitter

	// Metrics is used for tracking reconciliation (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// CircuitBreakerConfig wraps the storage in a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Clock returns the current time (default: time.Now in UTC)
	Clock func() time.Time
}

const (
	defaultProcessingTimeout = 10 * time.Second
	defaultFailureThreshold  = 5
	defaultResetTimeout      = 30 * time.Second
)

func (c *Config) setDefaults() {
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = defaultProcessingTimeout
	}
	if len(c.EntitledStatuses) == 0 {
		c.EntitledStatuses = []string{"active"}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cb := c.CircuitBreakerConfig; cb != nil && cb.Enabled {
		if cb.FailureThreshold <= 0 {
			cb.FailureThreshold = defaultFailureThreshold
		}
		if cb.ResetTimeout <= 0 {
			cb.ResetTimeout = defaultResetTimeout
		}
	}
}
