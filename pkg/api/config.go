package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const defaultMaxBodyBytes = 64 * 1024

// Config holds configuration for the entitlement API handler
type Config struct {
	// Manager answers entitlement reads (required)
	Manager *goentitle.Manager

	// Payments creates payment intents and checkout sessions.
	// If nil, the payment endpoints respond 501.
	Payments billing.Payments

	// GetAccountID extracts the account id for entitlement lookups.
	// Defaults to FromPathValue("accountID").
	GetAccountID func(*http.Request) string

	// OnError handles errors (validation, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// MaxBodyBytes caps JSON request bodies (default: 64 KiB)
	MaxBodyBytes int64

	Metrics goentitle.Metrics
	Logger  goentitle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

// NewHandler creates a new entitlement API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetAccountID == nil {
		config.GetAccountID = FromPathValue("accountID")
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Metrics == nil {
		config.Metrics = &goentitle.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &goentitle.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
	}, nil
}

// Helper functions for common account id extraction patterns

// FromPathValue returns a GetAccountID function that reads a ServeMux path wildcard
func FromPathValue(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// FromHeader returns a GetAccountID function that extracts the account id from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetAccountID function that extracts the account id from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}
