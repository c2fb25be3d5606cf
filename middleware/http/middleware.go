// Package http provides HTTP middleware for entitlement enforcement
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// AccountIDExtractor extracts the account id from an HTTP request
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager answers entitlement reads (required)
	Manager *goentitle.Manager

	// GetAccountID extracts the account id from request (required)
	GetAccountID AccountIDExtractor

	// OnNotEntitled is called when the account holds no entitlement
	// If nil, returns 402 Payment Required
	OnNotEntitled func(w http.ResponseWriter, r *http.Request, state *goentitle.EntitlementState)

	// OnUnauthorized is called when no account id could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireEntitlement creates an HTTP middleware that only lets entitled
// accounts through. The entitlement state is stored in the request context.
func RequireEntitlement(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("goentitle/http: Config.Manager is required")
	}
	if config.GetAccountID == nil {
		panic("goentitle/http: Config.GetAccountID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			state, err := config.Manager.GetEntitlement(r.Context(), accountID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !state.Entitled {
				if config.OnNotEntitled != nil {
					config.OnNotEntitled(w, r, state)
				} else {
					http.Error(w, "Payment Required", http.StatusPaymentRequired)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithEntitlement(r.Context(), state)))
		})
	}
}

// HandlerFunc is RequireEntitlement for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireEntitlement(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// AccountIDKey is the context key for the account id
	AccountIDKey ContextKey = "entitle:accountID"

	entitlementKey ContextKey = "entitle:state"
)

// FromContext returns an AccountIDExtractor that gets the account id from request context
func FromContext(key ContextKey) AccountIDExtractor {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account id from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithAccountID adds the account id to request context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// WithEntitlement adds an entitlement state to ctx
func WithEntitlement(ctx context.Context, state *goentitle.EntitlementState) context.Context {
	return context.WithValue(ctx, entitlementKey, state)
}

// EntitlementFromContext returns the state stored by RequireEntitlement
func EntitlementFromContext(ctx context.Context) (*goentitle.EntitlementState, bool) {
	state, ok := ctx.Value(entitlementKey).(*goentitle.EntitlementState)
	return state, ok
}
