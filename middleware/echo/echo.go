// Package echo provides Echo middleware for entitlement enforcement
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// EntitlementKey is the context key RequireEntitlement stores the state under
const EntitlementKey = "goentitle.entitlement"

// AccountIDExtractor extracts the account id from an Echo context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager answers entitlement reads (required)
	Manager *goentitle.Manager

	// GetAccountID extracts the account id from context (required)
	GetAccountID AccountIDExtractor

	// NotEntitledStatusCode is returned when the account holds no entitlement
	// Default: 402 (Payment Required)
	NotEntitledStatusCode int

	// OnNotEntitled is called when the account holds no entitlement
	// If nil, uses default response: NotEntitledStatusCode JSON
	OnNotEntitled func(c echo.Context, state *goentitle.EntitlementState) error

	// OnUnauthorized is called when no account id could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireEntitlement creates an Echo middleware that only lets entitled accounts through
func RequireEntitlement(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("goentitle/echo: Config.Manager is required")
	}
	if cfg.GetAccountID == nil {
		panic("goentitle/echo: Config.GetAccountID is required")
	}
	if cfg.NotEntitledStatusCode == 0 {
		cfg.NotEntitledStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			state, err := cfg.Manager.GetEntitlement(c.Request().Context(), accountID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !state.Entitled {
				if cfg.OnNotEntitled != nil {
					return cfg.OnNotEntitled(c, state)
				}
				return c.JSON(cfg.NotEntitledStatusCode, map[string]string{
					"error":      "Entitlement required",
					"account_id": accountID,
				})
			}

			c.Set(EntitlementKey, state)
			return next(c)
		}
	}
}

// Webhook mounts the notification endpoint on an Echo router
//
// Example:
//
//	e.POST("/webhook", echo.Webhook(coordinator, billing.WebhookConfig{}))
func Webhook(p billing.Processor, cfg billing.WebhookConfig) echo.HandlerFunc {
	return echo.WrapHandler(billing.WebhookHandler(p, cfg))
}

// Convenience extractors

// FromContext returns an AccountIDExtractor that gets the account id from Echo context values
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account id from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account id from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
