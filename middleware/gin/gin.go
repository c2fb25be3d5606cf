// Package gin provides Gin middleware for entitlement enforcement
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// EntitlementKey is the context key RequireEntitlement stores the state under
const EntitlementKey = "goentitle.entitlement"

// AccountIDExtractor extracts the account id from a Gin context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *gongin.Context) string

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
	OnNotEntitled func(c *gongin.Context, state *goentitle.EntitlementState)

	// OnUnauthorized is called when no account id could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireEntitlement creates a Gin middleware that only lets entitled accounts through
func RequireEntitlement(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("goentitle/gin: Config.Manager is required")
	}
	if cfg.GetAccountID == nil {
		panic("goentitle/gin: Config.GetAccountID is required")
	}
	if cfg.NotEntitledStatusCode == 0 {
		cfg.NotEntitledStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		state, err := cfg.Manager.GetEntitlement(c.Request.Context(), accountID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !state.Entitled {
			if cfg.OnNotEntitled != nil {
				cfg.OnNotEntitled(c, state)
			} else {
				c.JSON(cfg.NotEntitledStatusCode, gongin.H{"error": "Entitlement required", "account_id": accountID})
			}
			c.Abort()
			return
		}

		c.Set(EntitlementKey, state)
		c.Next()
	}
}

// Webhook mounts the notification endpoint on a Gin router. The raw body
// reaches the processor unparsed.
//
// Example:
//
//	r.POST("/webhook", gin.Webhook(coordinator, billing.WebhookConfig{}))
func Webhook(p billing.Processor, cfg billing.WebhookConfig) gongin.HandlerFunc {
	return gongin.WrapH(billing.WebhookHandler(p, cfg))
}

// Convenience extractors

// FromContext returns an AccountIDExtractor that gets the account id from Gin context values
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account id from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account id from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
