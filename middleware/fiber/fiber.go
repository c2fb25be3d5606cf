// Package fiber provides Fiber middleware for entitlement enforcement
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// EntitlementKey is the Locals key RequireEntitlement stores the state under
const EntitlementKey = "goentitle.entitlement"

const defaultSignatureHeader = "Stripe-Signature"

// AccountIDExtractor extracts the account id from a Fiber context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *fiber.Ctx) string

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
	OnNotEntitled func(c *fiber.Ctx, state *goentitle.EntitlementState) error

	// OnUnauthorized is called when no account id could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireEntitlement creates a Fiber middleware that only lets entitled accounts through
func RequireEntitlement(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("goentitle/fiber: Config.Manager is required")
	}
	if cfg.GetAccountID == nil {
		panic("goentitle/fiber: Config.GetAccountID is required")
	}
	if cfg.NotEntitledStatusCode == 0 {
		cfg.NotEntitledStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		state, err := cfg.Manager.GetEntitlement(c.UserContext(), accountID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !state.Entitled {
			if cfg.OnNotEntitled != nil {
				return cfg.OnNotEntitled(c, state)
			}
			return c.Status(cfg.NotEntitledStatusCode).JSON(fiber.Map{
				"error":      "Entitlement required",
				"account_id": accountID,
			})
		}

		c.Locals(EntitlementKey, state)
		return c.Next()
	}
}

// Webhook mounts the notification endpoint on a Fiber app. Fiber's own
// BodyLimit caps the request size; the raw body reaches p unparsed.
func Webhook(p billing.Processor, signatureHeader string) fiber.Handler {
	if signatureHeader == "" {
		signatureHeader = defaultSignatureHeader
	}
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderCacheControl, "no-store")

		body := c.Body()
		if len(body) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(goentitle.AckBody{Error: "Webhook Error: empty body"})
		}
		// fiber reuses the request buffer after the handler returns
		payload := append([]byte(nil), body...)

		resp := p.Handle(c.UserContext(), payload, c.Get(signatureHeader))
		return c.Status(resp.Status).JSON(resp.Body)
	}
}

// Convenience extractors

// FromContext returns an AccountIDExtractor that gets the account id from Fiber context values (Locals)
func FromContext(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account id from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account id from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
