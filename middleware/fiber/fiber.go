// Package fiber provides Fiber middleware that gates routes on the usage ledger
package fiber

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// SessionKey is the Fiber locals key holding the loaded *ledger.Session
const SessionKey = "usageSession"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the usage ledger instance
	Ledger *ledger.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnPaymentRequired is called when the user has no generations left
	// If nil, returns 402 with the usage view
	OnPaymentRequired func(c *fiber.Ctx, usage ledger.UsageView) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the session cannot be loaded
	OnError func(c *fiber.Ctx, err error) error
}

// Gate creates a Fiber middleware that rejects users who reached their usage limit
func Gate(cfg Config) fiber.Handler {
	if cfg.Ledger == nil {
		panic("celebmerge/fiber: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("celebmerge/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		session, err := cfg.Ledger.Session(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}

		usage := session.Snapshot()
		c.Set("X-Usage-Remaining", strconv.Itoa(usage.RemainingUses))
		if usage.HasReachedLimit {
			if cfg.OnPaymentRequired != nil {
				return cfg.OnPaymentRequired(c, usage)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error": "Payment required",
				"usage": usage,
			})
		}
		if usage.ShowWarning {
			c.Set("X-Usage-Warning", strconv.Itoa(usage.UsageCount))
		}

		c.Locals(SessionKey, session)
		return c.Next()
	}
}

func defaultError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidUserID):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid user ID"})
	case ledger.IsConnectivityError(err):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": ledger.NoticeOffline})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}
