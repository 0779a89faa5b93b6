// Package echo provides Echo middleware that gates routes on the usage ledger
package echo

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// SessionKey is the Echo context key holding the loaded *ledger.Session
const SessionKey = "usageSession"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the usage ledger instance
	Ledger *ledger.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnPaymentRequired is called when the user has no generations left
	// If nil, returns 402 with the usage view
	OnPaymentRequired func(c echo.Context, usage ledger.UsageView) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the session cannot be loaded
	OnError func(c echo.Context, err error) error
}

// Gate creates an Echo middleware that rejects users who reached their usage limit
func Gate(cfg Config) echo.MiddlewareFunc {
	if cfg.Ledger == nil {
		panic("celebmerge/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("celebmerge/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			session, err := cfg.Ledger.Session(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			usage := session.Snapshot()
			c.Response().Header().Set("X-Usage-Remaining", strconv.Itoa(usage.RemainingUses))
			if usage.HasReachedLimit {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, usage)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
					"error": "Payment required",
					"usage": usage,
				})
			}
			if usage.ShowWarning {
				c.Response().Header().Set("X-Usage-Warning", strconv.Itoa(usage.UsageCount))
			}

			c.Set(SessionKey, session)
			return next(c)
		}
	}
}

func defaultError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidUserID):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid user ID"})
	case ledger.IsConnectivityError(err):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": ledger.NoticeOffline})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}
