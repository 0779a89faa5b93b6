// Package gin provides Gin middleware that gates routes on the usage ledger
package gin

import (
	"errors"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// SessionKey is the Gin context key holding the loaded *ledger.Session
const SessionKey = "usageSession"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Ledger is the usage ledger instance
	Ledger *ledger.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnPaymentRequired is called when the user has no generations left
	// If nil, returns 402 with the usage view
	OnPaymentRequired func(c *gongin.Context, usage ledger.UsageView)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the session cannot be loaded
	// If nil, returns 503 for connectivity errors and 500 otherwise
	OnError func(c *gongin.Context, err error)

	// OnWarning is called when the usage warning applies.
	// It should only set headers; the handler still runs afterwards.
	// If nil, a default X-Usage-Warning header is added.
	OnWarning func(c *gongin.Context, usage ledger.UsageView)
}

// Gate creates a Gin middleware that rejects users who reached their usage limit.
// It only checks; the use is recorded by the handler once the generation succeeded.
func Gate(cfg Config) gongin.HandlerFunc {
	if cfg.Ledger == nil {
		panic("celebmerge/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("celebmerge/gin: Config.GetUserID is required")
	}
	if cfg.OnWarning == nil {
		cfg.OnWarning = defaultWarning
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		session, err := cfg.Ledger.Session(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		usage := session.Snapshot()
		c.Header("X-Usage-Remaining", strconv.Itoa(usage.RemainingUses))
		c.Header("X-Usage-Limit", strconv.Itoa(usage.EffectiveLimit))

		if usage.HasReachedLimit {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, usage)
			} else {
				c.JSON(http.StatusPaymentRequired, gongin.H{
					"error": "Payment required",
					"usage": usage,
				})
			}
			c.Abort()
			return
		}

		if usage.ShowWarning {
			cfg.OnWarning(c, usage)
		}

		c.Set(SessionKey, session)
		c.Next()
	}
}

// SessionFrom returns the session stored by Gate, or nil
func SessionFrom(c *gongin.Context) *ledger.Session {
	if val, exists := c.Get(SessionKey); exists {
		if s, ok := val.(*ledger.Session); ok {
			return s
		}
	}
	return nil
}

func defaultError(c *gongin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gongin.H{"error": "Invalid user ID"})
	case ledger.IsConnectivityError(err):
		c.JSON(http.StatusServiceUnavailable, gongin.H{"error": ledger.NoticeOffline})
	default:
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
	}
}

func defaultWarning(c *gongin.Context, usage ledger.UsageView) {
	c.Header("X-Usage-Warning", strconv.Itoa(usage.UsageCount))
}

// FromContext returns a UserIDExtractor that gets user ID from Gin context values,
// as set by an auth middleware with c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
