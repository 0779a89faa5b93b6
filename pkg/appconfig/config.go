// Package appconfig holds the tunable settings of the service as an immutable snapshot.
package appconfig

import (
	"math"
	"time"
)

// Config is a snapshot of every tunable value.
// It is loaded once at startup and passed by value into each component.
type Config struct {
	Usage   UsageConfig
	Payment PaymentConfig
	UI      UIConfig
	API     APIConfig
	Store   StoreConfig
}

// UsageConfig defines the metered usage limits
type UsageConfig struct {
	// FreeLimit is the number of generations allowed before payment. 0 means payment-only.
	FreeLimit int `env:"USAGE_FREE_LIMIT"`

	// PaymentAmount is the price of one credit pack in major currency units
	PaymentAmount float64 `env:"USAGE_PAYMENT_AMOUNT"`

	// PaymentUses is the number of generations unlocked by one payment
	PaymentUses int `env:"USAGE_PAYMENT_USES"`

	// WarningThreshold is the usage count at which a warning is shown
	WarningThreshold int `env:"USAGE_WARNING_THRESHOLD"`

	// MaxPaymentHistory caps the payment history embedded in a usage record
	MaxPaymentHistory int `env:"USAGE_MAX_PAYMENT_HISTORY"`
}

// PaymentConfig describes the charge created for a credit pack
type PaymentConfig struct {
	Currency    string `env:"PAYMENT_CURRENCY"`
	Description string `env:"PAYMENT_DESCRIPTION"`
}

// UIConfig holds presentation toggles read by the frontend
type UIConfig struct {
	ShowUsageWarning   bool `env:"UI_SHOW_USAGE_WARNING"`
	EnablePaymentModal bool `env:"UI_ENABLE_PAYMENT_MODAL"`
	ShowOfflineMode    bool `env:"UI_SHOW_OFFLINE_MODE"`
}

// APIConfig configures calls to the image generation endpoint
type APIConfig struct {
	Timeout        time.Duration `env:"API_TIMEOUT"`
	RetryAttempts  int           `env:"API_RETRY_ATTEMPTS"`
	RateLimitDelay time.Duration `env:"API_RATE_LIMIT_DELAY"`
}

// StoreConfig configures the record store and its local fallback
type StoreConfig struct {
	// EnableOfflineMode allows falling back to the local mirror when the store is unreachable
	EnableOfflineMode bool          `env:"STORE_ENABLE_OFFLINE_MODE"`
	SyncInterval      time.Duration `env:"STORE_SYNC_INTERVAL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Usage: UsageConfig{
			FreeLimit:         0,
			PaymentAmount:     0.99,
			PaymentUses:       2,
			WarningThreshold:  1,
			MaxPaymentHistory: 50,
		},
		Payment: PaymentConfig{
			Currency:    "usd",
			Description: "Additional image generations",
		},
		UI: UIConfig{
			ShowUsageWarning:   true,
			EnablePaymentModal: true,
			ShowOfflineMode:    true,
		},
		API: APIConfig{
			Timeout:        60 * time.Second,
			RetryAttempts:  3,
			RateLimitDelay: 5 * time.Second,
		},
		Store: StoreConfig{
			EnableOfflineMode: true,
			SyncInterval:      30 * time.Second,
		},
	}
}

// FreeLimit returns the number of free generations
func (c Config) FreeLimit() int { return c.Usage.FreeLimit }

// PaymentUses returns the number of generations unlocked by a payment
func (c Config) PaymentUses() int { return c.Usage.PaymentUses }

// PaymentAmount returns the credit pack price in major units
func (c Config) PaymentAmount() float64 { return c.Usage.PaymentAmount }

// PaymentAmountMinor returns the credit pack price in minor units (cents), rounded.
func (c Config) PaymentAmountMinor() int64 {
	return int64(math.Round(c.Usage.PaymentAmount * 100))
}

// WarningThreshold returns the usage count at which a warning is shown
func (c Config) WarningThreshold() int { return c.Usage.WarningThreshold }

// ShouldShowWarning reports whether a usage warning applies at count.
func (c Config) ShouldShowWarning(count int) bool {
	return c.UI.ShowUsageWarning && count >= c.Usage.WarningThreshold
}

// Validate checks the snapshot for internal consistency.
// Violations are reported, never corrected.
func (c Config) Validate() []string {
	var problems []string

	if c.Usage.FreeLimit < 1 {
		problems = append(problems, "FREE_LIMIT must be at least 1")
	}
	if c.Usage.PaymentAmount <= 0 {
		problems = append(problems, "PAYMENT_AMOUNT must be greater than 0")
	}
	if c.Usage.PaymentUses < 1 {
		problems = append(problems, "PAYMENT_USES must be at least 1")
	}
	if c.Usage.WarningThreshold >= c.Usage.FreeLimit {
		problems = append(problems, "WARNING_THRESHOLD must be less than FREE_LIMIT")
	}

	return problems
}
