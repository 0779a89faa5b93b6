package appconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/celebmerge/pkg/appconfig"
)

func TestDefault(t *testing.T) {
	cfg := appconfig.Default()

	assert.Equal(t, 0, cfg.FreeLimit())
	assert.Equal(t, 0.99, cfg.PaymentAmount())
	assert.Equal(t, int64(99), cfg.PaymentAmountMinor())
	assert.Equal(t, 2, cfg.PaymentUses())
	assert.Equal(t, 1, cfg.WarningThreshold())
	assert.Equal(t, "usd", cfg.Payment.Currency)
	assert.Equal(t, "Additional image generations", cfg.Payment.Description)
	assert.Equal(t, 60*time.Second, cfg.API.Timeout)
	assert.Equal(t, 3, cfg.API.RetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.API.RateLimitDelay)
	assert.True(t, cfg.Store.EnableOfflineMode)
	assert.Equal(t, 30*time.Second, cfg.Store.SyncInterval)
}

func TestConfig_ShouldShowWarning(t *testing.T) {
	cfg := appconfig.Default()

	assert.False(t, cfg.ShouldShowWarning(0))
	assert.True(t, cfg.ShouldShowWarning(1))
	assert.True(t, cfg.ShouldShowWarning(5))

	cfg.UI.ShowUsageWarning = false
	assert.False(t, cfg.ShouldShowWarning(5))
}

func TestConfig_PaymentAmountMinorRounds(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Usage.PaymentAmount = 19.999
	assert.Equal(t, int64(2000), cfg.PaymentAmountMinor())

	cfg.Usage.PaymentAmount = 1.005
	assert.Equal(t, int64(100), cfg.PaymentAmountMinor())
}

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults report free limit problems", func(t *testing.T) {
		problems := appconfig.Default().Validate()
		assert.Equal(t, []string{
			"FREE_LIMIT must be at least 1",
			"WARNING_THRESHOLD must be less than FREE_LIMIT",
		}, problems)
	})

	t.Run("consistent config passes", func(t *testing.T) {
		cfg := appconfig.Default()
		cfg.Usage.FreeLimit = 3
		assert.Empty(t, cfg.Validate())
	})

	t.Run("all violations reported", func(t *testing.T) {
		cfg := appconfig.Config{}
		cfg.Usage.PaymentAmount = -1
		problems := cfg.Validate()
		assert.Len(t, problems, 4)
		assert.Contains(t, problems, "PAYMENT_AMOUNT must be greater than 0")
		assert.Contains(t, problems, "PAYMENT_USES must be at least 1")
	})

	t.Run("validation does not correct values", func(t *testing.T) {
		cfg := appconfig.Default()
		_ = cfg.Validate()
		assert.Equal(t, 0, cfg.FreeLimit())
	})
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("USAGE_FREE_LIMIT", "3")
	t.Setenv("USAGE_PAYMENT_AMOUNT", "4.50")
	t.Setenv("API_TIMEOUT", "15s")
	t.Setenv("UI_SHOW_USAGE_WARNING", "false")
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	t.Setenv("LISTEN_ADDR", ":9090")

	cfg, secrets, err := appconfig.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.FreeLimit())
	assert.Equal(t, int64(450), cfg.PaymentAmountMinor())
	assert.Equal(t, 15*time.Second, cfg.API.Timeout)
	assert.False(t, cfg.UI.ShowUsageWarning)
	// Untouched values keep their defaults
	assert.Equal(t, 2, cfg.PaymentUses())
	assert.Equal(t, "usd", cfg.Payment.Currency)

	assert.Equal(t, "gemini-key", secrets.GeminiAPIKey)
	assert.Equal(t, ":9090", secrets.ListenAddr)
	assert.Equal(t, "development", secrets.Environment)
	assert.False(t, secrets.IsProduction())
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CELEBMERGE_TEST_UNUSED=1\nUSAGE_MAX_PAYMENT_HISTORY=7\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("CELEBMERGE_TEST_UNUSED")
		os.Unsetenv("USAGE_MAX_PAYMENT_HISTORY")
	})

	cfg, _, err := appconfig.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Usage.MaxPaymentHistory)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("USAGE_PAYMENT_USES", "many")

	_, _, err := appconfig.Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestSecrets_Missing(t *testing.T) {
	s := &appconfig.Secrets{}
	assert.Equal(t, []string{
		"GEMINI_API_KEY",
		"STRIPE_SECRET_KEY",
		"STRIPE_PUBLISHABLE_KEY",
		"STRIPE_WEBHOOK_SECRET",
		"FIREBASE_PROJECT_ID",
	}, s.Missing())

	s = &appconfig.Secrets{
		GeminiAPIKey:         "g",
		StripeSecretKey:      "sk",
		StripePublishableKey: "pk",
		StripeWebhookSecret:  "whsec",
		PostgresURL:          "postgres://localhost/celebmerge",
	}
	assert.Empty(t, s.Missing())
}
