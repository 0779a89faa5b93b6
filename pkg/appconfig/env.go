package appconfig

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Secrets holds credentials and endpoints provided by the environment.
// Missing values are reported by Missing and never stop the process.
type Secrets struct {
	GeminiAPIKey         string `env:"GEMINI_API_KEY"`
	StripeSecretKey      string `env:"STRIPE_SECRET_KEY"`
	StripePublishableKey string `env:"STRIPE_PUBLISHABLE_KEY"`
	StripeWebhookSecret  string `env:"STRIPE_WEBHOOK_SECRET"`
	FirebaseProjectID    string `env:"FIREBASE_PROJECT_ID"`
	RedisURL             string `env:"REDIS_URL"`
	PostgresURL          string `env:"POSTGRES_URL"`
	ListenAddr           string `env:"LISTEN_ADDR,default=:8080"`
	Environment          string `env:"ENVIRONMENT,default=development"`
}

// Missing returns the names of required secrets that are not set.
// The record store needs either a Firebase project or a Postgres URL.
func (s *Secrets) Missing() []string {
	var missing []string
	if s.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if s.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if s.StripePublishableKey == "" {
		missing = append(missing, "STRIPE_PUBLISHABLE_KEY")
	}
	if s.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if s.FirebaseProjectID == "" && s.PostgresURL == "" {
		missing = append(missing, "FIREBASE_PROJECT_ID")
	}
	return missing
}

// IsProduction reports whether the process runs in production
func (s *Secrets) IsProduction() bool {
	return s.Environment == "production"
}

// Load reads an optional .env file and decodes tunables and secrets from the environment.
// Tunables not set in the environment keep their Default values.
func Load(files ...string) (*Config, *Secrets, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to read env file: %w", err)
	}

	cfg := Default()
	if err := decode(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode config: %w", err)
	}

	var secrets Secrets
	if err := decode(&secrets); err != nil {
		return nil, nil, fmt.Errorf("failed to decode secrets: %w", err)
	}

	return &cfg, &secrets, nil
}

func decode(target interface{}) error {
	err := envdecode.Decode(target)
	if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil
	}
	return err
}
