package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env  string `env:"APP_ENV" envDefault:"development"`
	Port string `env:"PORT" envDefault:"8080"`

	DatabaseURL string `env:"DATABASE_URL"`

	RedisURL     string        `env:"REDIS_URL"`
	RedisTimeout time.Duration `env:"REDIS_TIMEOUT" envDefault:"2s"`

	AdminPassword string `env:"ADMIN_PASSWORD"`

	StripeSecretKey         string `env:"STRIPE_SECRET_KEY"`
	StripeTestSecretKey     string `env:"STRIPE_TEST_SECRET_KEY"`
	StripeWebhookSecret     string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeTestWebhookSecret string `env:"STRIPE_TEST_WEBHOOK_SECRET"`
	RecentEventsCapacity    int    `env:"WEBHOOK_RECENT_EVENTS" envDefault:"1000"`

	CatalogFile string `env:"CATALOG_FILE"`

	EmailService         string `env:"EMAIL_SERVICE" envDefault:"log"` // "postmark", "smtp" or "log"
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SMTPHost             string `env:"SMTP_HOST"`
	SMTPPort             string `env:"SMTP_PORT"`
	SMTPUsername         string `env:"SMTP_USERNAME"`
	SMTPPassword         string `env:"SMTP_PASSWORD"`
	EmailFrom            string `env:"EMAIL_FROM" envDefault:"access@govcongiants.com"`

	PublicURL   string   `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	SentryDSN   string   `env:"SENTRY_DSN"`

	CookieMaxAge time.Duration `env:"COOKIE_MAX_AGE" envDefault:"8760h"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`
}

func New() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports every missing or inconsistent variable at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.DatabaseURL == "" {
		result = multierror.Append(result, errors.New("DATABASE_URL environment variable is required"))
	}

	if c.RedisURL == "" {
		result = multierror.Append(result, errors.New("REDIS_URL environment variable is required"))
	}

	if c.StripeWebhookSecret == "" && c.StripeTestWebhookSecret == "" {
		result = multierror.Append(result, errors.New("STRIPE_WEBHOOK_SECRET or STRIPE_TEST_WEBHOOK_SECRET environment variable is required"))
	}

	if c.RecentEventsCapacity <= 0 {
		result = multierror.Append(result, errors.New("WEBHOOK_RECENT_EVENTS must be positive"))
	}

	switch c.EmailService {
	case "postmark":
		if c.PostmarkServerToken == "" || c.PostmarkAccountToken == "" {
			result = multierror.Append(result, errors.New("POSTMARK_SERVER_TOKEN and POSTMARK_ACCOUNT_TOKEN environment variables are required when using Postmark"))
		}
	case "smtp":
		if c.SMTPHost == "" || c.SMTPPort == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			result = multierror.Append(result, errors.New("SMTP_HOST, SMTP_PORT, SMTP_USERNAME, and SMTP_PASSWORD environment variables are required when using SMTP"))
		}
	case "log":
	default:
		result = multierror.Append(result, fmt.Errorf("EMAIL_SERVICE %q is not one of postmark, smtp, log", c.EmailService))
	}

	return result.ErrorOrNil()
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, EnvProduction)
}

// SecureCookies is true whenever cookies must carry the Secure attribute.
func (c *Config) SecureCookies() bool {
	return c.IsProduction()
}

// StripeKeyFor returns the API key matching the webhook secret that verified an event.
func (c *Config) StripeKeyFor(testMode bool) string {
	if testMode {
		return c.StripeTestSecretKey
	}
	return c.StripeSecretKey
}
