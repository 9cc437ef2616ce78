package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "file:test.db")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_live")
}

func TestNew_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 2*time.Second, cfg.RedisTimeout)
	assert.Equal(t, 1000, cfg.RecentEventsCapacity)
	assert.Equal(t, "log", cfg.EmailService)
	assert.Equal(t, 8760*time.Hour, cfg.CookieMaxAge)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.SecureCookies())
}

func TestNew_Production(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("STRIPE_SECRET_KEY", "sk_live_123")
	t.Setenv("STRIPE_TEST_SECRET_KEY", "sk_test_123")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://govcongiants.com,https://tools.govcongiants.com")

	cfg, err := New()
	require.NoError(t, err)

	assert.True(t, cfg.SecureCookies())
	assert.Equal(t, "sk_live_123", cfg.StripeKeyFor(false))
	assert.Equal(t, "sk_test_123", cfg.StripeKeyFor(true))
	assert.Len(t, cfg.CORSOrigins, 2)
}

func TestNew_MissingVariables(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	t.Setenv("STRIPE_TEST_WEBHOOK_SECRET", "")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "REDIS_URL")
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestValidate_EmailService(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "postmark without tokens",
			cfg:     Config{EmailService: "postmark"},
			wantErr: "POSTMARK_SERVER_TOKEN",
		},
		{
			name:    "smtp without host",
			cfg:     Config{EmailService: "smtp", SMTPPort: "587"},
			wantErr: "SMTP_HOST",
		},
		{
			name:    "unknown service",
			cfg:     Config{EmailService: "sendgrid"},
			wantErr: "EMAIL_SERVICE",
		},
		{
			name: "smtp complete",
			cfg: Config{
				EmailService: "smtp", SMTPHost: "smtp.example.com", SMTPPort: "587",
				SMTPUsername: "user", SMTPPassword: "pass",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.DatabaseURL = "file:test.db"
			tt.cfg.RedisURL = "memory://"
			tt.cfg.StripeTestWebhookSecret = "whsec_test"
			tt.cfg.RecentEventsCapacity = 10

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
