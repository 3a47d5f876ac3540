package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	ClinicTimezone         string `mapstructure:"CLINIC_TIMEZONE"`
	SlotMarginMinutes      int    `mapstructure:"SLOT_MARGIN_MINUTES"`
	NoShowPaymentThreshold int    `mapstructure:"NO_SHOW_PAYMENT_THRESHOLD"`

	CalendarURL     string        `mapstructure:"CALENDAR_URL"`
	CalendarAPIKey  string        `mapstructure:"CALENDAR_API_KEY"`
	CalendarTimeout time.Duration `mapstructure:"CALENDAR_TIMEOUT"`

	PushGatewayURL string `mapstructure:"PUSH_GATEWAY_URL"`
	PushAPIKey     string `mapstructure:"PUSH_API_KEY"`
	EmailAPIURL    string `mapstructure:"EMAIL_API_URL"`
	EmailAPIKey    string `mapstructure:"EMAIL_API_KEY"`
	EmailSender    string `mapstructure:"EMAIL_SENDER"`

	SideEffectTimeout time.Duration `mapstructure:"SIDE_EFFECT_TIMEOUT"`
	OutboxInterval    time.Duration `mapstructure:"OUTBOX_INTERVAL"`
	ReminderCron      string        `mapstructure:"REMINDER_CRON"`
	RemindersEnabled  bool          `mapstructure:"REMINDERS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"CLINIC_TIMEZONE", "SLOT_MARGIN_MINUTES", "NO_SHOW_PAYMENT_THRESHOLD",
	"CALENDAR_URL", "CALENDAR_API_KEY", "CALENDAR_TIMEOUT",
	"PUSH_GATEWAY_URL", "PUSH_API_KEY", "EMAIL_API_URL", "EMAIL_API_KEY", "EMAIL_SENDER",
	"SIDE_EFFECT_TIMEOUT", "OUTBOX_INTERVAL", "REMINDER_CRON", "REMINDERS_ENABLED",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("CLINIC_TIMEZONE", "America/Bogota")
	v.SetDefault("SLOT_MARGIN_MINUTES", 20)
	v.SetDefault("NO_SHOW_PAYMENT_THRESHOLD", 3)
	v.SetDefault("CALENDAR_TIMEOUT", "5s")
	v.SetDefault("EMAIL_SENDER", "no-reply@clinic.local")
	v.SetDefault("SIDE_EFFECT_TIMEOUT", "5s")
	v.SetDefault("OUTBOX_INTERVAL", "5s")
	v.SetDefault("REMINDER_CRON", "0 8 * * *")
	v.SetDefault("REMINDERS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads the clinic's time zone. Working hours are wall-clock times
// in this zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// a token verifier must be configured.
func (c *Config) Validate() error {
	var errs []error

	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		errs = append(errs, fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env))
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		errs = append(errs, errors.New("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.SlotMarginMinutes < 0 {
		errs = append(errs, fmt.Errorf("SLOT_MARGIN_MINUTES must not be negative, got %d", c.SlotMarginMinutes))
	}
	if c.NoShowPaymentThreshold < 1 {
		errs = append(errs, fmt.Errorf("NO_SHOW_PAYMENT_THRESHOLD must be at least 1, got %d", c.NoShowPaymentThreshold))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	if c.SideEffectTimeout <= 0 {
		errs = append(errs, errors.New("SIDE_EFFECT_TIMEOUT must be positive"))
	}
	if c.RemindersEnabled {
		if _, err := cron.ParseStandard(c.ReminderCron); err != nil {
			errs = append(errs, fmt.Errorf("REMINDER_CRON %q: %w", c.ReminderCron, err))
		}
	}
	if (c.EmailAPIURL == "") != (c.EmailAPIKey == "") {
		errs = append(errs, errors.New("EMAIL_API_URL and EMAIL_API_KEY must be set together"))
	}

	return errors.Join(errs...)
}
