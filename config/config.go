// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// Enabled reports whether a PostgreSQL host was configured. Without one the
// service runs on the in-memory store.
func (c DBConfig) Enabled() bool {
	return c.Host != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StripeConfig struct {
	SecretKey  string
	PublicKey  string
	WebhookKey string
	Currency   string
	SuccessURL string
	CancelURL  string
}

type GPTConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

type TelegramConfig struct {
	Token string
	// Intake runs the questionnaire bot by long polling. Without it the
	// token is only used to deliver report links.
	Intake bool
}

type AWSConfig struct {
	Region    string
	S3Bucket  string
	SESSender string
}

type SessionConfig struct {
	TTL               time.Duration
	DirtyWindow       time.Duration
	ReconcileInterval time.Duration
	SweepInterval     time.Duration
}

type ReportConfig struct {
	TTL               time.Duration
	GenerationTimeout time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	SweepInterval     time.Duration
	TokenRetention    time.Duration
	PublicURL         string
}

type TierConfig struct {
	ID         string
	Name       string
	PriceCents int64
}

type CouponConfig struct {
	Code      string
	Kind      string
	Value     float64
	ExpiresAt time.Time
	MaxUses   int
}

type Config struct {
	Mode     string
	DB       DBConfig
	Redis    RedisConfig
	Stripe   StripeConfig
	GPT      GPTConfig
	Telegram TelegramConfig
	AWS      AWSConfig
	Session  SessionConfig
	Report   ReportConfig
	Tiers    []TierConfig
	Coupons  []CouponConfig
	Server   struct {
		Port string
	}
	ShutdownTimeout time.Duration
}

// Load loads the configuration
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")
	v.AddConfigPath("$HOME/.diet-report")

	setDefaults(v)

	// DB.Host is read from DB_HOST and so on.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Process any ${ENV_VAR} syntax in the config values
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			if envValue := os.Getenv(envVar); envValue != "" {
				v.Set(key, envValue)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Mode", "production")
	v.SetDefault("ShutdownTimeout", 10*time.Second)
	v.SetDefault("Server.Port", "8080")

	// Bound to env so AutomaticEnv can populate them without a config file.
	for _, key := range []string{
		"DB.Host", "DB.User", "DB.Password",
		"Redis.Addr", "Redis.Password",
		"Stripe.SecretKey", "Stripe.PublicKey", "Stripe.WebhookKey",
		"GPT.APIKey", "Telegram.Token",
		"AWS.Region", "AWS.S3Bucket", "AWS.SESSender",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("DB.Port", "5432")
	v.SetDefault("DB.DBName", "diet_report")
	v.SetDefault("DB.SSLMode", "disable")
	v.SetDefault("DB.MaxOpenConns", 20)
	v.SetDefault("DB.MaxIdleConns", 10)
	v.SetDefault("DB.ConnLifetime", 5*time.Minute)

	v.SetDefault("Redis.DB", 0)

	v.SetDefault("Telegram.Intake", false)

	v.SetDefault("Stripe.Currency", "usd")
	v.SetDefault("Stripe.SuccessURL", "http://localhost:3000/checkout/success?session={SESSION}")
	v.SetDefault("Stripe.CancelURL", "http://localhost:3000/checkout/cancel?session={SESSION}")

	v.SetDefault("GPT.Model", "gpt-4o")
	v.SetDefault("GPT.MaxTokens", 6000)

	v.SetDefault("Session.TTL", 24*time.Hour)
	v.SetDefault("Session.DirtyWindow", 5*time.Second)
	v.SetDefault("Session.ReconcileInterval", 30*time.Second)
	v.SetDefault("Session.SweepInterval", 10*time.Minute)

	v.SetDefault("Report.TTL", 48*time.Hour)
	v.SetDefault("Report.GenerationTimeout", 5*time.Minute)
	v.SetDefault("Report.MaxAttempts", 2)
	v.SetDefault("Report.RetryBackoff", 5*time.Second)
	v.SetDefault("Report.SweepInterval", time.Minute)
	v.SetDefault("Report.TokenRetention", 7*24*time.Hour)
	v.SetDefault("Report.PublicURL", "http://localhost:3000/report")

	v.SetDefault("Tiers", []map[string]interface{}{
		{"ID": "bundle", "Name": "Bundle", "PriceCents": 999},
	})
}

// Validate checks values that would otherwise fail much later at runtime.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.New("at least one tier must be configured")
	}
	seen := make(map[string]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		if t.ID == "" {
			return errors.New("tier id must not be empty")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tier id %q", t.ID)
		}
		if t.PriceCents < 0 {
			return fmt.Errorf("tier %q has a negative price", t.ID)
		}
		seen[t.ID] = true
	}
	if c.Report.MaxAttempts < 1 {
		return errors.New("Report.MaxAttempts must be at least 1")
	}
	if c.Report.GenerationTimeout <= 0 {
		return errors.New("Report.GenerationTimeout must be positive")
	}
	if c.Report.TTL <= 0 || c.Session.TTL <= 0 {
		return errors.New("Report.TTL and Session.TTL must be positive")
	}
	if c.Report.TokenRetention < c.Report.TTL {
		return errors.New("Report.TokenRetention must cover Report.TTL")
	}
	for _, cp := range c.Coupons {
		if cp.Kind != "percentage" && cp.Kind != "fixed" {
			return fmt.Errorf("coupon %q has unknown kind %q", cp.Code, cp.Kind)
		}
	}
	return nil
}
