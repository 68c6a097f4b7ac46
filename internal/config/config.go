package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config application configuration
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
	Log         LogConfig         `mapstructure:"log"`
	Google      GoogleConfig      `mapstructure:"google"`
	Microsoft   MicrosoftConfig   `mapstructure:"microsoft"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Cron        CronConfig        `mapstructure:"cron"`
	Renewal     RenewalConfig     `mapstructure:"renewal"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Backfill    BackfillConfig    `mapstructure:"backfill"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite sqlite3 pgx"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// NATSConfig leaves events in the outbox when URL is empty
type NATSConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// RedisConfig enables the shared token cache when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret" validate:"required_with=ClientID"`
	PubSubTopic  string `mapstructure:"pubsub_topic" validate:"required_with=ClientID"`
	PushAudience string `mapstructure:"push_audience" validate:"required_with=ClientID"`
}

// Enabled reports whether Gmail mailboxes can be connected
func (g GoogleConfig) Enabled() bool { return g.ClientID != "" }

type MicrosoftConfig struct {
	ClientID          string `mapstructure:"client_id"`
	ClientSecret      string `mapstructure:"client_secret" validate:"required_with=ClientID"`
	Tenant            string `mapstructure:"tenant"`
	ClientStateSecret string `mapstructure:"client_state_secret" validate:"required_with=ClientID"`
}

// Enabled reports whether Outlook mailboxes can be connected
func (m MicrosoftConfig) Enabled() bool { return m.ClientID != "" }

type WebhookConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
}

type AuthConfig struct {
	JWKSURL   string `mapstructure:"jwks_url" validate:"required,url"`
	ServerURL string `mapstructure:"server_url" validate:"required,url"`
}

// CronConfig holds the secret of the renewal trigger token
type CronConfig struct {
	Secret string `mapstructure:"secret" validate:"omitempty,min=16"`
}

type RenewalConfig struct {
	Threshold time.Duration `mapstructure:"threshold" validate:"gt=0"`
	Interval  time.Duration `mapstructure:"interval" validate:"min=0"`
	Workers   int           `mapstructure:"workers" validate:"min=1,max=64"`
	Retries   int           `mapstructure:"retries" validate:"min=1,max=10"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type CredentialsConfig struct {
	Skew time.Duration `mapstructure:"skew" validate:"min=0"`
}

type BackfillConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// SetDefaults registers every key with its default so AutomaticEnv can
// resolve it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/mailsync.db")
	v.SetDefault("nats.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.pubsub_topic", "")
	v.SetDefault("google.push_audience", "")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("microsoft.client_state_secret", "")
	v.SetDefault("webhook.base_url", "http://localhost:8080")
	v.SetDefault("auth.jwks_url", "http://localhost:3000/api/auth/jwks")
	v.SetDefault("auth.server_url", "http://localhost:3000")
	v.SetDefault("cron.secret", "")
	v.SetDefault("renewal.threshold", 24*time.Hour)
	v.SetDefault("renewal.interval", time.Duration(0))
	v.SetDefault("renewal.workers", 8)
	v.SetDefault("renewal.retries", 3)
	v.SetDefault("renewal.timeout", 5*time.Minute)
	v.SetDefault("credentials.skew", 2*time.Minute)
	v.SetDefault("backfill.timeout", 30*time.Minute)
}

// Prepare wires environment lookup into v: a .env file is loaded first,
// then MAILSYNC_HTTP_ADDR style variables override keys.
func Prepare(v *viper.Viper) {
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg and reports every invalid key
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		if !cfg.Google.Enabled() && !cfg.Microsoft.Enabled() {
			return errors.New("invalid config: no provider configured, set google.client_id or microsoft.client_id")
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := keyOf(fe.Namespace())
		switch fe.Tag() {
		case "required", "required_with":
			msgs = append(msgs, key+" is required")
		case "oneof":
			msgs = append(msgs, key+" must be one of "+fe.Param())
		case "url":
			msgs = append(msgs, key+" must be a valid URL")
		case "min":
			msgs = append(msgs, key+" must be at least "+fe.Param())
		case "max":
			msgs = append(msgs, key+" must be at most "+fe.Param())
		default:
			msgs = append(msgs, key+" is invalid")
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
}

// keyOf turns Config.renewal.workers into renewal.workers
func keyOf(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
