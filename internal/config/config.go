package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"PulseFlow/internal/models"
)

type Config struct {
	// ----------------------------
	// Primary provider (SMTP)
	// ----------------------------
	SMTPEnabled  bool   `envconfig:"SMTP_ENABLED" default:"true"`
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@pulseflow.dev"`

	// ----------------------------
	// Fallback provider (SES)
	// ----------------------------
	SESEnabled   bool   `envconfig:"SES_ENABLED" default:"false"`
	SESRegion    string `envconfig:"SES_REGION" default:"us-east-1"`
	SESAccessKey string `envconfig:"SES_ACCESS_KEY_ID" default:""`
	SESSecretKey string `envconfig:"SES_SECRET_ACCESS_KEY" default:""`
	SESFrom      string `envconfig:"SES_FROM" default:"noreply@pulseflow.dev"`

	// ----------------------------
	// Workers / delivery policy
	// ----------------------------
	WorkerCount   int           `envconfig:"WORKER_COUNT" default:"5" validate:"gt=0"`
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL" default:"1s" validate:"gt=0"`
	RateLimit     int           `envconfig:"RATE_LIMIT" default:"60" validate:"gt=0"`
	RetryAttempts int           `envconfig:"RETRY_ATTEMPTS" default:"3" validate:"gt=0"`
	RetryDelay    time.Duration `envconfig:"RETRY_DELAY" default:"30s" validate:"gte=0"`
	SendTimeout   time.Duration `envconfig:"SEND_TIMEOUT" default:"15s" validate:"gt=0"`

	// ----------------------------
	// Flows
	// ----------------------------
	TemplatesFile string        `envconfig:"TEMPLATES_FILE" default:""`
	ResetTokenTTL time.Duration `envconfig:"RESET_TOKEN_TTL" default:"1h"`

	// ----------------------------
	// Stats
	// ----------------------------
	StatsInterval time.Duration `envconfig:"STATS_INTERVAL" default:"5m" validate:"gt=0"`
	StatsPeriod   string        `envconfig:"STATS_PERIOD" default:"day"`

	// ----------------------------
	// External config store
	// ----------------------------
	ConfigStoreURL        string        `envconfig:"CONFIG_STORE_URL" default:""`
	ConfigStoreToken      string        `envconfig:"CONFIG_STORE_TOKEN" default:""`
	ConfigRefreshInterval time.Duration `envconfig:"CONFIG_REFRESH_INTERVAL" default:"30s" validate:"gt=0"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort        string   `envconfig:"API_PORT" default:"8080"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
	TestSendPerMin int      `envconfig:"TEST_SEND_PER_MINUTE" default:"10"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Storage
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	RedisURL    string `envconfig:"REDIS_URL" default:""`

	// ----------------------------
	// Logging
	// ----------------------------
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile  string `envconfig:"LOG_FILE" default:""`
}

// Load reads an optional .env file and then the environment. Counts and
// intervals must be positive.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Policy() models.Policy {
	return models.Policy{
		RetryAttempts: c.RetryAttempts,
		RetryDelay:    c.RetryDelay,
		RateLimit:     c.RateLimit,
		SendTimeout:   c.SendTimeout,
	}
}

func (c *Config) PrimaryProvider() models.ProviderConfig {
	return models.ProviderConfig{
		Name:    models.Primary,
		Enabled: c.SMTPEnabled,
		Credentials: models.Credentials{
			"host":     c.SMTPHost,
			"port":     strconv.Itoa(c.SMTPPort),
			"username": c.SMTPUser,
			"password": c.SMTPPassword,
			"from":     c.SMTPFrom,
		},
		Status: models.StatusUntested,
	}
}

func (c *Config) FallbackProvider() models.ProviderConfig {
	return models.ProviderConfig{
		Name:    models.Fallback,
		Enabled: c.SESEnabled,
		Credentials: models.Credentials{
			"region":          c.SESRegion,
			"accessKeyId":     c.SESAccessKey,
			"secretAccessKey": c.SESSecretKey,
			"from":            c.SESFrom,
		},
		Status: models.StatusUntested,
	}
}
