package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	Port           string        `mapstructure:"PORT"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	AdminKey       string        `mapstructure:"ADMIN_KEY"`
	ClassifierURL  string        `mapstructure:"CLASSIFIER_URL"`
	CORSAllowed    string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`

	Workers           int    `mapstructure:"WORKERS"`
	QueueSize         int    `mapstructure:"QUEUE_SIZE"`
	FanOut            bool   `mapstructure:"FAN_OUT"`
	FallbackChannelID string `mapstructure:"FALLBACK_CHANNEL_ID"`

	RetryBase          time.Duration `mapstructure:"RETRY_BASE"`
	RetryFactor        float64       `mapstructure:"RETRY_FACTOR"`
	RetryMaxAttempts   int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	ChannelRatePerSec  float64       `mapstructure:"CHANNEL_RATE_PER_SEC"`
	ChannelRateBurst   int           `mapstructure:"CHANNEL_RATE_BURST"`
	BreakerFailures    uint32        `mapstructure:"BREAKER_FAILURES"`
	BreakerOpenTimeout time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`
	LivenessTTL        time.Duration `mapstructure:"LIVENESS_TTL"`
	EscalationMaxLevel int           `mapstructure:"ESCALATION_MAX_LEVEL"`
	DispatchRetention  int           `mapstructure:"DISPATCH_RETENTION"`

	DeliveryURL    string        `mapstructure:"DELIVERY_URL"`
	DeliveryToken  string        `mapstructure:"DELIVERY_TOKEN"`
	SlackToken     string        `mapstructure:"SLACK_TOKEN"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	SeedFile    string `mapstructure:"SEED_FILE"`
	SeedWatch   bool   `mapstructure:"SEED_WATCH"`
	EventBuffer int    `mapstructure:"EVENT_BUFFER"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	v.SetDefault("WORKERS", 8)
	v.SetDefault("QUEUE_SIZE", 256)
	v.SetDefault("FAN_OUT", false)
	v.SetDefault("FALLBACK_CHANNEL_ID", "")

	v.SetDefault("RETRY_BASE", "500ms")
	v.SetDefault("RETRY_FACTOR", 2.0)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("CHANNEL_RATE_PER_SEC", 1.0)
	v.SetDefault("CHANNEL_RATE_BURST", 5)
	v.SetDefault("BREAKER_FAILURES", 5)
	v.SetDefault("BREAKER_OPEN_TIMEOUT", "30s")
	v.SetDefault("LIVENESS_TTL", "45s")
	v.SetDefault("ESCALATION_MAX_LEVEL", 3)
	v.SetDefault("DISPATCH_RETENTION", 1000)

	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("SEED_WATCH", false)
	v.SetDefault("EVENT_BUFFER", 500)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
