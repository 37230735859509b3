// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains all runtime settings shared by the assistant services.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"fintrak"`

	AMQPURL string `env:"AMQP_URL" envDefault:"amqp://rabbitmq"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"redis:6379"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	DatabaseURL string `env:"DATABASE_URL"`

	S3Bucket   string        `env:"S3_BUCKET_NAME"`
	PresignTTL time.Duration `env:"S3_PRESIGN_TTL" envDefault:"10m"`

	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	OpenAIModel  string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_PHONE_NUMBER"`

	// SessionTTL applies to idle sessions; PromptTTL applies while the
	// conversation is waiting on the user mid-flow.
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"15m"`
	PromptTTL  time.Duration `env:"SESSION_PROMPT_TTL" envDefault:"5m"`
}

// Load reads a local .env file if present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if strings.TrimSpace(cfg.AMQPURL) == "" {
		return Config{}, fmt.Errorf("AMQP_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return Config{}, fmt.Errorf("REDIS_ADDR must not be empty")
	}
	if cfg.SessionTTL < time.Minute {
		return Config{}, fmt.Errorf("SESSION_TTL must be at least 1m")
	}
	if cfg.PromptTTL <= 0 || cfg.PromptTTL > cfg.SessionTTL {
		return Config{}, fmt.Errorf("SESSION_PROMPT_TTL must be positive and no longer than SESSION_TTL")
	}
	if cfg.PresignTTL <= 0 {
		return Config{}, fmt.Errorf("S3_PRESIGN_TTL must be positive")
	}

	return cfg, nil
}

// FromWhatsApp formats the configured sender number for the messaging API.
func (c Config) FromWhatsApp() string {
	n := strings.TrimSpace(c.TwilioFromNumber)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "whatsapp:") {
		return n
	}
	return "whatsapp:" + n
}
