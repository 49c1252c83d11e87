package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Google     GoogleConfig     `yaml:"google"`
	Storage    StorageConfig    `yaml:"storage"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Newsletter NewsletterConfig `yaml:"newsletter"`
	Redis      RedisConfig      `yaml:"redis"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	FrontendURL    string   `yaml:"frontend_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GoogleConfig holds Google OAuth and Gmail API settings
type GoogleConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RedirectURL    string `yaml:"redirect_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the Gmail API call timeout as a duration
func (c GoogleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig selects and configures the record store backend.
// Type is "postgres" (default) or "dynamodb".
type StorageConfig struct {
	Type          string `yaml:"type"`
	DatabaseURL   string `yaml:"database_url"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"`
}

// TrackingConfig holds open-tracking settings
type TrackingConfig struct {
	// BaseURL is the externally reachable URL the beacon points at
	// (an ngrok URL during local development).
	BaseURL string `yaml:"base_url"`
}

// NewsletterConfig holds daily digest settings
type NewsletterConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Schedule  string `yaml:"schedule"` // 5-field cron expression
	Timezone  string `yaml:"timezone"`
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
	Subject   string `yaml:"subject"`
	FeedURL   string `yaml:"feed_url"` // optional RSS source for digest content
	Provider  string `yaml:"provider"` // "ses" or "log"
	SESRegion string `yaml:"ses_region"`
}

// RedisConfig holds the optional Redis connection for send rate limiting
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	SendPerMinute int    `yaml:"send_per_minute"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Google.TimeoutSeconds == 0 {
		cfg.Google.TimeoutSeconds = 30
	}
	if cfg.Google.RedirectURL == "" {
		cfg.Google.RedirectURL = fmt.Sprintf("http://%s:%d/auth/google/callback", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "postgres"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Newsletter.Schedule == "" {
		cfg.Newsletter.Schedule = "0 16 * * *"
	}
	if cfg.Newsletter.Timezone == "" {
		cfg.Newsletter.Timezone = "Asia/Kolkata"
	}
	if cfg.Newsletter.Subject == "" {
		cfg.Newsletter.Subject = "Your Daily Newsletter"
	}
	if cfg.Newsletter.Provider == "" {
		cfg.Newsletter.Provider = "log"
	}
	if cfg.Newsletter.SESRegion == "" {
		cfg.Newsletter.SESRegion = cfg.Storage.AWSRegion
	}
	if cfg.Redis.SendPerMinute == 0 {
		cfg.Redis.SendPerMinute = 60
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.Server.FrontendURL = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("GOOGLE_REDIRECT_URL"); v != "" {
		cfg.Google.RedirectURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("DYNAMODB_TABLE"); v != "" {
		cfg.Storage.Type = "dynamodb"
		cfg.Storage.DynamoDBTable = v
	}
	// Tunnel URL override so beacon links survive local restarts
	if v := os.Getenv("NGROK_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("NEWSLETTER_FROM"); v != "" {
		cfg.Newsletter.FromEmail = v
	}
	if v := os.Getenv("NEWSLETTER_FEED_URL"); v != "" {
		cfg.Newsletter.FeedURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}

	return cfg, nil
}
