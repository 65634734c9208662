package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type EnvConfig struct {
	Port           string `envconfig:"PORT" default:"3000"`
	BaseURL        string `envconfig:"BASE_URL" required:"true"`
	AuthSecret     string `envconfig:"AUTH_SECRET" required:"true"`
	CallbackSecret string `envconfig:"CALLBACK_SECRET"`
	Environment    string `envconfig:"ENVIRONMENT" default:"development"`
	LogDir         string `envconfig:"LOG_DIR" default:"logs"`

	DBDriver   string `envconfig:"DB_DRIVER" default:"postgres"`
	DBPath     string `envconfig:"DB_PATH" default:"plantit.db"`
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"plantit"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"password"`
	DBName     string `envconfig:"DB_NAME" default:"plantit"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	ValkeyAddr     string `envconfig:"VALKEY_ADDR"`
	ValkeyPassword string `envconfig:"VALKEY_PASSWORD"`
	ValkeyDB       int    `envconfig:"VALKEY_DB" default:"0"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"plantit"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`

	NATSURL string `envconfig:"NATS_URL"`

	DockerUsername    string `envconfig:"DOCKER_USERNAME"`
	DockerPassword    string `envconfig:"DOCKER_PASSWORD"`
	ImageCheck        string `envconfig:"IMAGE_CHECK" default:"hub"`
	SandboxTemplate   string `envconfig:"SANDBOX_TEMPLATE"`
	SchedulerTemplate string `envconfig:"SCHEDULER_TEMPLATE"`

	SSHKeyFile    string `envconfig:"SSH_KEY_FILE"`
	SSHKnownHosts string `envconfig:"SSH_KNOWN_HOSTS"`

	Workers       int           `envconfig:"WORKERS" default:"8"`
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL" default:"1m"`
	MaxPollDelay  time.Duration `envconfig:"MAX_POLL_DELAY" default:"30m"`
	RetentionDays int           `envconfig:"RETENTION_DAYS" default:"30"`
}

func isDev() bool {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	return env == "development" || env == "dev" || env == ""
}

func ValidateEnv() (*EnvConfig, error) {
	if isDev() {
		if err := godotenv.Load(); err != nil {
			log.Println("ℹ No .env file found")
		} else {
			log.Println("✓ Loaded .env file")
		}
	}

	var cfg EnvConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *EnvConfig) Validate() error {
	var errors []string

	if len(c.AuthSecret) < 32 {
		errors = append(errors, "  ❌ AUTH_SECRET must be at least 32 characters")
	}
	if c.CallbackSecret != "" && len(c.CallbackSecret) < 32 {
		errors = append(errors, "  ❌ CALLBACK_SECRET must be at least 32 characters")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		errors = append(errors, "  ❌ BASE_URL must be a valid URL")
	}
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		errors = append(errors, "  ❌ DB_DRIVER must be 'postgres' or 'sqlite'")
	}
	if (c.DockerUsername != "") != (c.DockerPassword != "") {
		errors = append(errors, "  ❌ Both DOCKER_USERNAME and DOCKER_PASSWORD must be set together")
	}
	if (c.S3AccessKey != "" || c.S3SecretKey != "") && c.S3Endpoint == "" {
		errors = append(errors, "  ❌ S3_ENDPOINT is required when S3 credentials are set")
	}
	switch c.ImageCheck {
	case "hub", "daemon", "none":
	default:
		errors = append(errors, "  ❌ IMAGE_CHECK must be one of 'hub', 'daemon', or 'none'")
	}
	if c.Workers < 1 {
		errors = append(errors, "  ❌ WORKERS must be at least 1")
	}
	if c.PollInterval <= 0 || c.MaxPollDelay < c.PollInterval {
		errors = append(errors, "  ❌ POLL_INTERVAL must be positive and not exceed MAX_POLL_DELAY")
	}
	if c.RetentionDays < 1 {
		errors = append(errors, "  ❌ RETENTION_DAYS must be at least 1")
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// RunTokenSecret signs per-run callback tokens. It falls back to the
// user token secret.
func (c *EnvConfig) RunTokenSecret() string {
	if c.CallbackSecret != "" {
		return c.CallbackSecret
	}
	return c.AuthSecret
}

func (c *EnvConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (c *EnvConfig) Print(fmtr func(string, ...interface{})) {
	fmtr("📋 Configuration:\n")
	fmtr("  Environment: %s\n", c.Environment)
	fmtr("  Port: %s\n", c.Port)
	fmtr("  Base URL: %s\n", c.BaseURL)
	fmtr("  Auth Secret: %s\n", MaskSecret(c.AuthSecret))
	if c.DBDriver == "sqlite" {
		fmtr("  Database: sqlite %s\n", c.DBPath)
	} else {
		fmtr("  Database: %s@%s:%d/%s (sslmode=%s)\n", c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
	}
	fmtr("  Workers: %d, poll every %s (max %s), retention %dd\n", c.Workers, c.PollInterval, c.MaxPollDelay, c.RetentionDays)

	if c.ValkeyAddr != "" {
		fmtr("  Manifest cache: ✓ Valkey %s\n", c.ValkeyAddr)
	} else {
		fmtr("  Manifest cache: ✗ in memory\n")
	}
	if c.S3Endpoint != "" {
		fmtr("  Archive: ✓ %s/%s\n", c.S3Endpoint, c.S3Bucket)
		fmtr("    Access Key: %s\n", MaskSecret(c.S3AccessKey))
	} else {
		fmtr("  Archive: ✗ in memory\n")
	}
	if c.NATSURL != "" {
		fmtr("  NATS: ✓ %s\n", c.NATSURL)
	} else {
		fmtr("  NATS: ✗ Disabled\n")
	}
	if c.DockerUsername != "" {
		fmtr("  Docker credentials: ✓ %s (%s)\n", c.DockerUsername, MaskSecret(c.DockerPassword))
	}
	fmtr("  Image check: %s\n", c.ImageCheck)
}
