package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/snarg/voice-sentinel/internal/sample"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken   string   `env:"AUTH_TOKEN"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`

	MaxSampleBytes      int64 `env:"MAX_SAMPLE_BYTES" envDefault:"10485760"`
	MaxRecordingSeconds int   `env:"MAX_RECORDING_SECONDS" envDefault:"120"`

	ClassifierURL     string        `env:"CLASSIFIER_URL"`
	ClassifierTimeout time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"30s"`
	ClassifierField   string        `env:"CLASSIFIER_FIELD" envDefault:"audio_file"`
	ClassifierToken   string        `env:"CLASSIFIER_TOKEN"`

	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`

	// Optional history database.
	DatabaseURL string `env:"DATABASE_URL"`

	// Optional transition fan-out.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"voice-sentinel"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"voice-sentinel"`

	// Optional archive of analyzed samples: local directory, S3, or both.
	ArchiveDir       string   `env:"ARCHIVE_DIR"`
	ArchiveWorkers   int      `env:"ARCHIVE_WORKERS" envDefault:"2"`
	ArchiveQueueSize int      `env:"ARCHIVE_QUEUE_SIZE" envDefault:"100"`
	S3               S3Config `envPrefix:"S3_"`

	WatchDir string `env:"WATCH_DIR"`
}

// S3Config configures the S3-compatible archive backend.
type S3Config struct {
	Bucket    string `env:"BUCKET"`
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Prefix    string `env:"PREFIX"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Limits returns the sample policy described by the config.
func (c *Config) Limits() sample.Limits {
	return sample.Limits{
		MaxSizeBytes:       c.MaxSampleBytes,
		MaxDurationSeconds: c.MaxRecordingSeconds,
	}
}

// ArchiveEnabled reports whether analyzed samples are archived anywhere.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveDir != "" || c.S3.Enabled()
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	ClassifierURL string
	DatabaseURL   string
	MQTTBrokerURL string
	ArchiveDir    string
	WatchDir      string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.ClassifierURL != "" {
		cfg.ClassifierURL = overrides.ClassifierURL
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.ArchiveDir != "" {
		cfg.ArchiveDir = overrides.ArchiveDir
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.ClassifierURL == "" {
		errs = append(errs, errors.New("CLASSIFIER_URL is required"))
	} else if u, err := url.Parse(c.ClassifierURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("CLASSIFIER_URL %q is not an absolute URL", c.ClassifierURL))
	}
	if c.MaxSampleBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_SAMPLE_BYTES must be positive, got %d", c.MaxSampleBytes))
	}
	if c.MaxRecordingSeconds <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RECORDING_SECONDS must be positive, got %d", c.MaxRecordingSeconds))
	}
	if c.ClassifierTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CLASSIFIER_TIMEOUT must be positive, got %s", c.ClassifierTimeout))
	}
	if c.ArchiveWorkers < 1 {
		errs = append(errs, fmt.Errorf("ARCHIVE_WORKERS must be at least 1, got %d", c.ArchiveWorkers))
	}
	return errors.Join(errs...)
}
