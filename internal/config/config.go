// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"TP_HOST" yaml:"host"`
	Port int    `envconfig:"TP_PORT" yaml:"port"`

	// LivenessDelay is how long GET / sleeps before answering.
	LivenessDelay time.Duration `envconfig:"TP_LIVENESS_DELAY" yaml:"liveness_delay"`

	// Prediction configuration
	Predict PredictConfig `yaml:"predict"`

	// Evaluation configuration
	Eval EvalConfig `yaml:"eval"`

	// Job history configuration
	Jobs JobsConfig `yaml:"jobs"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`
}

// PredictConfig describes how model artifacts are located and how the
// external prediction command is launched.
type PredictConfig struct {
	StorageRoot    string        `envconfig:"TP_STORAGE_ROOT" yaml:"storage_root"`
	ModelExtension string        `envconfig:"TP_MODEL_EXTENSION" yaml:"model_extension"`
	Command        string        `envconfig:"TP_PREDICT_COMMAND" yaml:"command"`
	Args           []string      `envconfig:"TP_PREDICT_ARGS" yaml:"args"`
	Timeout        time.Duration `envconfig:"TP_PREDICT_TIMEOUT" yaml:"timeout"` // 0 = wait forever
	StderrLimit    int           `envconfig:"TP_PREDICT_STDERR_LIMIT" yaml:"stderr_limit"`
}

// EvalConfig holds segmentation evaluation settings.
type EvalConfig struct {
	WindowSize       int     `envconfig:"TP_EVAL_WINDOW_SIZE" yaml:"window_size"`
	Workers          int     `envconfig:"TP_EVAL_WORKERS" yaml:"workers"`
	IoUThreshold     float64 `envconfig:"TP_EVAL_IOU_THRESHOLD" yaml:"iou_threshold"`
	VectorResolution int     `envconfig:"TP_EVAL_VECTOR_RESOLUTION" yaml:"vector_resolution"`
	ClassConfig      string  `envconfig:"TP_EVAL_CLASS_CONFIG" yaml:"class_config"` // default classes for API requests
}

// JobsConfig holds prediction job history settings.
type JobsConfig struct {
	Type     string        `envconfig:"TP_JOBS_TYPE" yaml:"type"`
	RedisURL string        `envconfig:"TP_JOBS_REDIS_URL" yaml:"redis_url"`
	TTL      time.Duration `envconfig:"TP_JOBS_TTL" yaml:"ttl"`
	History  int           `envconfig:"TP_JOBS_HISTORY" yaml:"history"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"TP_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"TP_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"TP_KAFKA_GROUP" yaml:"kafka_group"`
	TopicPrefix  string `envconfig:"TP_BUS_TOPIC_PREFIX" yaml:"topic_prefix"`
	EventLog     string `envconfig:"TP_BUS_EVENT_LOG" yaml:"event_log"` // JSONL audit file, empty = off
}

// StorageConfig controls access to remote label and report locations.
type StorageConfig struct {
	EnableGCS bool `envconfig:"TP_ENABLE_GCS" yaml:"enable_gcs"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"TP_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"TP_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit   int    `envconfig:"TP_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
	CORSOrigins string `envconfig:"TP_CORS_ORIGINS" yaml:"cors_origins"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          5000,
		LivenessDelay: 20 * time.Second,
		Predict: PredictConfig{
			StorageRoot:    "./appdata",
			ModelExtension: ".zip",
			Command:        "python",
			Args:           []string{"-m", "rastervision.pipeline.cli", "predict"},
			StderrLimit:    4096,
		},
		Eval: EvalConfig{
			WindowSize:       512,
			Workers:          4,
			IoUThreshold:     0.5,
			VectorResolution: 256,
		},
		Jobs: JobsConfig{
			Type:     "memory",
			RedisURL: "redis://localhost:6379/0",
			TTL:      7 * 24 * time.Hour,
			History:  1000,
		},
		Bus: BusConfig{
			Type:        "memory",
			KafkaGroup:  "terrapredict",
			TopicPrefix: "terrapredict.",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Security: SecurityConfig{
			RateLimit:   0,
			CORSOrigins: "*",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	if c.LivenessDelay < 0 {
		errs = append(errs, "liveness_delay must not be negative")
	}

	// Predict validation
	if c.Predict.StorageRoot == "" {
		errs = append(errs, "predict.storage_root is required")
	}
	if c.Predict.Command == "" {
		errs = append(errs, "predict.command is required")
	}
	if c.Predict.Timeout < 0 {
		errs = append(errs, "predict.timeout must not be negative")
	}
	if c.Predict.StderrLimit < 0 {
		errs = append(errs, "predict.stderr_limit must not be negative")
	}

	// Eval validation
	if c.Eval.WindowSize < 1 {
		errs = append(errs, "eval.window_size must be positive")
	}
	if c.Eval.Workers < 1 {
		errs = append(errs, "eval.workers must be positive")
	}
	if c.Eval.IoUThreshold <= 0 || c.Eval.IoUThreshold > 1 {
		errs = append(errs, "eval.iou_threshold must be in (0, 1]")
	}
	if c.Eval.VectorResolution < 8 {
		errs = append(errs, "eval.vector_resolution must be at least 8")
	}

	// Jobs validation
	validJobTypes := map[string]bool{"memory": true, "redis": true}
	if !validJobTypes[c.Jobs.Type] {
		errs = append(errs, fmt.Sprintf("invalid jobs type: %s (must be memory or redis)", c.Jobs.Type))
	}
	if c.Jobs.History < 1 {
		errs = append(errs, "jobs.history must be positive")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "bus.kafka_brokers is required when bus type is kafka")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if c.Security.RateLimit < 0 {
		errs = append(errs, "security.rate_limit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}
