// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	DB          DBConfig          `mapstructure:"db"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Integration IntegrationConfig `mapstructure:"integration"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the run record database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	RunTable string `mapstructure:"run_table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig sets the bucket and prefix for binary run artifacts. An
// empty bucket selects the in-memory blob store.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for the durable integration task queue. An
// empty project falls back to the in-memory queue.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	Subscription string `mapstructure:"subscription"`
}

// PoolConfig governs the browser worker pool.
type PoolConfig struct {
	MaxWorkers          int    `mapstructure:"max_workers"`
	UserAgent           string `mapstructure:"user_agent"`
	ReadinessTimeoutSec int    `mapstructure:"readiness_timeout_seconds"`
	ReadinessURL        string `mapstructure:"readiness_url"`
}

// ExecutionConfig bounds execution dispatch.
type ExecutionConfig struct {
	FormatTimeoutSec   int `mapstructure:"format_timeout_seconds"`
	WorkflowTimeoutSec int `mapstructure:"workflow_timeout_seconds"`
}

// WebhookConfig sets delivery defaults applied when a robot's webhook leaves
// them unset.
type WebhookConfig struct {
	RetryAttempts   int `mapstructure:"retry_attempts"`
	RetryDelaySec   int `mapstructure:"retry_delay_seconds"`
	TimeoutSec      int `mapstructure:"timeout_seconds"`
	MaxBackoffDelay int `mapstructure:"max_backoff_seconds"`
}

// IntegrationConfig bounds the third-party sink drain loop.
type IntegrationConfig struct {
	MaxRetries    int    `mapstructure:"max_retries"`
	RetryDelayMs  int    `mapstructure:"retry_delay_ms"`
	WorkbookDir   string `mapstructure:"workbook_dir"`
	DeliveryLimit int    `mapstructure:"delivery_limit"`
}

// ProxyConfig is the static proxy/credential configuration resolved for
// users that have no per-user override.
type ProxyConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.run_table", "runs")
	v.SetDefault("storage.prefix", "runs")
	v.SetDefault("pool.max_workers", 4)
	v.SetDefault("pool.user_agent", "robot-orchestrator/0.1")
	v.SetDefault("pool.readiness_timeout_seconds", 30)
	v.SetDefault("execution.format_timeout_seconds", 120)
	v.SetDefault("execution.workflow_timeout_seconds", 600)
	v.SetDefault("webhook.retry_attempts", 3)
	v.SetDefault("webhook.retry_delay_seconds", 5)
	v.SetDefault("webhook.timeout_seconds", 10)
	v.SetDefault("webhook.max_backoff_seconds", 300)
	v.SetDefault("integration.max_retries", 3)
	v.SetDefault("integration.retry_delay_ms", 500)
	v.SetDefault("integration.workbook_dir", "exports")
	v.SetDefault("integration.delivery_limit", 64)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be > 0")
	}
	if c.Pool.ReadinessTimeoutSec <= 0 {
		return fmt.Errorf("pool.readiness_timeout_seconds must be > 0")
	}
	if c.Execution.FormatTimeoutSec <= 0 {
		return fmt.Errorf("execution.format_timeout_seconds must be > 0")
	}
	if c.Execution.WorkflowTimeoutSec <= 0 {
		return fmt.Errorf("execution.workflow_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// ReadinessTimeout returns the readiness handshake connect timeout.
func (c Config) ReadinessTimeout() time.Duration {
	return time.Duration(c.Pool.ReadinessTimeoutSec) * time.Second
}

// FormatTimeout returns the per-format conversion deadline.
func (c Config) FormatTimeout() time.Duration {
	return time.Duration(c.Execution.FormatTimeoutSec) * time.Second
}

// WorkflowTimeout returns the workflow interpretation deadline.
func (c Config) WorkflowTimeout() time.Duration {
	return time.Duration(c.Execution.WorkflowTimeoutSec) * time.Second
}
