// Package config loads the spiral process configuration.
//
// Priority: flags > env vars (SPIRAL_ prefix) > config file > defaults.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rendis/spiral/internal/actions"
	"github.com/rendis/spiral/internal/engine"
	"github.com/rendis/spiral/internal/secrets"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/webhooks"
	"github.com/rendis/spiral/pkg/schema"
)

// EnvPrefix prefixes every environment override. Dots in keys become
// underscores: server.listen_addr is SPIRAL_SERVER_LISTEN_ADDR.
const EnvPrefix = "SPIRAL"

// Config holds all spiral configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	KV        KVConfig        `mapstructure:"kv"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// CacheConfig tunes the workflow definition cache.
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// KVConfig selects the persist_data backend.
type KVConfig struct {
	Backend   string   `mapstructure:"backend"` // libsql or redis
	Addrs     []string `mapstructure:"redis_addrs"`
	Password  string   `mapstructure:"redis_password"`
	DB        int      `mapstructure:"redis_db"`
	Namespace string   `mapstructure:"namespace"`
}

type EngineConfig struct {
	ActionTimeout     time.Duration  `mapstructure:"action_timeout"`
	RetryMaxAttempts  int            `mapstructure:"retry_max_attempts"`
	RetryStrategy     string         `mapstructure:"retry_strategy"`
	RetryDelay        string         `mapstructure:"retry_delay"`
	RetryMaxDelay     string         `mapstructure:"retry_max_delay"`
	MaxConcurrentRuns int            `mapstructure:"max_concurrent_runs"`
	MaxPayloadBytes   int            `mapstructure:"max_payload_bytes"`
	SubflowPoll       time.Duration  `mapstructure:"subflow_poll_interval"`
	MinDelay          time.Duration  `mapstructure:"min_delay"`
	MaxResponseBody   int64          `mapstructure:"max_response_body"`
	ParallelCaps      map[string]int `mapstructure:"parallel_caps"`
}

type WebhooksConfig struct {
	Workers          int           `mapstructure:"workers"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	RequestTimeout   int           `mapstructure:"request_timeout_seconds"`
	BackoffUnit      time.Duration `mapstructure:"backoff_unit"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     int           `mapstructure:"retry_backoff_seconds"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	ForwardActions   bool          `mapstructure:"forward_action_events"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// AlertsConfig routes raise_alert actions. An empty URL logs alerts instead.
type AlertsConfig struct {
	URL string `mapstructure:"url"`
}

// SecretsConfig enables encryption of subscription secrets at rest. Set
// either MasterKey (64 hex chars) or Passphrase and Salt; leave all empty
// to store secrets in plaintext.
type SecretsConfig struct {
	MasterKey  string `mapstructure:"master_key"`
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// SetDefaults registers every key with its default. Keys must be known to
// viper for env overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":4200")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)

	v.SetDefault("store.db_path", "spiral.db")

	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.cleanup_interval", 10*time.Minute)

	v.SetDefault("kv.backend", "libsql")
	v.SetDefault("kv.redis_addrs", []string{"localhost:6379"})
	v.SetDefault("kv.redis_password", "")
	v.SetDefault("kv.redis_db", 0)
	v.SetDefault("kv.namespace", "spiral")

	v.SetDefault("engine.action_timeout", 30*time.Second)
	v.SetDefault("engine.retry_max_attempts", 1)
	v.SetDefault("engine.retry_strategy", schema.RetryFixed)
	v.SetDefault("engine.retry_delay", "")
	v.SetDefault("engine.retry_max_delay", "")
	v.SetDefault("engine.max_concurrent_runs", engine.DefaultMaxConcurrentRuns)
	v.SetDefault("engine.max_payload_bytes", engine.DefaultMaxPayloadBytes)
	v.SetDefault("engine.subflow_poll_interval", 500*time.Millisecond)
	v.SetDefault("engine.min_delay", 10*time.Millisecond)
	v.SetDefault("engine.max_response_body", 1<<20)
	v.SetDefault("engine.parallel_caps", map[string]int{})

	v.SetDefault("webhooks.workers", webhooks.DefaultWorkers)
	v.SetDefault("webhooks.poll_interval", webhooks.DefaultPollInterval)
	v.SetDefault("webhooks.request_timeout_seconds", webhooks.DefaultSubscriptionTimeoutSeconds)
	v.SetDefault("webhooks.backoff_unit", time.Second)
	v.SetDefault("webhooks.max_retries", webhooks.DefaultSubscriptionMaxRetries)
	v.SetDefault("webhooks.retry_backoff_seconds", webhooks.DefaultRetryBackoffSeconds)
	v.SetDefault("webhooks.breaker_threshold", webhooks.DefaultBreakerConfig().FailureThreshold)
	v.SetDefault("webhooks.breaker_cooldown", webhooks.DefaultBreakerConfig().Cooldown)
	v.SetDefault("webhooks.forward_action_events", false)

	v.SetDefault("scheduler.tick_interval", 10*time.Second)

	v.SetDefault("alerts.url", "")

	v.SetDefault("secrets.master_key", "")
	v.SetDefault("secrets.passphrase", "")
	v.SetDefault("secrets.salt", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load builds the configuration from v. configFile may be empty; a named
// file that does not exist is an error. flags, when non-nil, are bound
// under their own names (e.g. a "server.listen_addr" flag).
func Load(v *viper.Viper, configFile string, flags *pflag.FlagSet) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "config file %s not found", configFile)
			}
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read config %s: %s", configFile, err.Error()).WithCause(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "decode config: %s", err.Error()).WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	result := &schema.ValidationResult{}

	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		result.AddError("server.listen_addr", schema.ErrCodeValidation, fmt.Sprintf("invalid listen address %q", c.Server.ListenAddr))
	}
	if c.Store.DBPath == "" {
		result.AddError("store.db_path", schema.ErrCodeValidation, "database path is required")
	}
	switch c.KV.Backend {
	case "libsql":
	case "redis":
		if len(c.KV.Addrs) == 0 {
			result.AddError("kv.redis_addrs", schema.ErrCodeValidation, "redis backend needs at least one address")
		}
	default:
		result.AddError("kv.backend", schema.ErrCodeValidation, fmt.Sprintf("unknown kv backend %q (libsql or redis)", c.KV.Backend))
	}
	if c.Engine.MaxConcurrentRuns < 1 {
		result.AddError("engine.max_concurrent_runs", schema.ErrCodeValidation, "must be at least 1")
	}
	if c.Engine.RetryMaxAttempts < 1 {
		result.AddError("engine.retry_max_attempts", schema.ErrCodeValidation, "must be at least 1")
	}
	if _, err := c.retryPolicy(); err != nil {
		result.AddError("engine.retry_strategy", schema.ErrCodeValidation, err.Error())
	}
	for priority, n := range c.Engine.ParallelCaps {
		switch priority {
		case schema.PriorityLow, schema.PriorityNormal, schema.PriorityHigh, schema.PriorityUrgent:
		default:
			result.AddError("engine.parallel_caps", schema.ErrCodeValidation, fmt.Sprintf("unknown priority %q", priority))
		}
		if n < 1 {
			result.AddError("engine.parallel_caps", schema.ErrCodeValidation, fmt.Sprintf("cap for %q must be at least 1", priority))
		}
	}
	if c.Webhooks.Workers < 1 {
		result.AddError("webhooks.workers", schema.ErrCodeValidation, "must be at least 1")
	}
	if c.Webhooks.BreakerThreshold < 0 {
		result.AddError("webhooks.breaker_threshold", schema.ErrCodeValidation, "must not be negative")
	}
	if c.Scheduler.TickInterval < time.Second {
		result.AddError("scheduler.tick_interval", schema.ErrCodeValidation, "must be at least 1s")
	}
	if _, err := c.SecretKey(); err != nil {
		result.AddError("secrets", schema.ErrCodeValidation, err.Error())
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		result.AddError("log.format", schema.ErrCodeValidation, fmt.Sprintf("unknown log format %q (json or text)", c.Log.Format))
	}
	return result.ToError()
}

func (c *Config) retryPolicy() (*schema.RetryPolicy, error) {
	p := &schema.RetryPolicy{
		MaxAttempts: c.Engine.RetryMaxAttempts,
		Strategy:    c.Engine.RetryStrategy,
		Delay:       c.Engine.RetryDelay,
		MaxDelay:    c.Engine.RetryMaxDelay,
	}
	switch p.Strategy {
	case schema.RetryFixed, schema.RetryLinear, schema.RetryExponential, "constant":
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	for _, d := range []string{p.Delay, p.MaxDelay} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return nil, fmt.Errorf("invalid retry duration %q", d)
		}
	}
	return p, nil
}

// EngineSettings returns the engine settings.
func (c *Config) EngineSettings() engine.Config {
	ac := actions.DefaultConfig()
	ac.DefaultTimeout = c.Engine.ActionTimeout
	ac.MinDelay = c.Engine.MinDelay
	ac.PollInterval = c.Engine.SubflowPoll
	ac.MaxResponseBody = c.Engine.MaxResponseBody
	for priority, n := range c.Engine.ParallelCaps {
		ac.PriorityConcurrency[priority] = n
	}
	policy, _ := c.retryPolicy()
	return engine.Config{
		Actions:           ac,
		DefaultRetry:      policy,
		MaxConcurrentRuns: c.Engine.MaxConcurrentRuns,
		MaxPayloadBytes:   c.Engine.MaxPayloadBytes,
	}
}

// WebhookSettings returns the webhook delivery settings.
func (c *Config) WebhookSettings() webhooks.Config {
	return webhooks.Config{
		Workers:                    c.Webhooks.Workers,
		PollInterval:               c.Webhooks.PollInterval,
		BackoffUnit:                c.Webhooks.BackoffUnit,
		DefaultTimeoutSeconds:      c.Webhooks.RequestTimeout,
		DefaultMaxRetries:          c.Webhooks.MaxRetries,
		DefaultRetryBackoffSeconds: c.Webhooks.RetryBackoff,
		Breaker: webhooks.BreakerConfig{
			FailureThreshold: c.Webhooks.BreakerThreshold,
			Cooldown:         c.Webhooks.BreakerCooldown,
		},
	}
}

// RedisSettings returns the redis KV connection settings.
func (c *Config) RedisSettings() store.RedisConfig {
	return store.RedisConfig{
		Addrs:     c.KV.Addrs,
		Password:  c.KV.Password,
		DB:        c.KV.DB,
		Namespace: c.KV.Namespace,
	}
}

// SecretKey returns the key settings for sealing subscription secrets.
// The result is not Enabled when no key is configured.
func (c *Config) SecretKey() (secrets.KeyConfig, error) {
	var k secrets.KeyConfig
	if c.Secrets.MasterKey != "" {
		key, err := hex.DecodeString(c.Secrets.MasterKey)
		if err != nil || len(key) != 32 {
			return k, fmt.Errorf("master_key must be 64 hex characters")
		}
		k.MasterKey = key
		return k, nil
	}
	if c.Secrets.Passphrase != "" {
		if c.Secrets.Salt == "" {
			return k, fmt.Errorf("salt is required with passphrase")
		}
		k.Passphrase = c.Secrets.Passphrase
		k.Salt = []byte(c.Secrets.Salt)
	}
	return k, nil
}
