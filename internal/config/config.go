// Package config loads process configuration from an optional YAML file
// with environment-variable overrides. A .env file is honored in
// development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Storage     StorageConfig     `yaml:"storage"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Workers     WorkersConfig     `yaml:"workers"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// URL is a Postgres connection string. Empty in development selects
	// the in-memory store and queue.
	URL string `yaml:"url"`
}

type RedisConfig struct {
	// URL as accepted by redis.ParseURL. Empty in development disables the
	// idempotency cache and puts the rate limiter in fail-open mode.
	URL string `yaml:"url"`
}

type StorageConfig struct {
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type WebhooksConfig struct {
	Secret     string            `yaml:"secret"`
	DefaultURL string            `yaml:"default_url"`
	TenantURLs map[string]string `yaml:"tenant_urls"` // upper-snake tenant -> url
}

type CredentialsConfig struct {
	Prefix string `yaml:"prefix"`
}

type WorkersConfig struct {
	PoolSize            int `yaml:"pool_size"`
	BatchSizeLimitBytes int `yaml:"batch_size_limit_bytes"`
}

// Load reads the YAML file at path (skipped when path is empty or absent),
// applies environment overrides, and validates. A .env file in the working
// directory is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server:      ServerConfig{Port: "8080", Env: EnvDevelopment},
		Webhooks:    WebhooksConfig{TenantURLs: make(map[string]string)},
		Credentials: CredentialsConfig{Prefix: "ms_"},
		Workers:     WorkersConfig{PoolSize: 8, BatchSizeLimitBytes: 250_000},
	}

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			err = yaml.NewDecoder(f).Decode(cfg)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}
	if cfg.Webhooks.TenantURLs == nil {
		cfg.Webhooks.TenantURLs = make(map[string]string)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Env, "ENVIRONMENT")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Storage.SupabaseURL, "SUPABASE_URL")
	setString(&cfg.Storage.SupabaseKey, "SUPABASE_SERVICE_KEY")
	setString(&cfg.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&cfg.PubSub.TopicID, "PUBSUB_TOPIC_ID")
	setString(&cfg.Webhooks.Secret, "WEBHOOK_SECRET")
	setString(&cfg.Webhooks.DefaultURL, "DEFAULT_WEBHOOK_URL")
	setString(&cfg.Credentials.Prefix, "CREDENTIAL_PREFIX")
	setInt(&cfg.Workers.PoolSize, "WORKER_POOL_SIZE")
	setInt(&cfg.Workers.BatchSizeLimitBytes, "BATCH_SIZE_LIMIT_BYTES")

	// Per-tenant webhook targets: WEBHOOK_URL_<TENANT_UPPER_SNAKE>=url.
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if tenant, found := strings.CutPrefix(k, "WEBHOOK_URL_"); found && tenant != "" {
			cfg.Webhooks.TenantURLs[tenant] = v
		}
	}
}

func (c *Config) validate() error {
	if c.Webhooks.Secret == "" {
		return fmt.Errorf("config: WEBHOOK_SECRET is required")
	}
	switch c.Server.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: unknown ENVIRONMENT %q", c.Server.Env)
	}
	// In-memory fallbacks are a development affordance only; outside
	// development every backing service must be configured explicitly.
	if !c.IsDevelopment() {
		switch {
		case c.Database.URL == "":
			return fmt.Errorf("config: DATABASE_URL is required outside development")
		case c.Redis.URL == "":
			return fmt.Errorf("config: REDIS_URL is required outside development")
		case c.Storage.SupabaseURL == "":
			return fmt.Errorf("config: SUPABASE_URL is required outside development")
		}
	}
	if c.Workers.PoolSize <= 0 {
		c.Workers.PoolSize = 8
	}
	if c.Workers.BatchSizeLimitBytes <= 0 {
		c.Workers.BatchSizeLimitBytes = 250_000
	}
	return nil
}

// IsDevelopment reports whether dev affordances (in-memory backends) may
// be used.
func (c *Config) IsDevelopment() bool { return c.Server.Env == EnvDevelopment }

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
