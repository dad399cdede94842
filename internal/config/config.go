// Package config loads hub configuration from a YAML file and environment
// variables. Environment variables win; every key has a usable default so a
// bare `admp-hub serve` starts an in-memory hub.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/admp-protocol/admp-hub/internal/model"
)

// Backend selects the storage implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendMech     Backend = "mech"
	BackendPostgres Backend = "postgres"
)

// Config is the resolved hub configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	RateLimitRPS int
	MaxBodyBytes int64

	HeartbeatIntervalMS int64
	HeartbeatTimeoutMS  int64
	RegistrationPolicy  model.RegistrationPolicy

	MessageTTLSec     int64
	VisibilityTimeout time.Duration
	MaxAttempts       int

	CleanupInterval time.Duration

	APIKeyRequired bool
	MasterAPIKey   string
	APIKeyPepper   string
	TokenSecret    string
	TokenTTL       time.Duration

	StorageBackend Backend
	MechURL        string
	MechApp        string
	MechAPIKey     string
	MechTimeout    time.Duration
	DatabaseURL    string

	WebhookWorkers int
}

// Load reads hub.yaml (configs/ or the working directory) and the
// environment, and validates the result.
func Load() (*Config, error) {
	viper.SetConfigName("hub")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	viper.SetDefault("cors_origins", []string{"*"})
	viper.SetDefault("rate_limit_rps", 50)
	viper.SetDefault("max_body_bytes", 1<<20)

	viper.SetDefault("heartbeat_interval_ms", 30_000)
	viper.SetDefault("heartbeat_timeout_ms", 90_000)
	viper.SetDefault("registration_policy", string(model.PolicyOpen))

	viper.SetDefault("message_ttl_sec", 86_400)
	viper.SetDefault("visibility_timeout_sec", 60)
	viper.SetDefault("max_attempts", 5)

	viper.SetDefault("cleanup_interval_ms", 60_000)

	viper.SetDefault("api_key_required", false)
	viper.SetDefault("master_api_key", "")
	viper.SetDefault("api_key_pepper", "")
	viper.SetDefault("token_secret", "")
	viper.SetDefault("token_ttl_seconds", 3600)

	viper.SetDefault("storage_backend", string(BackendMemory))
	viper.SetDefault("mech_url", "")
	viper.SetDefault("mech_app", "admp")
	viper.SetDefault("mech_api_key", "")
	viper.SetDefault("mech_timeout", "10s")
	viper.SetDefault("database_url", "")

	viper.SetDefault("webhook_workers", 4)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	mechTimeout, err := time.ParseDuration(viper.GetString("mech_timeout"))
	if err != nil {
		return nil, fmt.Errorf("parse mech_timeout: %w", err)
	}

	cfg := &Config{
		Port:         viper.GetInt("port"),
		CORSOrigins:  viper.GetStringSlice("cors_origins"),
		RateLimitRPS: viper.GetInt("rate_limit_rps"),
		MaxBodyBytes: viper.GetInt64("max_body_bytes"),

		HeartbeatIntervalMS: viper.GetInt64("heartbeat_interval_ms"),
		HeartbeatTimeoutMS:  viper.GetInt64("heartbeat_timeout_ms"),
		RegistrationPolicy:  model.RegistrationPolicy(viper.GetString("registration_policy")),

		MessageTTLSec:     viper.GetInt64("message_ttl_sec"),
		VisibilityTimeout: time.Duration(viper.GetInt64("visibility_timeout_sec")) * time.Second,
		MaxAttempts:       viper.GetInt("max_attempts"),

		CleanupInterval: time.Duration(viper.GetInt64("cleanup_interval_ms")) * time.Millisecond,

		APIKeyRequired: viper.GetBool("api_key_required"),
		MasterAPIKey:   viper.GetString("master_api_key"),
		APIKeyPepper:   viper.GetString("api_key_pepper"),
		TokenSecret:    viper.GetString("token_secret"),
		TokenTTL:       time.Duration(viper.GetInt("token_ttl_seconds")) * time.Second,

		StorageBackend: Backend(viper.GetString("storage_backend")),
		MechURL:        viper.GetString("mech_url"),
		MechApp:        viper.GetString("mech_app"),
		MechAPIKey:     viper.GetString("mech_api_key"),
		MechTimeout:    mechTimeout,
		DatabaseURL:    viper.GetString("database_url"),

		WebhookWorkers: viper.GetInt("webhook_workers"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations the hub cannot start with.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory:
	case BackendMech:
		if c.MechURL == "" {
			return fmt.Errorf("storage_backend mech requires mech_url")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("storage_backend postgres requires database_url")
		}
	default:
		return fmt.Errorf("unknown storage_backend %q", c.StorageBackend)
	}

	if c.APIKeyRequired && c.MasterAPIKey == "" {
		return fmt.Errorf("api_key_required is set but master_api_key is empty")
	}
	switch p := c.RegistrationPolicy; p {
	case model.PolicyOpen, model.PolicyApprovalRequired:
	default:
		return fmt.Errorf("unknown registration_policy %q", p)
	}
	return nil
}

// EffectiveTokenSecret falls back to the master key so a minimal
// deployment needs only one secret.
func (c *Config) EffectiveTokenSecret() []byte {
	if c.TokenSecret != "" {
		return []byte(c.TokenSecret)
	}
	return []byte(c.MasterAPIKey)
}
