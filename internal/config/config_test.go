package config_test

import (
	"testing"
	"time"

	"github.com/admp-protocol/admp-hub/internal/config"
	"github.com/admp-protocol/admp-hub/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("Port = %d", cfg.Port)
	}
	if cfg.StorageBackend != config.BackendMemory {
		t.Fatalf("StorageBackend = %q", cfg.StorageBackend)
	}
	if cfg.MessageTTLSec != 86_400 {
		t.Fatalf("MessageTTLSec = %d", cfg.MessageTTLSec)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Fatalf("CleanupInterval = %s", cfg.CleanupInterval)
	}
	if cfg.RegistrationPolicy != model.PolicyOpen {
		t.Fatalf("RegistrationPolicy = %q", cfg.RegistrationPolicy)
	}
	if cfg.APIKeyRequired {
		t.Fatal("APIKeyRequired should default to false")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("STORAGE_BACKEND", "mech")
	t.Setenv("MECH_URL", "https://mech.example.com")
	t.Setenv("MECH_APP", "hub-prod")
	t.Setenv("API_KEY_REQUIRED", "true")
	t.Setenv("MASTER_API_KEY", "admp_master")
	t.Setenv("REGISTRATION_POLICY", "approval_required")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("Port = %d", cfg.Port)
	}
	if cfg.StorageBackend != config.BackendMech || cfg.MechURL != "https://mech.example.com" {
		t.Fatalf("mech config = %q %q", cfg.StorageBackend, cfg.MechURL)
	}
	if !cfg.APIKeyRequired || cfg.MasterAPIKey != "admp_master" {
		t.Fatal("auth config not picked up from environment")
	}
	if cfg.RegistrationPolicy != model.PolicyApprovalRequired {
		t.Fatalf("RegistrationPolicy = %q", cfg.RegistrationPolicy)
	}
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*config.Config)
	}{
		{"mech without url", func(c *config.Config) { c.StorageBackend = config.BackendMech }},
		{"postgres without dsn", func(c *config.Config) { c.StorageBackend = config.BackendPostgres }},
		{"unknown backend", func(c *config.Config) { c.StorageBackend = "redis" }},
		{"auth without master key", func(c *config.Config) { c.APIKeyRequired = true }},
		{"unknown policy", func(c *config.Config) { c.RegistrationPolicy = "invite" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{
				StorageBackend:     config.BackendMemory,
				RegistrationPolicy: model.PolicyOpen,
			}
			tc.mut(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEffectiveTokenSecretFallsBack(t *testing.T) {
	cfg := &config.Config{MasterAPIKey: "master"}
	if got := string(cfg.EffectiveTokenSecret()); got != "master" {
		t.Fatalf("secret = %q", got)
	}
	cfg.TokenSecret = "dedicated"
	if got := string(cfg.EffectiveTokenSecret()); got != "dedicated" {
		t.Fatalf("secret = %q", got)
	}
}
