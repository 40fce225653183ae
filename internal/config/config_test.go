package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "schemehub.db" {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
	if cfg.LeaseTTL != 300*time.Second {
		t.Fatalf("unexpected lease ttl: %v", cfg.LeaseTTL)
	}
	if cfg.ActorHeader != "X-Actor" {
		t.Fatalf("unexpected actor header: %s", cfg.ActorHeader)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error without signing secret")
	}
}

func TestLoadRejectsNonPositiveLeaseTTL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "test-secret")
	configViper.Set("lease.ttl_seconds", 0)

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero lease ttl")
	}
}

func TestSessionTokenTTLOutlivesLease(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "test-secret")
	configViper.Set("lease.ttl_seconds", 120)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SessionTokenTTL() <= cfg.LeaseTTL {
		t.Fatalf("session token ttl must outlive the lease, got %v vs %v", cfg.SessionTokenTTL(), cfg.LeaseTTL)
	}
}
