package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SCHEMEHUB"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "schemehub.db"
	defaultLogLevel         = "info"
	defaultLeaseTTLSeconds  = 300
	defaultActorHeader      = "X-Actor"
	defaultSessionTTLFactor = 2
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	LeaseTTL             time.Duration
	SeedPath             string
	ActorHeader          string
	SessionSigningSecret string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("lease.ttl_seconds", defaultLeaseTTLSeconds)
	configViper.SetDefault("seed.path", "")
	configViper.SetDefault("actor.header", defaultActorHeader)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LeaseTTL:             time.Duration(configViper.GetInt("lease.ttl_seconds")) * time.Second,
		SeedPath:             configViper.GetString("seed.path"),
		ActorHeader:          configViper.GetString("actor.header"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SessionTokenTTL derives how long a session handle stays valid. Handles
// outlive the lease so that a save attempted after lease expiry still reaches
// the controller and gets a lease-lost outcome instead of a token rejection.
func (c AppConfig) SessionTokenTTL() time.Duration {
	return c.LeaseTTL * defaultSessionTTLFactor
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease.ttl_seconds must be positive")
	}
	if strings.TrimSpace(c.ActorHeader) == "" {
		return fmt.Errorf("actor.header is required")
	}
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	return nil
}
