package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "WIKIWARE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "wikiware.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "wiki_session"
	defaultIssuer       = "wikiware"

	defaultTokenTTLMinutes       = 30
	defaultLeaseSeconds          = 90
	defaultMaxAheadSeconds       = 120
	defaultHeartbeatThrottleSecs = 5
	defaultHousekeepingSeconds   = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	AuthSigningKey string
	AuthCookieName string
	AuthIssuer     string
	TokenTTL       time.Duration

	LeaseTTL             time.Duration
	LeaseMaxAhead        time.Duration
	HeartbeatThrottle    time.Duration
	HousekeepingInterval time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("presence.lease_seconds", defaultLeaseSeconds)
	configViper.SetDefault("presence.max_ahead_seconds", defaultMaxAheadSeconds)
	configViper.SetDefault("presence.heartbeat_throttle_seconds", defaultHeartbeatThrottleSecs)
	configViper.SetDefault("presence.housekeeping_seconds", defaultHousekeepingSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),

		AuthSigningKey: configViper.GetString("auth.signing_secret"),
		AuthCookieName: configViper.GetString("auth.cookie_name"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		LeaseTTL:             time.Duration(configViper.GetInt("presence.lease_seconds")) * time.Second,
		LeaseMaxAhead:        time.Duration(configViper.GetInt("presence.max_ahead_seconds")) * time.Second,
		HeartbeatThrottle:    time.Duration(configViper.GetInt("presence.heartbeat_throttle_seconds")) * time.Second,
		HousekeepingInterval: time.Duration(configViper.GetInt("presence.housekeeping_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("presence.lease_seconds must be positive")
	}
	if c.LeaseMaxAhead < c.LeaseTTL {
		return fmt.Errorf("presence.max_ahead_seconds must be at least presence.lease_seconds")
	}
	if c.HousekeepingInterval <= 0 {
		return fmt.Errorf("presence.housekeeping_seconds must be positive")
	}
	return nil
}
