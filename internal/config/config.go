package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "LOBBY"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DatabaseDriverSQLite
	defaultDatabasePath       = "lobby.db"
	defaultLogLevel           = "info"
	defaultTokenTTL           = 720 * time.Hour
	defaultIdleThreshold      = 5 * time.Second
	defaultRealtimeBufferSize = 64
	defaultCookieName         = "lobby_identity"
)

const (
	DatabaseDriverSQLite = "sqlite"
	DatabaseDriverMemory = "memory"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	TokenTTL           time.Duration
	CookieName         string
	IdleThreshold      time.Duration
	RealtimeBufferSize int
	AllowedOrigins     []string
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("identity.token_ttl", defaultTokenTTL)
	configViper.SetDefault("identity.cookie_name", defaultCookieName)
	configViper.SetDefault("presence.idle_threshold", defaultIdleThreshold)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBufferSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("identity.signing_secret"),
		TokenTTL:           configViper.GetDuration("identity.token_ttl"),
		CookieName:         configViper.GetString("identity.cookie_name"),
		IdleThreshold:      configViper.GetDuration("presence.idle_threshold"),
		RealtimeBufferSize: configViper.GetInt("realtime.buffer_size"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("identity.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverMemory, c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("identity.token_ttl must be positive")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("identity.cookie_name is required")
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("presence.idle_threshold must be positive")
	}
	if c.RealtimeBufferSize <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}
	return nil
}
