package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "BOARDSYNC"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabaseName  = "boardsync.db"
	defaultDriver        = "sqlite"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 480
	defaultCanvasWidth   = 1600
	defaultCanvasHeight  = 1200
	defaultAssetTimeoutS = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabaseDriver  string
	DatabasePath    string
	DatabaseDSN     string
	SigningSecret   string
	TokenTTL        time.Duration
	RedisAddress    string
	RedisPassword   string
	RedisDB         int
	AssetServiceURL string
	AssetTimeout    time.Duration
	CanvasWidth     int
	CanvasHeight    int
	LogLevel        string
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
	configViper.SetDefault("database.driver", defaultDriver)
	configViper.SetDefault("database.path", defaultDatabaseName)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("asset.service_url", "")
	configViper.SetDefault("asset.timeout_seconds", defaultAssetTimeoutS)
	configViper.SetDefault("export.canvas_width", defaultCanvasWidth)
	configViper.SetDefault("export.canvas_height", defaultCanvasHeight)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabaseDriver:  strings.ToLower(configViper.GetString("database.driver")),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisAddress:    configViper.GetString("redis.address"),
		RedisPassword:   configViper.GetString("redis.password"),
		RedisDB:         configViper.GetInt("redis.db"),
		AssetServiceURL: configViper.GetString("asset.service_url"),
		AssetTimeout:    time.Duration(configViper.GetInt("asset.timeout_seconds")) * time.Second,
		CanvasWidth:     configViper.GetInt("export.canvas_width"),
		CanvasHeight:    configViper.GetInt("export.canvas_height"),
		LogLevel:        configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.CanvasWidth <= 0 || c.CanvasHeight <= 0 {
		return fmt.Errorf("export canvas dimensions must be positive")
	}
	return nil
}
