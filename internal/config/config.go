package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "SEQUENCER"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = "sqlite"
	defaultDatabasePath   = "sequencer.db"
	defaultLogLevel       = "info"
	defaultTokenTTL       = 30
	defaultCacheTTL       = 600
	defaultStorageRegion  = "us-east-1"
	defaultClientBaseURL  = "http://127.0.0.1:8080"
	defaultDraftsDir      = ".sequencer/drafts"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	SigningSecret  string
	APIKey         string
	TokenTTL       time.Duration
	LogLevel       string
	RedisURL       string
	CacheTTL       time.Duration
	Storage        StorageConfig
	AllowedOrigins []string
}

// StorageConfig addresses the S3-compatible bucket for render uploads. An empty endpoint disables uploads.
type StorageConfig struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string
}

// Enabled reports whether render uploads are configured.
func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != ""
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTL)
	configViper.SetDefault("storage.region", defaultStorageRegion)
	configViper.SetDefault("storage.use_ssl", true)
	configViper.SetDefault("client.base_url", defaultClientBaseURL)
	configViper.SetDefault("drafts.enabled", false)
	configViper.SetDefault("drafts.dir", defaultDraftsDir)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		APIKey:         configViper.GetString("auth.api_key"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:       configViper.GetString("log.level"),
		RedisURL:       configViper.GetString("redis.url"),
		CacheTTL:       time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Storage: StorageConfig{
			Endpoint:      configViper.GetString("storage.endpoint"),
			Region:        configViper.GetString("storage.region"),
			Bucket:        configViper.GetString("storage.bucket"),
			AccessKey:     configViper.GetString("storage.access_key"),
			SecretKey:     configViper.GetString("storage.secret_key"),
			UseSSL:        configViper.GetBool("storage.use_ssl"),
			PublicBaseURL: configViper.GetString("storage.public_base_url"),
		},
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
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("auth.api_key is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.Storage.Enabled() && strings.TrimSpace(c.Storage.Bucket) == "" {
		return fmt.Errorf("storage.bucket is required when storage.endpoint is set")
	}
	return nil
}
