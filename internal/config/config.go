package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "RELEASEBELL"
	defaultHTTPAddress  = "0.0.0.0:3000"
	defaultDatabasePath = "releasebell.db"
	defaultLogLevel     = "info"
	defaultAuthIssuer   = "releasebell"
	defaultAuthAudience = "releasebell-api"

	defaultSyncInterval     = time.Hour
	defaultStaleAfter       = 10 * 24 * time.Hour
	defaultBodyLimit        = 1000
	defaultStorageBodyLimit = 65000
)

// AppConfig captures runtime configuration for the service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string

	AppOrigin string

	SMTP SMTPConfig
	Sync SyncConfig

	// Adapters maps a project type onto a provider adapter name. Types
	// absent from the map are skipped during sync.
	Adapters map[string]string
}

// SMTPConfig describes the outbound mail transport. An empty Host leaves
// the transport unconfigured, which is a valid inert state.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Configured reports whether enough SMTP settings are present to send mail.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Port > 0 && c.From != ""
}

// SyncConfig holds the tunables of the reconciliation engine.
type SyncConfig struct {
	Interval         time.Duration
	StaleAfter       time.Duration
	BodyLimit        int
	StorageBodyLimit int
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
	configViper.SetDefault("app.origin", "")

	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)

	configViper.SetDefault("smtp.host", "")
	configViper.SetDefault("smtp.port", 0)
	configViper.SetDefault("smtp.username", "")
	configViper.SetDefault("smtp.password", "")
	configViper.SetDefault("smtp.from", "")

	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.stale_after", defaultStaleAfter)
	configViper.SetDefault("sync.body_limit", defaultBodyLimit)
	configViper.SetDefault("sync.storage_body_limit", defaultStorageBodyLimit)

	configViper.SetDefault("providers.adapters", map[string]string{
		"github":        "github",
		"github_manual": "github",
		"gitlab":        "gitlab",
	})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		AppOrigin:         configViper.GetString("app.origin"),
		SMTP: SMTPConfig{
			Host:     configViper.GetString("smtp.host"),
			Port:     configViper.GetInt("smtp.port"),
			Username: configViper.GetString("smtp.username"),
			Password: configViper.GetString("smtp.password"),
			From:     configViper.GetString("smtp.from"),
		},
		Sync: SyncConfig{
			Interval:         configViper.GetDuration("sync.interval"),
			StaleAfter:       configViper.GetDuration("sync.stale_after"),
			BodyLimit:        configViper.GetInt("sync.body_limit"),
			StorageBodyLimit: configViper.GetInt("sync.storage_body_limit"),
		},
		Adapters: configViper.GetStringMapString("providers.adapters"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.BodyLimit <= 0 || c.Sync.StorageBodyLimit <= 0 {
		return fmt.Errorf("sync body limits must be positive")
	}
	if c.Sync.BodyLimit > c.Sync.StorageBodyLimit {
		return fmt.Errorf("sync.body_limit must not exceed sync.storage_body_limit")
	}
	return nil
}
