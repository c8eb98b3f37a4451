package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"trustcase-svc/internal/datastore"
)

// Config is the full service configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Store     StoreConfig     `mapstructure:"store"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
}

// StoreConfig selects and configures the case repository.
type StoreConfig struct {
	Type       string `mapstructure:"type"`
	ConnString string `mapstructure:"conn_string"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int    `mapstructure:"max_conns"`
}

// HTTPConfig configures the web server.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	CookieSecure   bool     `mapstructure:"cookie_secure"`
	CookieDomain   string   `mapstructure:"cookie_domain"`
}

// AuthConfig holds credential secrets and lifetimes.
type AuthConfig struct {
	TokenSecret     string        `mapstructure:"token_secret"`
	SystemKey       string        `mapstructure:"system_key"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	UpgradeTokenTTL time.Duration `mapstructure:"upgrade_token_ttl"`
}

// PaymentConfig configures the step 5 payment window.
type PaymentConfig struct {
	Deadline time.Duration `mapstructure:"deadline"`
}

// NotifyConfig configures the notification channels.
type NotifyConfig struct {
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	Timeout          time.Duration `mapstructure:"timeout"`
	LineChannelToken string        `mapstructure:"line_channel_token"`
	LineAPIBase      string        `mapstructure:"line_api_base"`
	PushRelayURL     string        `mapstructure:"push_relay_url"`
	PushRelayToken   string        `mapstructure:"push_relay_token"`
}

// LifecycleConfig configures the dormancy sweep.
type LifecycleConfig struct {
	DormantAfter time.Duration `mapstructure:"dormant_after"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Type:       string(datastore.PostgreSQLStore),
			ConnString: "postgres://localhost:5432/postgres?sslmode=disable",
			SQLitePath: "trust.db",
			MaxConns:   10,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173"},
			CookieSecure:   true,
		},
		Auth: AuthConfig{
			SessionTTL:      30 * 24 * time.Hour,
			UpgradeTokenTTL: 7 * 24 * time.Hour,
		},
		Payment: PaymentConfig{
			Deadline: 12 * time.Hour,
		},
		Notify: NotifyConfig{
			RetryDelay:  time.Second,
			Timeout:     10 * time.Second,
			LineAPIBase: "https://api.line.me",
		},
		Lifecycle: LifecycleConfig{
			DormantAfter: 30 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// TRUST_* environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("TRUST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DB_CONN_STRING is still honoured for existing deployments.
	if err := v.BindEnv("store.conn_string", "TRUST_STORE_CONN_STRING", "DB_CONN_STRING"); err != nil {
		return nil, err
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("store.type", d.Store.Type)
	v.SetDefault("store.conn_string", d.Store.ConnString)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.max_conns", d.Store.MaxConns)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)
	v.SetDefault("http.cookie_secure", d.HTTP.CookieSecure)
	v.SetDefault("http.cookie_domain", d.HTTP.CookieDomain)

	v.SetDefault("auth.token_secret", d.Auth.TokenSecret)
	v.SetDefault("auth.system_key", d.Auth.SystemKey)
	v.SetDefault("auth.session_ttl", d.Auth.SessionTTL)
	v.SetDefault("auth.upgrade_token_ttl", d.Auth.UpgradeTokenTTL)

	v.SetDefault("payment.deadline", d.Payment.Deadline)

	v.SetDefault("notify.retry_delay", d.Notify.RetryDelay)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.line_channel_token", d.Notify.LineChannelToken)
	v.SetDefault("notify.line_api_base", d.Notify.LineAPIBase)
	v.SetDefault("notify.push_relay_url", d.Notify.PushRelayURL)
	v.SetDefault("notify.push_relay_token", d.Notify.PushRelayToken)

	v.SetDefault("lifecycle.dormant_after", d.Lifecycle.DormantAfter)
}

// Validate reports configuration that would leave the service unusable.
// Secrets are optional only for the in-memory store.
func (c *Config) Validate() error {
	storeType, err := datastore.ParseType(c.Store.Type)
	if err != nil {
		return err
	}

	var problems []string
	if storeType != datastore.MemoryStore {
		if len(c.Auth.TokenSecret) < 32 {
			problems = append(problems, "auth.token_secret must be at least 32 bytes")
		}
		if c.Auth.SystemKey == "" {
			problems = append(problems, "auth.system_key is required")
		}
	}
	if c.Payment.Deadline <= 0 {
		problems = append(problems, "payment.deadline must be positive")
	}
	if c.Notify.RetryDelay < 0 {
		problems = append(problems, "notify.retry_delay must not be negative")
	}
	if c.Lifecycle.DormantAfter <= 0 {
		problems = append(problems, "lifecycle.dormant_after must be positive")
	}
	if c.Auth.SessionTTL <= 0 || c.Auth.UpgradeTokenTTL <= 0 {
		problems = append(problems, "auth TTLs must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// DataStoreConfig returns the data store configuration for the selected store type.
func (c *Config) DataStoreConfig() (datastore.Config, error) {
	storeType, err := datastore.ParseType(c.Store.Type)
	if err != nil {
		return datastore.Config{}, err
	}
	return datastore.Config{
		Type:             storeType,
		ConnectionString: c.Store.ConnString,
		SQLitePath:       c.Store.SQLitePath,
		MaxConns:         c.Store.MaxConns,
	}, nil
}

// IsMemoryMode returns true if running against the in-memory store
func (c *Config) IsMemoryMode() bool {
	t, err := datastore.ParseType(c.Store.Type)
	return err == nil && t == datastore.MemoryStore
}
