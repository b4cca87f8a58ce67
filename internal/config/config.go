// Package config loads the router's environment-driven configuration
// through viper, the way the pack's own services source runtime settings,
// applying the defaults and shapes documented for the router's
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the router's fully resolved runtime configuration.
type Config struct {
	Port    int
	Name    string
	Version string

	ToolNameSeparator string

	AuthEnabled bool

	UserManagementAPI    string
	UserManagementAPIKey string

	DatabaseURL string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string

	RunMigrations bool

	EnableEventLog bool
	EnableAuditLog bool

	PingInterval    time.Duration
	MaxPingFailures int

	InstanceID string

	SyncPollInterval        time.Duration
	SyncCleanupInterval     time.Duration
	SyncEventRetentionHours int

	AuditRetentionDays int
}

// Load reads configuration from the environment, applying the defaults the
// router documents for every variable. Viper's automatic env binding means
// any of these can be overridden by setting the same-named environment
// variable.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ROUTER_PORT", 4000)
	v.SetDefault("ROUTER_NAME", "mcp-router")
	v.SetDefault("ROUTER_VERSION", "0.1.0")
	v.SetDefault("TOOL_NAME_SEPARATOR", ":")
	v.SetDefault("AUTH_ENABLED", false)
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("ENABLE_EVENT_LOG", true)
	v.SetDefault("ENABLE_AUDIT_LOG", false)
	v.SetDefault("PING_INTERVAL_MS", 30000)
	v.SetDefault("MAX_PING_FAILURES", 3)
	v.SetDefault("SYNC_POLL_INTERVAL_MS", 5000)
	v.SetDefault("SYNC_CLEANUP_INTERVAL_MS", 3600000)
	v.SetDefault("SYNC_EVENT_RETENTION_HOURS", 24)
	v.SetDefault("AUDIT_RETENTION_DAYS", 30)
	v.SetDefault("DB_PORT", 5432)

	cfg := &Config{
		Port:                    v.GetInt("ROUTER_PORT"),
		Name:                    v.GetString("ROUTER_NAME"),
		Version:                 v.GetString("ROUTER_VERSION"),
		ToolNameSeparator:       v.GetString("TOOL_NAME_SEPARATOR"),
		AuthEnabled:             v.GetBool("AUTH_ENABLED"),
		UserManagementAPI:       v.GetString("USER_MANAGEMENT_API"),
		UserManagementAPIKey:    v.GetString("USER_MANAGEMENT_API_KEY"),
		DatabaseURL:             v.GetString("DATABASE_URL"),
		DBHost:                  v.GetString("DB_HOST"),
		DBPort:                  v.GetInt("DB_PORT"),
		DBName:                  v.GetString("DB_NAME"),
		DBUser:                  v.GetString("DB_USER"),
		DBPassword:              v.GetString("DB_PASSWORD"),
		RunMigrations:           v.GetBool("RUN_MIGRATIONS"),
		EnableEventLog:          v.GetBool("ENABLE_EVENT_LOG"),
		EnableAuditLog:          v.GetBool("ENABLE_AUDIT_LOG"),
		PingInterval:            time.Duration(v.GetInt64("PING_INTERVAL_MS")) * time.Millisecond,
		MaxPingFailures:         v.GetInt("MAX_PING_FAILURES"),
		InstanceID:              v.GetString("INSTANCE_ID"),
		SyncPollInterval:        time.Duration(v.GetInt64("SYNC_POLL_INTERVAL_MS")) * time.Millisecond,
		SyncCleanupInterval:     time.Duration(v.GetInt64("SYNC_CLEANUP_INTERVAL_MS")) * time.Millisecond,
		SyncEventRetentionHours: v.GetInt("SYNC_EVENT_RETENTION_HOURS"),
		AuditRetentionDays:      v.GetInt("AUDIT_RETENTION_DAYS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" && c.DBHost == "" {
		return fmt.Errorf("config: one of DATABASE_URL or DB_HOST must be set")
	}
	if c.UserManagementAPI != "" && c.UserManagementAPIKey == "" {
		return fmt.Errorf("config: USER_MANAGEMENT_API_KEY is required when USER_MANAGEMENT_API is set")
	}
	return nil
}

// ConnectionString returns DATABASE_URL if set, otherwise a connection
// string assembled from the discrete DB_* variables.
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// Sanitized returns a copy of Config with secrets redacted, suitable for
// the GET /config endpoint.
func (c *Config) Sanitized() map[string]any {
	return map[string]any{
		"port":                     c.Port,
		"name":                     c.Name,
		"version":                  c.Version,
		"toolNameSeparator":        c.ToolNameSeparator,
		"authEnabled":              c.AuthEnabled,
		"userManagementConfigured": c.UserManagementAPI != "",
		"runMigrations":            c.RunMigrations,
		"enableEventLog":           c.EnableEventLog,
		"enableAuditLog":           c.EnableAuditLog,
		"pingIntervalMs":           c.PingInterval.Milliseconds(),
		"maxPingFailures":          c.MaxPingFailures,
		"instanceId":               c.InstanceID,
		"syncPollIntervalMs":       c.SyncPollInterval.Milliseconds(),
		"syncCleanupIntervalMs":    c.SyncCleanupInterval.Milliseconds(),
		"syncEventRetentionHours":  c.SyncEventRetentionHours,
		"auditRetentionDays":       c.AuditRetentionDays,
	}
}
