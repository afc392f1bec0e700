package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox subsystem configuration
type SandboxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`

	MySQLHost          string `mapstructure:"mysql_host"`
	MySQLPort          int    `mapstructure:"mysql_port"`
	MySQLAdminUser     string `mapstructure:"mysql_admin_user"`
	MySQLAdminPassword string `mapstructure:"mysql_admin_password"`

	MaxActiveSandboxes  int `mapstructure:"max_active_sandboxes"`
	MaxSandboxesPerUser int `mapstructure:"max_sandboxes_per_user"`

	IdleTimeoutMinutes  int `mapstructure:"idle_timeout_minutes"`
	MaxLifetimeHours    int `mapstructure:"max_lifetime_hours"`
	QueryTimeoutSeconds int `mapstructure:"query_timeout_seconds"`

	MaxResultRows   int `mapstructure:"max_result_rows"`
	MaxSchemaSizeMB int `mapstructure:"max_schema_size_mb"`

	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
	CleanupBatchSize       int `mapstructure:"cleanup_batch_size"`

	AllowedQueryTypes []string `mapstructure:"allowed_query_types"`
	BlockedPatterns   []string `mapstructure:"blocked_patterns"`

	SchemaPrefix string `mapstructure:"schema_prefix"`
	PolicyFile   string `mapstructure:"policy_file"`
}

// DefaultBlockedPatterns are the statement patterns rejected in every sandbox,
// regardless of lesson policy.
var DefaultBlockedPatterns = []string{
	`\bDROP\b`,
	`\bCREATE\s+(?:DATABASE|SCHEMA)\b`,
	`\bALTER\b`,
	`\bTRUNCATE\b`,
	`\bGRANT\b`,
	`\bREVOKE\b`,
	`\bSHUTDOWN\b`,
	`\bKILL\b`,
	`information_schema`,
	`mysql\.`,
	`performance_schema`,
	`sys\.`,
}

// validQueryTypes are the statement types that may appear in allowed_query_types.
var validQueryTypes = map[string]bool{
	"SELECT": true,
	"INSERT": true,
	"UPDATE": true,
	"DELETE": true,
	"WITH":   true,
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("sqldojo")
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("sandbox.enabled", false)
	viper.SetDefault("sandbox.backend", "mysql")
	viper.SetDefault("sandbox.mysql_host", "localhost")
	viper.SetDefault("sandbox.mysql_port", 3306)
	viper.SetDefault("sandbox.mysql_admin_user", "sandbox_admin")
	viper.SetDefault("sandbox.mysql_admin_password", "")
	viper.SetDefault("sandbox.max_active_sandboxes", 1000)
	viper.SetDefault("sandbox.max_sandboxes_per_user", 3)
	viper.SetDefault("sandbox.idle_timeout_minutes", 30)
	viper.SetDefault("sandbox.max_lifetime_hours", 4)
	viper.SetDefault("sandbox.query_timeout_seconds", 30)
	viper.SetDefault("sandbox.max_result_rows", 1000)
	viper.SetDefault("sandbox.max_schema_size_mb", 100)
	viper.SetDefault("sandbox.cleanup_interval_minutes", 5)
	viper.SetDefault("sandbox.cleanup_batch_size", 10)
	viper.SetDefault("sandbox.allowed_query_types", []string{"SELECT", "INSERT", "UPDATE", "DELETE"})
	viper.SetDefault("sandbox.blocked_patterns", DefaultBlockedPatterns)
	viper.SetDefault("sandbox.schema_prefix", "sandbox_user_")
	viper.SetDefault("sandbox.policy_file", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	sb := &c.Sandbox

	if sb.Backend != "mysql" && sb.Backend != "mock" {
		return fmt.Errorf("unsupported sandbox.backend: %s", sb.Backend)
	}

	if sb.Enabled && sb.Backend == "mysql" && sb.MySQLAdminPassword == "" {
		return fmt.Errorf("sandbox.mysql_admin_password is required when sandbox is enabled")
	}

	if sb.MySQLPort <= 0 || sb.MySQLPort > 65535 {
		return fmt.Errorf("invalid sandbox.mysql_port: %d", sb.MySQLPort)
	}

	if sb.MaxActiveSandboxes <= 0 {
		return fmt.Errorf("sandbox.max_active_sandboxes must be positive, got: %d", sb.MaxActiveSandboxes)
	}

	if sb.MaxSandboxesPerUser <= 0 {
		return fmt.Errorf("sandbox.max_sandboxes_per_user must be positive, got: %d", sb.MaxSandboxesPerUser)
	}

	if sb.IdleTimeoutMinutes <= 0 {
		return fmt.Errorf("sandbox.idle_timeout_minutes must be positive, got: %d", sb.IdleTimeoutMinutes)
	}

	if sb.MaxLifetimeHours <= 0 {
		return fmt.Errorf("sandbox.max_lifetime_hours must be positive, got: %d", sb.MaxLifetimeHours)
	}

	if sb.IdleTimeoutMinutes > sb.MaxLifetimeHours*60 {
		return fmt.Errorf("sandbox.idle_timeout_minutes (%d) cannot be greater than sandbox.max_lifetime_hours (%d hours = %d minutes)",
			sb.IdleTimeoutMinutes, sb.MaxLifetimeHours, sb.MaxLifetimeHours*60)
	}

	if sb.CleanupIntervalMinutes <= 0 {
		return fmt.Errorf("sandbox.cleanup_interval_minutes must be positive, got: %d", sb.CleanupIntervalMinutes)
	}

	if sb.CleanupIntervalMinutes > sb.IdleTimeoutMinutes {
		return fmt.Errorf("sandbox.cleanup_interval_minutes (%d) should not be greater than sandbox.idle_timeout_minutes (%d)",
			sb.CleanupIntervalMinutes, sb.IdleTimeoutMinutes)
	}

	if sb.QueryTimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox.query_timeout_seconds must be positive, got: %d", sb.QueryTimeoutSeconds)
	}

	if sb.MaxResultRows <= 0 {
		return fmt.Errorf("sandbox.max_result_rows must be positive, got: %d", sb.MaxResultRows)
	}

	if sb.CleanupBatchSize <= 0 {
		return fmt.Errorf("sandbox.cleanup_batch_size must be positive, got: %d", sb.CleanupBatchSize)
	}

	if len(sb.AllowedQueryTypes) == 0 {
		return fmt.Errorf("sandbox.allowed_query_types cannot be empty")
	}
	for _, qt := range sb.AllowedQueryTypes {
		if !validQueryTypes[qt] {
			return fmt.Errorf("invalid query type in sandbox.allowed_query_types: %s", qt)
		}
	}

	if len(sb.BlockedPatterns) == 0 {
		return fmt.Errorf("sandbox.blocked_patterns cannot be empty")
	}
	for _, pattern := range sb.BlockedPatterns {
		if _, err := regexp.Compile(`(?i)` + pattern); err != nil {
			return fmt.Errorf("invalid regex in sandbox.blocked_patterns: %q: %w", pattern, err)
		}
	}

	if sb.SchemaPrefix == "" {
		return fmt.Errorf("sandbox.schema_prefix cannot be empty")
	}

	return nil
}

// IdleTimeout returns the sandbox idle timeout as a duration
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sandbox.IdleTimeoutMinutes) * time.Minute
}

// MaxLifetime returns the sandbox maximum lifetime as a duration
func (c *Config) MaxLifetime() time.Duration {
	return time.Duration(c.Sandbox.MaxLifetimeHours) * time.Hour
}

// QueryTimeout returns the query execution timeout as a duration
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Sandbox.QueryTimeoutSeconds) * time.Second
}

// CleanupInterval returns the interval between expiry sweeps as a duration
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Sandbox.CleanupIntervalMinutes) * time.Minute
}
