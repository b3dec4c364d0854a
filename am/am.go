package am

import "time"

// Config represents the backtestq configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the REST server
type ServerConfig struct {
	Port               int      `mapstructure:"port"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	RateLimitPerSecond float64  `mapstructure:"rate_limit_per_second"` // Per-caller mutating request rate (0 = unlimited)
	RateLimitBurst     int      `mapstructure:"rate_limit_burst"`
}

// QueueConfig configures admission and dispatch
type QueueConfig struct {
	MaxConcurrent     int    `mapstructure:"max_concurrent"`   // Worker slots: hard cap on running jobs
	PollIntervalMS    int    `mapstructure:"poll_interval_ms"` // How often idle slots look for work
	TieBreak          string `mapstructure:"tie_break"`        // "fifo" or "lifo" among equal priority
	DefaultPriority   int    `mapstructure:"default_priority"`
	DefaultMaxRetries int    `mapstructure:"default_max_retries"`

	// Leases let several processes share one database
	WorkerID            string `mapstructure:"worker_id"` // empty derives host-pid-random
	HeartbeatIntervalMS int    `mapstructure:"heartbeat_interval_ms"`
	LeaseTimeoutMS      int    `mapstructure:"lease_timeout_ms"`
}

// PollInterval returns the configured poll interval as a duration
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

func (q QueueConfig) HeartbeatInterval() time.Duration {
	return time.Duration(q.HeartbeatIntervalMS) * time.Millisecond
}

func (q QueueConfig) LeaseTimeout() time.Duration {
	return time.Duration(q.LeaseTimeoutMS) * time.Millisecond
}

// AuthConfig configures bearer token verification
type AuthConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	Issuer        string   `mapstructure:"issuer"`
	OperatorRoles []string `mapstructure:"operator_roles"` // role claim values granting operator rights
}

// RetentionConfig configures the periodic purge of terminal jobs
type RetentionConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DaysToKeep int    `mapstructure:"days_to_keep"`
	At         string `mapstructure:"at"` // Daily run time, "HH:MM" UTC
}

// Default values and permissions
const (
	DefaultServerPort      = 8742
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// GetDatabasePath returns the database path, falling back to the default
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "backtestq.db"
	}
	return c.Database.Path
}

// GetServerPort returns the configured server port or the default
func (c *Config) GetServerPort() int {
	if c.Server.Port == 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}
