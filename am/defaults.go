package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "backtestq.db")

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})
	v.SetDefault("server.rate_limit_per_second", 5.0)
	v.SetDefault("server.rate_limit_burst", 20)

	// Queue defaults
	v.SetDefault("queue.max_concurrent", 2)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.tie_break", "fifo")
	v.SetDefault("queue.default_priority", 50)
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.heartbeat_interval_ms", 10000)
	v.SetDefault("queue.lease_timeout_ms", 60000)

	// Auth defaults
	v.SetDefault("auth.issuer", "backtestq")
	v.SetDefault("auth.operator_roles", []string{"admin", "operator"})

	// Retention defaults
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.days_to_keep", 30)
	v.SetDefault("retention.at", "03:00")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("auth.jwt_secret", "BACKTESTQ_JWT_SECRET")
}
