package am

import (
	"time"

	"github.com/teranos/backtestq/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 means default, negative or out of range is invalid
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 0..65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitPerSecond < 0 {
		return errors.Newf("server.rate_limit_per_second must be >= 0, got %f", c.Server.RateLimitPerSecond)
	}
	if c.Server.RateLimitPerSecond > 0 && c.Server.RateLimitBurst <= 0 {
		return errors.Newf("server.rate_limit_burst must be > 0 when rate limiting is enabled, got %d", c.Server.RateLimitBurst)
	}

	// Queue: zero slots would never admit work
	if c.Queue.MaxConcurrent < 1 {
		return errors.Newf("queue.max_concurrent must be >= 1, got %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.PollIntervalMS < 0 {
		return errors.Newf("queue.poll_interval_ms must be >= 0, got %d", c.Queue.PollIntervalMS)
	}
	switch c.Queue.TieBreak {
	case "", "fifo", "lifo":
	default:
		return errors.Newf("queue.tie_break must be fifo or lifo, got %q", c.Queue.TieBreak)
	}
	if c.Queue.DefaultPriority != 0 && (c.Queue.DefaultPriority < 1 || c.Queue.DefaultPriority > 100) {
		return errors.Newf("queue.default_priority must be in 1..100, got %d", c.Queue.DefaultPriority)
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return errors.Newf("queue.default_max_retries must be >= 0, got %d", c.Queue.DefaultMaxRetries)
	}
	if c.Queue.HeartbeatIntervalMS > 0 && c.Queue.LeaseTimeoutMS > 0 && c.Queue.LeaseTimeoutMS < 2*c.Queue.HeartbeatIntervalMS {
		return errors.Newf("queue.lease_timeout_ms must be at least twice queue.heartbeat_interval_ms, got %d and %d",
			c.Queue.LeaseTimeoutMS, c.Queue.HeartbeatIntervalMS)
	}

	if c.Retention.Enabled {
		if c.Retention.DaysToKeep < 1 {
			return errors.Newf("retention.days_to_keep must be >= 1 when enabled, got %d", c.Retention.DaysToKeep)
		}
		if _, err := time.Parse("15:04", c.Retention.At); err != nil {
			return errors.WithHint(
				errors.Newf("retention.at must be HH:MM, got %q", c.Retention.At),
				"use 24h UTC time, e.g. at = \"03:00\"")
		}
	}

	return nil
}
