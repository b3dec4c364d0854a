package am

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance without user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "backtestq.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "fifo", cfg.Queue.TieBreak)
	assert.Equal(t, 50, cfg.Queue.DefaultPriority)
	assert.Equal(t, 3, cfg.Queue.DefaultMaxRetries)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval())
	assert.Equal(t, 10*time.Second, cfg.Queue.HeartbeatInterval())
	assert.Equal(t, time.Minute, cfg.Queue.LeaseTimeout())
	assert.Equal(t, []string{"admin", "operator"}, cfg.Auth.OperatorRoles)
	assert.True(t, cfg.Retention.Enabled)
	assert.Equal(t, 30, cfg.Retention.DaysToKeep)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Queue:     QueueConfig{MaxConcurrent: 2, TieBreak: "fifo", DefaultPriority: 50},
			Retention: RetentionConfig{Enabled: true, DaysToKeep: 30, At: "03:00"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero slots", mutate: func(c *Config) { c.Queue.MaxConcurrent = 0 }, wantErr: true},
		{name: "unknown tie break", mutate: func(c *Config) { c.Queue.TieBreak = "random" }, wantErr: true},
		{name: "lifo tie break", mutate: func(c *Config) { c.Queue.TieBreak = "lifo" }},
		{name: "priority out of range", mutate: func(c *Config) { c.Queue.DefaultPriority = 101 }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Queue.DefaultMaxRetries = -1 }, wantErr: true},
		{name: "lease shorter than two heartbeats", mutate: func(c *Config) {
			c.Queue.HeartbeatIntervalMS = 1000
			c.Queue.LeaseTimeoutMS = 1500
		}, wantErr: true},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{name: "rate without burst", mutate: func(c *Config) { c.Server.RateLimitPerSecond = 1 }, wantErr: true},
		{name: "retention zero days", mutate: func(c *Config) { c.Retention.DaysToKeep = 0 }, wantErr: true},
		{name: "retention disabled ignores days", mutate: func(c *Config) {
			c.Retention.Enabled = false
			c.Retention.DaysToKeep = 0
		}},
		{name: "retention bad time", mutate: func(c *Config) { c.Retention.At = "3am" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[queue]
max_concurrent = 4
tie_break = "lifo"

[retention]
days_to_keep = 7
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "lifo", cfg.Queue.TieBreak)
	assert.Equal(t, 7, cfg.Retention.DaysToKeep)
	// Untouched keys keep their defaults
	assert.Equal(t, 50, cfg.Queue.DefaultPriority)
	assert.Equal(t, path, ConfigFileUsed())
}

func TestLoadFromFile_Invalid(t *testing.T) {
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[queue]\nmax_concurrent = 0\n"), DefaultFilePermissions))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("walks up to am.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "project", "nested", "dir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "project", "am.toml"), []byte(""), DefaultFilePermissions))

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		require.NoError(t, os.Chdir(subDir))

		result := findProjectConfig()
		require.NotEmpty(t, result)
		assert.Equal(t, "am.toml", filepath.Base(result))
	})
}

func TestConfigWatcher_Reload(t *testing.T) {
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[retention]\ndays_to_keep = 10\n"), DefaultFilePermissions))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond

	var days atomic.Int64
	cw.OnReload(func(cfg *Config) error {
		days.Store(int64(cfg.Retention.DaysToKeep))
		return nil
	})
	cw.Start()
	t.Cleanup(func() { cw.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("[retention]\ndays_to_keep = 14\n"), DefaultFilePermissions))

	assert.Eventually(t, func() bool { return days.Load() == 14 }, 2*time.Second, 10*time.Millisecond)
}
