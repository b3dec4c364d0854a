package commands

import (
	"database/sql"

	"github.com/teranos/backtestq/am"
	"github.com/teranos/backtestq/db"
	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/logger"
)

// ConfigPath is set by the root --config flag
var ConfigPath string

// loadConfig reads the explicit config file if one was given, otherwise the
// discovered configuration
func loadConfig() (*am.Config, error) {
	if ConfigPath != "" {
		return am.LoadFromFile(ConfigPath)
	}
	return am.Load()
}

// configFile returns the file a watcher should follow, if any
func configFile() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return am.ConfigFileUsed()
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	dbPath := cfg.GetDatabasePath()

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
