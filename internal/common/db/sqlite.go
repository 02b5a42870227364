package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig configures the single-node SQLite backend.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	PoolConfig
}

// NewSQLite opens a SQLite database in WAL mode.
// Pragmas are passed in the DSN so every pooled connection gets them.
func NewSQLite(cfg SQLiteConfig) (*SQLDatabase, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	cfg.PoolConfig.setDefaults(4)

	return open(DialectSQLite, sqliteDSN(cfg), cfg.PoolConfig)
}

func sqliteDSN(cfg SQLiteConfig) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", fmt.Sprintf("%d", cfg.BusyTimeout.Milliseconds()))
	// Writers take the lock at BEGIN so read-then-write transactions never upgrade.
	params.Set("_txlock", "immediate")
	return "file:" + cfg.Path + "?" + params.Encode()
}
