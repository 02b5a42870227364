package db

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig holds the configuration for a MySQL connection pool
type MySQLConfig struct {
	// DSN format: "user:password@tcp(host:port)/dbname"
	DSN string
	PoolConfig
}

// NewMySQL opens a pooled MySQL connection and verifies it with a ping.
func NewMySQL(cfg MySQLConfig) (*SQLDatabase, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DSN cannot be empty")
	}
	cfg.PoolConfig.setDefaults(25)
	return open(DialectMySQL, cfg.DSN, cfg.PoolConfig)
}
