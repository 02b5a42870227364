package repository

import (
	"embed"

	"aipilot/internal/common/db"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate brings the arena schema of database up to date.
func Migrate(database *db.SQLDatabase) error {
	dir := "migrations/sqlite"
	if database.Dialect() == db.DialectMySQL {
		dir = "migrations/mysql"
	}
	return db.Migrate(database, migrationsFS, dir)
}
