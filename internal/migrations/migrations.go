package migrations

import (
	"database/sql"
	_ "embed"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/db"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
)

//go:embed 001_checkpointed_store.sql
var mig001 string

// All returns the checkpointed store schema migrations in order.
func All() []db.Migration {
	return []db.Migration{
		{
			ID:  "001_checkpointed_store.sql",
			SQL: mig001,
		},
	}
}

// RunMigrations brings the SQLite checkpointed store schema up to date.
func RunMigrations(log *logger.Logger, database *sql.DB) error {
	return db.RunMigrationsDB(log, database, All())
}
