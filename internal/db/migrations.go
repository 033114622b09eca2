package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	migrate "github.com/rubenv/sql-migrate"
)

const (
	UpDownSeparator   = "-- +migrate Up"
	downMarker        = "-- +migrate Down"
	NoLimitMigrations = 0
)

// Migration is one versioned schema change. SQL holds the Down section first,
// then the "-- +migrate Up" separator, then the Up section.
type Migration struct {
	ID  string
	SQL string
}

// RunMigrationsDB applies every pending migration.
func RunMigrationsDB(log *logger.Logger, db *sql.DB, migrations []Migration) error {
	return RunMigrationsDBExtended(log, db, migrations, migrate.Up, NoLimitMigrations)
}

// RunMigrationsDBExtended runs migrations in the given direction.
// maxMigrations bounds how many are applied, 0 means all of them.
func RunMigrationsDBExtended(log *logger.Logger,
	db *sql.DB,
	migrations []Migration,
	dir migrate.MigrationDirection,
	maxMigrations int) error {
	source, err := memorySource(migrations)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(source.Migrations))
	for _, m := range source.Migrations {
		ids = append(ids, m.Id)
	}
	list := strings.Join(ids, ", ")

	log.Debugf("running migrations (max %d/%d): %s", maxMigrations, len(ids), list)
	n, err := migrate.ExecMax(db, "sqlite3", source, dir, maxMigrations)
	if err != nil {
		return fmt.Errorf("error executing migrations (max %d/%d) %s: %w", maxMigrations, len(ids), list, err)
	}

	log.Infof("successfully ran %d migrations from: %s", n, list)
	return nil
}

func memorySource(migrations []Migration) (*migrate.MemoryMigrationSource, error) {
	source := &migrate.MemoryMigrationSource{}

	for _, m := range migrations {
		parts := strings.Split(m.SQL, UpDownSeparator)
		if len(parts) != 2 { //nolint:mnd
			return nil, fmt.Errorf("migration %s must contain exactly one %q separator", m.ID, UpDownSeparator)
		}

		downSQL := parts[0]
		if idx := strings.Index(downSQL, downMarker); idx != -1 {
			downSQL = downSQL[idx+len(downMarker):]
		}

		source.Migrations = append(source.Migrations, &migrate.Migration{
			Id:   m.ID,
			Up:   []string{strings.TrimSpace(parts[1])},
			Down: []string{strings.TrimSpace(downSQL)},
		})
	}

	return source, nil
}
