package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDBFromConfig opens a SQLite database with the given configuration.
// Transactions take the write lock immediately so a checkpointed commit never fails halfway on SQLITE_BUSY.
func NewSQLiteDBFromConfig(cfg config.DatabaseConfig) (*sql.DB, error) {
	connStr := fmt.Sprintf(
		"file:%s?_txlock=immediate&_journal_mode=%s&_busy_timeout=%d",
		cfg.Path,
		cfg.JournalMode,
		cfg.BusyTimeout,
	)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)

	pragmas := []string{
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.Synchronous),
		fmt.Sprintf("PRAGMA cache_size = %d", cfg.CacheSize),
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	return db, nil
}

// Vacuum rebuilds the database file, reclaiming pages freed by deletes.
func Vacuum(db *sql.DB) error {
	if _, err := db.Exec("VACUUM"); err != nil {
		if strings.Contains(err.Error(), "database is locked") {
			return fmt.Errorf("cannot vacuum: database is locked (retry later)")
		}
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}

// DBTotalSize returns the combined size of the database file and its -wal and -shm companions.
// Missing files count as zero.
func DBTotalSize(dbPath string) (int64, error) {
	var total int64
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return 0, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		total += info.Size()
	}
	return total, nil
}
