package db

import (
	"context"
	"testing"
	"time"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestNewCompactor_NilConfig(t *testing.T) {
	sqlDB, dbPath := openTestDB(t, "WAL")

	c := NewCompactor(dbPath, sqlDB, nil, logger.NewNopLogger())
	require.IsType(t, NoOpCompactor{}, c)

	unlock := c.AcquireOperationLock()
	unlock()
	c.Reclaimed(100)
	require.NoError(t, c.Compact(context.Background()))
	require.Zero(t, c.Stats().PendingRows)
}

func TestJournalCompactor_CompactShrinksFile(t *testing.T) {
	sqlDB, dbPath := openTestDB(t, "WAL")

	_, err := sqlDB.Exec(`CREATE TABLE checkpoint_undo (height INTEGER, key TEXT, previous TEXT)`)
	require.NoError(t, err)
	for h := range 2000 {
		_, err := sqlDB.Exec(`INSERT INTO checkpoint_undo VALUES (?, ?, ?)`, h, "transfer:x", `{"value":"1000000"}`)
		require.NoError(t, err)
	}
	res, err := sqlDB.Exec(`DELETE FROM checkpoint_undo`)
	require.NoError(t, err)
	removed, err := res.RowsAffected()
	require.NoError(t, err)

	c := newJournalCompactor(dbPath, sqlDB, config.MaintenanceConfig{
		ReclaimThreshold:  1_000_000,
		WALCheckpointMode: "TRUNCATE",
	}, nil)
	c.Reclaimed(removed)
	require.Equal(t, int64(2000), c.Stats().PendingRows)

	require.NoError(t, c.Compact(context.Background()))

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Runs)
	require.NoError(t, stats.LastErr)
	require.Zero(t, stats.PendingRows)
	require.Positive(t, stats.ReclaimedSize)
}

func TestJournalCompactor_ThresholdTriggersCompaction(t *testing.T) {
	sqlDB, dbPath := openTestDB(t, "WAL")

	c := newJournalCompactor(dbPath, sqlDB, config.MaintenanceConfig{
		Enabled:           true,
		ReclaimThreshold:  100,
		WALCheckpointMode: "PASSIVE",
	}, nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, c.Stop()) })

	c.Reclaimed(60)
	require.Never(t, func() bool { return c.Stats().Runs > 0 }, 50*time.Millisecond, 10*time.Millisecond)

	c.Reclaimed(40)
	require.Eventually(t, func() bool { return c.Stats().Runs == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, c.Stats().PendingRows)
}

func TestJournalCompactor_DisabledOnlyCounts(t *testing.T) {
	sqlDB, dbPath := openTestDB(t, "WAL")

	c := newJournalCompactor(dbPath, sqlDB, config.MaintenanceConfig{ReclaimThreshold: 10}, nil)
	require.NoError(t, c.Start(context.Background()))

	c.Reclaimed(25)
	c.Reclaimed(-3)
	require.Equal(t, int64(25), c.Stats().PendingRows)
	require.Zero(t, c.Stats().Runs)
	require.NoError(t, c.Stop())
}

func TestJournalCompactor_WaitsForOperations(t *testing.T) {
	sqlDB, dbPath := openTestDB(t, "WAL")
	c := newJournalCompactor(dbPath, sqlDB, config.MaintenanceConfig{WALCheckpointMode: "PASSIVE"}, nil)

	unlock := c.AcquireOperationLock()

	done := make(chan error, 1)
	go func() {
		done <- c.Compact(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("compaction ran while an operation held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("compaction did not run after the operation released the lock")
	}
}
