package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
)

// Compactor serializes store operations against compaction of the checkpoint journal.
// Prunes and rollbacks report the journal rows they removed; once enough rows were freed
// the compactor checkpoints the WAL and vacuums the file.
type Compactor interface {
	Start(ctx context.Context) error
	Stop() error
	// AcquireOperationLock holds off compaction until the returned func is called.
	AcquireOperationLock() func()
	// Reclaimed records journal rows removed by a prune or a rollback.
	Reclaimed(rows int64)
	// Compact runs a compaction now, regardless of the reclaimed row count.
	Compact(ctx context.Context) error
	Stats() CompactionStats
}

// CompactionStats describes the compactor's progress.
type CompactionStats struct {
	Runs          uint64
	LastRun       time.Time
	LastErr       error
	PendingRows   int64
	ReclaimedSize int64
}

// NoOpCompactor never compacts. It is used when maintenance is not configured.
type NoOpCompactor struct{}

func (NoOpCompactor) Start(context.Context) error { return nil }
func (NoOpCompactor) Stop() error { return nil }
func (NoOpCompactor) AcquireOperationLock() func() { return func() {} }
func (NoOpCompactor) Reclaimed(int64) {}
func (NoOpCompactor) Compact(context.Context) error { return nil }
func (NoOpCompactor) Stats() CompactionStats { return CompactionStats{} }

// JournalCompactor compacts the database once the reclaimed journal rows reach the configured
// threshold. Store operations hold the read side of opLock; a compaction holds the write side.
type JournalCompactor struct {
	db     *sql.DB
	dbPath string
	cfg    config.MaintenanceConfig
	log    *logger.Logger

	opLock  sync.RWMutex
	pending atomic.Int64
	trigger chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   CompactionStats
}

// NewCompactor returns a JournalCompactor, or a NoOpCompactor when cfg is nil.
func NewCompactor(dbPath string, db *sql.DB, cfg *config.MaintenanceConfig, log *logger.Logger) Compactor {
	if cfg == nil {
		return NoOpCompactor{}
	}
	return newJournalCompactor(dbPath, db, *cfg, log)
}

func newJournalCompactor(dbPath string, db *sql.DB, cfg config.MaintenanceConfig, log *logger.Logger) *JournalCompactor {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &JournalCompactor{
		db:      db,
		dbPath:  dbPath,
		cfg:     cfg,
		log:     log,
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the compaction worker. It is a no-op when maintenance is disabled.
func (c *JournalCompactor) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("journal compaction is disabled")
		return nil
	}

	ctx, c.cancel = context.WithCancel(ctx)

	if c.cfg.VacuumOnStartup {
		if err := c.Compact(ctx); err != nil {
			c.log.Warnw("startup compaction failed", "error", err)
		}
	}

	c.wg.Add(1)
	go c.worker(ctx)

	c.log.Infow("journal compaction started",
		"reclaim_threshold", c.cfg.ReclaimThreshold,
		"wal_checkpoint_mode", c.cfg.WALCheckpointMode,
	)
	return nil
}

// Stop stops the worker and waits for a running compaction to finish.
func (c *JournalCompactor) Stop() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.log.Info("journal compaction stopped")
	return nil
}

func (c *JournalCompactor) worker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
			if err := c.Compact(ctx); err != nil {
				c.log.Warnw("journal compaction failed", "error", err)
			}
		}
	}
}

// Reclaimed adds rows to the pending count and wakes the worker once the threshold is reached.
func (c *JournalCompactor) Reclaimed(rows int64) {
	if rows <= 0 {
		return
	}
	pending := c.pending.Add(rows)
	ReclaimedRowsSet(pending)

	if !c.cfg.Enabled || pending < c.cfg.ReclaimThreshold {
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// AcquireOperationLock takes the shared side of the operation lock.
func (c *JournalCompactor) AcquireOperationLock() func() {
	c.opLock.RLock()
	return c.opLock.RUnlock
}

// Compact waits for in-flight store operations, then checkpoints the WAL and vacuums.
func (c *JournalCompactor) Compact(ctx context.Context) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	pending := c.pending.Swap(0)
	ReclaimedRowsSet(0)

	before, err := DBTotalSize(c.dbPath)
	if err != nil {
		c.log.Warnw("failed to measure database", "error", err)
	}

	compactErr := c.walCheckpoint()
	if compactErr == nil {
		compactErr = Vacuum(c.db)
	}

	after, err := DBTotalSize(c.dbPath)
	if err != nil {
		c.log.Warnw("failed to measure database", "error", err)
	}
	DBSizeSet(after)

	reclaimed := max(before-after, 0)
	CompactionLog(time.Since(start), compactErr, reclaimed)

	c.statsMu.Lock()
	c.stats.Runs++
	c.stats.LastRun = time.Now().UTC()
	c.stats.LastErr = compactErr
	c.stats.ReclaimedSize = reclaimed
	c.statsMu.Unlock()

	if compactErr != nil {
		// Keep the rows counted so the next prune triggers another attempt.
		ReclaimedRowsSet(c.pending.Add(pending))
		return compactErr
	}

	c.log.Infow("journal compacted",
		"journal_rows", pending,
		"reclaimed_mb", common.BytesToMB(uint64(reclaimed)),
		"duration", time.Since(start),
	)
	return nil
}

// Stats returns a snapshot of the compactor's progress.
func (c *JournalCompactor) Stats() CompactionStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := c.stats
	s.PendingRows = c.pending.Load()
	return s
}

func (c *JournalCompactor) walCheckpoint() error {
	var mode string
	if err := c.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("failed to read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return nil
	}

	checkpointMode := c.cfg.WALCheckpointMode
	if checkpointMode == "" {
		checkpointMode = "PASSIVE"
	}

	var busy, frames, checkpointed int
	stmt := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", checkpointMode)
	if err := c.db.QueryRow(stmt).Scan(&busy, &frames, &checkpointed); err != nil {
		return fmt.Errorf("wal checkpoint failed: %w", err)
	}
	if busy > 0 {
		c.log.Warnw("wal checkpoint left busy pages", "busy", busy, "frames", frames)
	}
	return nil
}
