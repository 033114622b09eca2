package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	internalcommon "github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/db"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/metrics"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/migrations"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
	"github.com/russross/meddler"
)

const backendName = "sqlite"

var _ store.CheckpointedStore = (*Store)(nil)

// syncStateRow is the single control row of the store.
type syncStateRow struct {
	ID                  int64  `meddler:"id,pk"`
	LastCommittedHeight uint64 `meddler:"last_committed_height"`
	HasCommitted        bool   `meddler:"has_committed"`
	PrunedHeight        uint64 `meddler:"pruned_height"`
	HasPruned           bool   `meddler:"has_pruned"`
	UpdatedAt           int64  `meddler:"updated_at"`
}

// checkpointRow is the header of one journaled height. Hashes are stored as 0x-prefixed hex.
type checkpointRow struct {
	Height     uint64 `meddler:"height"`
	BlockHash  string `meddler:"block_hash"`
	ParentHash string `meddler:"parent_hash"`
	Timestamp  uint64 `meddler:"block_timestamp"`
}

func newCheckpointRow(h chain.BlockHeader) *checkpointRow {
	return &checkpointRow{
		Height:     h.Height,
		BlockHash:  h.Hash.Hex(),
		ParentHash: h.ParentHash.Hex(),
		Timestamp:  h.Timestamp,
	}
}

func (r *checkpointRow) header() chain.BlockHeader {
	return chain.BlockHeader{
		Height:     r.Height,
		Hash:       common.HexToHash(r.BlockHash),
		ParentHash: common.HexToHash(r.ParentHash),
		Timestamp:  r.Timestamp,
	}
}

// Store is the SQLite CheckpointedStore. Records, journal and control state live in one
// database so every operation commits in a single transaction.
type Store struct {
	db        *sql.DB
	log       *logger.Logger
	compactor db.Compactor

	mu sync.Mutex
}

// Open opens the database described by cfg, runs migrations and starts journal compaction.
func Open(ctx context.Context, cfg config.StoreConfig, logCfg *config.LoggingConfig) (*Store, error) {
	database, err := db.NewSQLiteDBFromConfig(cfg.DB)
	if err != nil {
		return nil, err
	}

	log := logger.NewComponentLoggerFromConfig(internalcommon.ComponentStore, logCfg)
	if err := migrations.RunMigrations(log, database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	compactor := db.NewCompactor(
		cfg.DB.Path,
		database,
		cfg.Maintenance,
		logger.NewComponentLoggerFromConfig(internalcommon.ComponentMaintenance, logCfg),
	)
	if err := compactor.Start(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to start journal compaction: %w", err)
	}

	return New(database, compactor, log), nil
}

// New wraps an already migrated database.
func New(database *sql.DB, compactor db.Compactor, log *logger.Logger) *Store {
	if compactor == nil {
		compactor = db.NoOpCompactor{}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	metrics.ComponentHealthSet(internalcommon.ComponentStore, true)
	return &Store{db: database, log: log, compactor: compactor}
}

// Apply implements store.CheckpointedStore.
func (s *Store) Apply(ctx context.Context, commits ...store.Commit) (err error) {
	if len(commits) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { metrics.StoreOpObserve(backendName, "apply", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	unlock := s.compactor.AcquireOperationLock()
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.CommitError{Height: commits[0].Header.Height, Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	state, err := loadState(tx)
	if err != nil {
		return &store.CommitError{Height: commits[0].Header.Height, Err: err}
	}

	if err := store.ValidateCommits(state.LastCommittedHeight, state.HasCommitted, commits); err != nil {
		return err
	}

	mutationCount := 0
	for _, c := range commits {
		if err := applyCommitTx(tx, c); err != nil {
			return &store.CommitError{Height: c.Header.Height, Err: err}
		}
		mutationCount += len(c.Mutations)
	}

	last := commits[len(commits)-1].Header.Height
	state.LastCommittedHeight = last
	state.HasCommitted = true
	state.UpdatedAt = time.Now().UTC().Unix()
	if err := meddler.Update(tx, "sync_state", state); err != nil {
		return &store.CommitError{Height: last, Err: fmt.Errorf("failed to update sync state: %w", err)}
	}

	if err := tx.Commit(); err != nil {
		return &store.CommitError{Height: last, Err: fmt.Errorf("failed to commit transaction: %w", err)}
	}

	s.log.Debugf("applied heights %d-%d with %d mutations",
		commits[0].Header.Height, last, mutationCount)

	return nil
}

// applyCommitTx writes one height: undo rows first, then the records, then its checkpoint header.
func applyCommitTx(tx *sql.Tx, c store.Commit) error {
	height := c.Header.Height
	journaled := make(map[string]struct{})

	for _, m := range c.Mutations {
		prev, found, err := getRecordTx(tx, m.Key)
		if err != nil {
			return err
		}

		if _, done := journaled[m.Key]; !done {
			var previous sql.NullString
			if found {
				encoded, err := json.Marshal(prev)
				if err != nil {
					return fmt.Errorf("failed to encode previous value of %s: %w", m.Key, err)
				}
				previous = sql.NullString{String: string(encoded), Valid: true}
			}
			if _, err := tx.Exec(
				`INSERT INTO checkpoint_undo (height, key, previous) VALUES (?, ?, ?)`,
				height, m.Key, previous,
			); err != nil {
				return fmt.Errorf("failed to journal key %s: %w", m.Key, err)
			}
			journaled[m.Key] = struct{}{}
		}

		if m.Delete {
			if _, err := tx.Exec(`DELETE FROM records WHERE key = ?`, m.Key); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", m.Key, err)
			}
			continue
		}

		if err := putRecordTx(tx, m.Key, store.MergeFields(prev, m.Fields), height); err != nil {
			return err
		}
	}

	if err := meddler.Insert(tx, "checkpoints", newCheckpointRow(c.Header)); err != nil {
		return fmt.Errorf("failed to insert checkpoint %d: %w", height, err)
	}

	return nil
}

// RollbackTo implements store.CheckpointedStore.
func (s *Store) RollbackTo(ctx context.Context, height uint64) (err error) {
	start := time.Now()
	defer func() { metrics.StoreOpObserve(backendName, "rollback", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	unlock := s.compactor.AcquireOperationLock()
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	state, err := loadState(tx)
	if err != nil {
		return err
	}

	if state.HasPruned && height < state.PrunedHeight {
		return fmt.Errorf("%w: target %d, pruned through %d", store.ErrRollbackBeyondPrune, height, state.PrunedHeight)
	}

	if !state.HasCommitted || state.LastCommittedHeight <= height {
		s.log.Debugf("rollback to %d is a no-op (last committed %d)", height, state.LastCommittedHeight)
		return nil
	}

	var heights []uint64
	rows, err := tx.Query(`SELECT height FROM checkpoints WHERE height > ? ORDER BY height DESC`, height)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	for rows.Next() {
		var h uint64
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan checkpoint height: %w", err)
		}
		heights = append(heights, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	restored := 0
	removed := int64(len(heights))
	for _, h := range heights {
		n, err := undoHeightTx(tx, h)
		if err != nil {
			return err
		}
		restored += n
		removed += int64(n)
	}

	state.LastCommittedHeight = height
	state.UpdatedAt = time.Now().UTC().Unix()
	if err := meddler.Update(tx, "sync_state", state); err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Infof("rolled back %d heights to %d, restored %d keys", len(heights), height, restored)
	s.journalShrunk(removed)

	return nil
}

// undoHeightTx restores every key touched at height and drops its journal.
func undoHeightTx(tx *sql.Tx, height uint64) (int, error) {
	rows, err := tx.Query(`SELECT key, previous FROM checkpoint_undo WHERE height = ?`, height)
	if err != nil {
		return 0, fmt.Errorf("failed to load undo records of %d: %w", height, err)
	}

	var undo []store.UndoRecord
	for rows.Next() {
		var (
			key      string
			previous sql.NullString
		)
		if err := rows.Scan(&key, &previous); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan undo record: %w", err)
		}
		rec := store.UndoRecord{Key: key}
		if previous.Valid {
			if err := json.Unmarshal([]byte(previous.String), &rec.Previous); err != nil {
				rows.Close()
				return 0, fmt.Errorf("failed to decode undo record of %s: %w", key, err)
			}
		}
		undo = append(undo, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, rec := range undo {
		if rec.Previous == nil {
			if _, err := tx.Exec(`DELETE FROM records WHERE key = ?`, rec.Key); err != nil {
				return 0, fmt.Errorf("failed to delete key %s: %w", rec.Key, err)
			}
			continue
		}
		if err := putRecordTx(tx, rec.Key, rec.Previous, height-1); err != nil {
			return 0, err
		}
	}

	if _, err := tx.Exec(`DELETE FROM checkpoint_undo WHERE height = ?`, height); err != nil {
		return 0, fmt.Errorf("failed to delete undo records of %d: %w", height, err)
	}
	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE height = ?`, height); err != nil {
		return 0, fmt.Errorf("failed to delete checkpoint %d: %w", height, err)
	}

	return len(undo), nil
}

// Prune implements store.CheckpointedStore.
func (s *Store) Prune(ctx context.Context, belowHeight uint64) (err error) {
	start := time.Now()
	defer func() { metrics.StoreOpObserve(backendName, "prune", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	unlock := s.compactor.AcquireOperationLock()
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	state, err := loadState(tx)
	if err != nil {
		return err
	}
	if state.HasPruned && belowHeight <= state.PrunedHeight {
		return nil
	}

	undoResult, err := tx.Exec(`DELETE FROM checkpoint_undo WHERE height <= ?`, belowHeight)
	if err != nil {
		return fmt.Errorf("failed to prune undo records: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM checkpoints WHERE height <= ?`, belowHeight)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}

	state.PrunedHeight = belowHeight
	state.HasPruned = true
	state.UpdatedAt = time.Now().UTC().Unix()
	if err := meddler.Update(tx, "sync_state", state); err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	n, _ := result.RowsAffected()
	undoRows, _ := undoResult.RowsAffected()
	if n > 0 {
		s.log.Debugf("pruned %d checkpoints at or below %d", n, belowHeight)
	}
	s.journalShrunk(n + undoRows)

	return nil
}

// journalShrunk reports removed journal rows to the compactor and refreshes the journal gauges.
func (s *Store) journalShrunk(removed int64) {
	s.compactor.Reclaimed(removed)

	var checkpoints, undo int64
	err := s.db.QueryRow(
		`SELECT (SELECT COUNT(*) FROM checkpoints), (SELECT COUNT(*) FROM checkpoint_undo)`,
	).Scan(&checkpoints, &undo)
	if err != nil {
		s.log.Warnf("failed to count journal rows: %v", err)
		return
	}
	db.JournalRowsSet(checkpoints, undo)
}

// LastCommittedHeight implements store.CheckpointedStore.
func (s *Store) LastCommittedHeight(ctx context.Context) (uint64, bool, error) {
	var state syncStateRow
	if err := meddler.QueryRow(s.db, &state, "SELECT * FROM sync_state WHERE id = 1"); err != nil {
		return 0, false, fmt.Errorf("failed to load sync state: %w", err)
	}
	return state.LastCommittedHeight, state.HasCommitted, nil
}

// PrunedHeight returns the prune horizon; ok is false if nothing was pruned.
func (s *Store) PrunedHeight(ctx context.Context) (uint64, bool, error) {
	var state syncStateRow
	if err := meddler.QueryRow(s.db, &state, "SELECT * FROM sync_state WHERE id = 1"); err != nil {
		return 0, false, fmt.Errorf("failed to load sync state: %w", err)
	}
	return state.PrunedHeight, state.HasPruned, nil
}

// RecentHeaders implements store.CheckpointedStore.
func (s *Store) RecentHeaders(ctx context.Context) ([]chain.BlockHeader, error) {
	var rows []*checkpointRow
	if err := meddler.QueryAll(s.db, &rows, "SELECT * FROM checkpoints ORDER BY height ASC"); err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	headers := make([]chain.BlockHeader, 0, len(rows))
	for _, r := range rows {
		headers = append(headers, r.header())
	}
	return headers, nil
}

// checkpoint returns the journal entry of one retained height.
func (s *Store) checkpoint(ctx context.Context, height uint64) (store.CheckpointEntry, error) {
	var row checkpointRow
	if err := meddler.QueryRow(s.db, &row, "SELECT * FROM checkpoints WHERE height = ?", height); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.CheckpointEntry{}, store.ErrNotFound
		}
		return store.CheckpointEntry{}, fmt.Errorf("failed to load checkpoint %d: %w", height, err)
	}

	entry := store.CheckpointEntry{Header: row.header()}
	rows, err := s.db.QueryContext(ctx, `SELECT key, previous FROM checkpoint_undo WHERE height = ? ORDER BY key`, height)
	if err != nil {
		return store.CheckpointEntry{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec      store.UndoRecord
			previous sql.NullString
		)
		if err := rows.Scan(&rec.Key, &previous); err != nil {
			return store.CheckpointEntry{}, err
		}
		if previous.Valid {
			if err := json.Unmarshal([]byte(previous.String), &rec.Previous); err != nil {
				return store.CheckpointEntry{}, err
			}
		}
		entry.Undo = append(entry.Undo, rec)
	}
	return entry, rows.Err()
}

// Get implements store.CheckpointedStore.
func (s *Store) Get(ctx context.Context, key string) (map[string]string, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM records WHERE key = ?`, key).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode key %s: %w", key, err)
	}
	return fields, nil
}

// Close stops journal compaction and closes the database.
func (s *Store) Close() error {
	if err := s.compactor.Stop(); err != nil {
		s.log.Warnf("failed to stop journal compaction: %v", err)
	}
	return s.db.Close()
}

func loadState(tx *sql.Tx) (*syncStateRow, error) {
	state := &syncStateRow{}
	if err := meddler.QueryRow(tx, state, "SELECT * FROM sync_state WHERE id = 1"); err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return state, nil
}

func getRecordTx(tx *sql.Tx, key string) (map[string]string, bool, error) {
	var encoded string
	err := tx.QueryRow(`SELECT fields FROM records WHERE key = ?`, key).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
		return nil, false, fmt.Errorf("failed to decode key %s: %w", key, err)
	}
	return fields, true, nil
}

func putRecordTx(tx *sql.Tx, key string, fields map[string]string, height uint64) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode key %s: %w", key, err)
	}
	_, err = tx.Exec(
		`INSERT INTO records (key, fields, height) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET fields = excluded.fields, height = excluded.height`,
		key, string(encoded), height,
	)
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}
