// Package postgres implements the checkpointed store on PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	internalcommon "github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/metrics"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const backendName = "postgres"

//go:embed schema.sql
var schema string

var _ store.CheckpointedStore = (*Store)(nil)

type syncState struct {
	last      int64
	hasLast   bool
	pruned    int64
	hasPruned bool
}

// Store is the PostgreSQL CheckpointedStore.
type Store struct {
	pool *pgxpool.Pool
	log  *logger.Logger

	mu sync.Mutex
}

// Open connects a pool to cfg.URL and creates the schema if missing.
func Open(ctx context.Context, cfg config.PostgresConfig, logCfg *config.LoggingConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log := logger.NewComponentLoggerFromConfig(internalcommon.ComponentStore, logCfg)
	log.Infof("connected to postgres %s/%s", poolCfg.ConnConfig.Host, poolCfg.ConnConfig.Database)

	metrics.ComponentHealthSet(internalcommon.ComponentStore, true)
	return &Store{pool: pool, log: log}, nil
}

// withTx runs fn inside a transaction holding the sync_state row lock.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx, state *syncState) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	state, err := loadState(ctx, tx, "FOR UPDATE")
	if err != nil {
		return err
	}
	if err := fn(tx, state); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sync_state SET last_committed_height = $1, has_committed = $2,
		 pruned_height = $3, has_pruned = $4, updated_at = now() WHERE id = 1`,
		state.last, state.hasLast, state.pruned, state.hasPruned,
	); err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
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

	failedAt := commits[0].Header.Height
	err = s.withTx(ctx, func(tx pgx.Tx, state *syncState) error {
		if err := store.ValidateCommits(uint64(state.last), state.hasLast, commits); err != nil {
			return err
		}
		for _, c := range commits {
			failedAt = c.Header.Height
			if err := applyCommitTx(ctx, tx, c); err != nil {
				return err
			}
		}
		state.last = int64(commits[len(commits)-1].Header.Height)
		state.hasLast = true
		return nil
	})

	if err != nil {
		if errors.Is(err, store.ErrOutOfOrderCommit) {
			return err
		}
		return &store.CommitError{Height: failedAt, Err: err}
	}

	s.log.Debugf("applied heights %d-%d", commits[0].Header.Height, commits[len(commits)-1].Header.Height)
	return nil
}

func applyCommitTx(ctx context.Context, tx pgx.Tx, c store.Commit) error {
	height := int64(c.Header.Height)
	journaled := make(map[string]struct{})

	for _, m := range c.Mutations {
		prev, found, err := getRecord(ctx, tx, m.Key)
		if err != nil {
			return err
		}

		if _, done := journaled[m.Key]; !done {
			var previous any
			if found {
				encoded, err := json.Marshal(prev)
				if err != nil {
					return err
				}
				previous = string(encoded)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO checkpoint_undo (height, key, previous) VALUES ($1, $2, $3)`,
				height, m.Key, previous,
			); err != nil {
				return fmt.Errorf("failed to journal key %s: %w", m.Key, err)
			}
			journaled[m.Key] = struct{}{}
		}

		if m.Delete {
			if _, err := tx.Exec(ctx, `DELETE FROM records WHERE key = $1`, m.Key); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", m.Key, err)
			}
			continue
		}
		if err := putRecord(ctx, tx, m.Key, store.MergeFields(prev, m.Fields), height); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (height, block_hash, parent_hash, block_timestamp) VALUES ($1, $2, $3, $4)`,
		height, c.Header.Hash.Hex(), c.Header.ParentHash.Hex(), int64(c.Header.Timestamp),
	); err != nil {
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

	target := int64(height)
	var undone int
	err = s.withTx(ctx, func(tx pgx.Tx, state *syncState) error {
		if state.hasPruned && target < state.pruned {
			return fmt.Errorf("%w: target %d, pruned through %d", store.ErrRollbackBeyondPrune, height, state.pruned)
		}
		if !state.hasLast || state.last <= target {
			return nil
		}

		rows, err := tx.Query(ctx,
			`SELECT u.height, u.key, u.previous FROM checkpoint_undo u
			 WHERE u.height > $1 ORDER BY u.height DESC`, target)
		if err != nil {
			return fmt.Errorf("failed to load undo records: %w", err)
		}

		// newest first, so the last assignment per key is its value at the target height
		restore := make(map[string][]byte)
		for rows.Next() {
			var (
				h        int64
				key      string
				previous []byte
			)
			if err := rows.Scan(&h, &key, &previous); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan undo record: %w", err)
			}
			restore[key] = previous
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for key, previous := range restore {
			if previous == nil {
				if _, err := tx.Exec(ctx, `DELETE FROM records WHERE key = $1`, key); err != nil {
					return fmt.Errorf("failed to delete key %s: %w", key, err)
				}
				continue
			}
			var fields map[string]string
			if err := json.Unmarshal(previous, &fields); err != nil {
				return fmt.Errorf("failed to decode undo record of %s: %w", key, err)
			}
			if err := putRecord(ctx, tx, key, fields, target); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM checkpoint_undo WHERE height > $1`, target); err != nil {
			return fmt.Errorf("failed to delete undo records: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE height > $1`, target)
		if err != nil {
			return fmt.Errorf("failed to delete checkpoints: %w", err)
		}
		undone = int(tag.RowsAffected())
		state.last = target
		return nil
	})
	if err != nil {
		return err
	}

	if undone > 0 {
		s.log.Infof("rolled back %d heights to %d", undone, height)
	}
	return nil
}

// Prune implements store.CheckpointedStore.
func (s *Store) Prune(ctx context.Context, belowHeight uint64) (err error) {
	start := time.Now()
	defer func() { metrics.StoreOpObserve(backendName, "prune", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	below := int64(belowHeight)
	return s.withTx(ctx, func(tx pgx.Tx, state *syncState) error {
		if state.hasPruned && below <= state.pruned {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM checkpoint_undo WHERE height <= $1`, below); err != nil {
			return fmt.Errorf("failed to prune undo records: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE height <= $1`, below); err != nil {
			return fmt.Errorf("failed to prune checkpoints: %w", err)
		}
		state.pruned = below
		state.hasPruned = true
		return nil
	})
}

// LastCommittedHeight implements store.CheckpointedStore.
func (s *Store) LastCommittedHeight(ctx context.Context) (uint64, bool, error) {
	state, err := loadState(ctx, s.pool, "")
	if err != nil {
		return 0, false, err
	}
	return uint64(state.last), state.hasLast, nil
}

// PrunedHeight returns the prune horizon; ok is false if nothing was pruned.
func (s *Store) PrunedHeight(ctx context.Context) (uint64, bool, error) {
	state, err := loadState(ctx, s.pool, "")
	if err != nil {
		return 0, false, err
	}
	return uint64(state.pruned), state.hasPruned, nil
}

// RecentHeaders implements store.CheckpointedStore.
func (s *Store) RecentHeaders(ctx context.Context) ([]chain.BlockHeader, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT height, block_hash, parent_hash, block_timestamp FROM checkpoints ORDER BY height ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	headers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chain.BlockHeader, error) {
		var (
			height, ts   int64
			hash, parent string
		)
		if err := row.Scan(&height, &hash, &parent, &ts); err != nil {
			return chain.BlockHeader{}, err
		}
		return chain.BlockHeader{
			Height:     uint64(height),
			Hash:       common.HexToHash(hash),
			ParentHash: common.HexToHash(parent),
			Timestamp:  uint64(ts),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
	}
	return headers, nil
}

// Get implements store.CheckpointedStore.
func (s *Store) Get(ctx context.Context, key string) (map[string]string, error) {
	fields, found, err := getRecord(ctx, s.pool, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, store.ErrNotFound
	}
	return fields, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadState(ctx context.Context, q querier, lock string) (*syncState, error) {
	state := &syncState{}
	err := q.QueryRow(ctx,
		`SELECT last_committed_height, has_committed, pruned_height, has_pruned
		 FROM sync_state WHERE id = 1 `+lock,
	).Scan(&state.last, &state.hasLast, &state.pruned, &state.hasPruned)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return state, nil
}

func getRecord(ctx context.Context, q querier, key string) (map[string]string, bool, error) {
	var encoded []byte
	err := q.QueryRow(ctx, `SELECT fields FROM records WHERE key = $1`, key).Scan(&encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	var fields map[string]string
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, false, fmt.Errorf("failed to decode key %s: %w", key, err)
	}
	return fields, true, nil
}

func putRecord(ctx context.Context, tx pgx.Tx, key string, fields map[string]string, height int64) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode key %s: %w", key, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO records (key, fields, height) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET fields = EXCLUDED.fields, height = EXCLUDED.height`,
		key, string(encoded), height,
	)
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}
