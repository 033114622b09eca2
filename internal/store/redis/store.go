// Package redis implements the checkpointed store on Redis hashes.
//
// Layout under the configured prefix:
//
//	record:{key}        hash with the record fields
//	state               hash with the committed and pruned heights
//	checkpoints         sorted set of retained heights
//	checkpoint:{height} hash with the block header
//	undo:{height}       hash of key -> JSON encoded previous value ("null" if absent)
//
// Every mutating operation is queued inside MULTI/EXEC while WATCHing the state hash.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	internalcommon "github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/metrics"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
	goredis "github.com/redis/go-redis/v9"
)

const backendName = "redis"

const (
	fieldLastCommitted = "last_committed_height"
	fieldHasCommitted  = "has_committed"
	fieldPruned        = "pruned_height"
	fieldHasPruned     = "has_pruned"
	fieldUpdatedAt     = "updated_at"
)

var _ store.CheckpointedStore = (*Store)(nil)

// ErrConcurrentWriter is returned when another client changed the store state during an operation.
var ErrConcurrentWriter = errors.New("store state modified by another writer")

type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

type syncState struct {
	last      uint64
	hasLast   bool
	pruned    uint64
	hasPruned bool
}

// Store is the Redis CheckpointedStore.
type Store struct {
	client *goredis.Client
	prefix string
	log    *logger.Logger

	mu sync.Mutex
}

// Open connects to the server described by cfg and verifies it responds.
func Open(ctx context.Context, cfg config.RedisConfig, logCfg *config.LoggingConfig) (*Store, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log := logger.NewComponentLoggerFromConfig(internalcommon.ComponentStore, logCfg)
	log.Infof("connected to redis at %s (prefix %q)", opts.Addr, cfg.KeyPrefix)

	return New(client, cfg.KeyPrefix, log), nil
}

// New wraps an existing client.
func New(client *goredis.Client, prefix string, log *logger.Logger) *Store {
	metrics.ComponentHealthSet(internalcommon.ComponentStore, true)
	return &Store{client: client, prefix: prefix, log: log}
}

// Records live under their own sub-prefix so no record key can collide with control keys.
func (s *Store) recordKey(key string) string { return s.prefix + "record:" + key }
func (s *Store) stateKey() string           { return s.prefix + "state" }
func (s *Store) heightsKey() string         { return s.prefix + "checkpoints" }

func (s *Store) checkpointKey(height uint64) string {
	return s.prefix + "checkpoint:" + strconv.FormatUint(height, 10)
}

func (s *Store) undoKey(height uint64) string {
	return s.prefix + "undo:" + strconv.FormatUint(height, 10)
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

	last := commits[len(commits)-1].Header.Height

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		state, err := loadState(ctx, tx, s.stateKey())
		if err != nil {
			return err
		}
		if err := store.ValidateCommits(state.last, state.hasLast, commits); err != nil {
			return err
		}

		// current holds values as they will be after the commits queued so far.
		current := make(map[string]map[string]string)
		lookup := func(key string) (map[string]string, error) {
			if v, ok := current[key]; ok {
				return v, nil
			}
			v, err := tx.HGetAll(ctx, s.recordKey(key)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read key %s: %w", key, err)
			}
			if len(v) == 0 {
				v = nil
			}
			current[key] = v
			return v, nil
		}

		type write struct {
			height uint64
			undo   map[string]string
			ops    []store.Mutation
			merged []map[string]string
		}
		writes := make([]write, 0, len(commits))

		for _, c := range commits {
			w := write{height: c.Header.Height, undo: make(map[string]string)}
			for _, m := range c.Mutations {
				prev, err := lookup(m.Key)
				if err != nil {
					return err
				}
				if _, done := w.undo[m.Key]; !done {
					encoded, err := json.Marshal(prev)
					if err != nil {
						return err
					}
					w.undo[m.Key] = string(encoded)
				}

				var next map[string]string
				if !m.Delete {
					next = store.MergeFields(prev, m.Fields)
				}
				current[m.Key] = next
				w.ops = append(w.ops, m)
				w.merged = append(w.merged, next)
			}
			writes = append(writes, w)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, w := range writes {
				h := commits[i].Header
				if len(w.undo) > 0 {
					pipe.HSet(ctx, s.undoKey(w.height), flatten(w.undo))
				}
				for j, m := range w.ops {
					pipe.Del(ctx, s.recordKey(m.Key))
					if len(w.merged[j]) > 0 {
						pipe.HSet(ctx, s.recordKey(m.Key), flatten(w.merged[j]))
					}
				}
				pipe.HSet(ctx, s.checkpointKey(h.Height), encodeHeader(h))
				pipe.ZAdd(ctx, s.heightsKey(), goredis.Z{Score: float64(h.Height), Member: strconv.FormatUint(h.Height, 10)})
			}
			pipe.HSet(ctx, s.stateKey(),
				fieldLastCommitted, strconv.FormatUint(last, 10),
				fieldHasCommitted, "1",
				fieldUpdatedAt, strconv.FormatInt(time.Now().UTC().Unix(), 10),
			)
			return nil
		})
		return err
	}, s.stateKey())

	if err != nil {
		if errors.Is(err, store.ErrOutOfOrderCommit) {
			return err
		}
		if errors.Is(err, goredis.TxFailedErr) {
			err = ErrConcurrentWriter
		}
		return &store.CommitError{Height: last, Err: err}
	}

	s.log.Debugf("applied heights %d-%d", commits[0].Header.Height, last)
	return nil
}

// RollbackTo implements store.CheckpointedStore.
func (s *Store) RollbackTo(ctx context.Context, height uint64) (err error) {
	start := time.Now()
	defer func() { metrics.StoreOpObserve(backendName, "rollback", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var undone int
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		state, err := loadState(ctx, tx, s.stateKey())
		if err != nil {
			return err
		}
		if state.hasPruned && height < state.pruned {
			return fmt.Errorf("%w: target %d, pruned through %d", store.ErrRollbackBeyondPrune, height, state.pruned)
		}
		if !state.hasLast || state.last <= height {
			return nil
		}

		members, err := tx.ZRevRangeByScore(ctx, s.heightsKey(), &goredis.ZRangeBy{
			Min: "(" + strconv.FormatUint(height, 10),
			Max: "+inf",
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}

		// Walking newest first, the oldest journal entry for a key holds its value at height.
		restore := make(map[string]map[string]string)
		heights := make([]uint64, 0, len(members))
		for _, member := range members {
			h, err := strconv.ParseUint(member, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid checkpoint member %q: %w", member, err)
			}
			heights = append(heights, h)

			undo, err := tx.HGetAll(ctx, s.undoKey(h)).Result()
			if err != nil {
				return fmt.Errorf("failed to load undo records of %d: %w", h, err)
			}
			for key, encoded := range undo {
				var prev map[string]string
				if err := json.Unmarshal([]byte(encoded), &prev); err != nil {
					return fmt.Errorf("failed to decode undo record of %s: %w", key, err)
				}
				restore[key] = prev
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for key, prev := range restore {
				pipe.Del(ctx, s.recordKey(key))
				if len(prev) > 0 {
					pipe.HSet(ctx, s.recordKey(key), flatten(prev))
				}
			}
			for _, h := range heights {
				pipe.Del(ctx, s.undoKey(h), s.checkpointKey(h))
			}
			pipe.ZRemRangeByScore(ctx, s.heightsKey(), "("+strconv.FormatUint(height, 10), "+inf")
			pipe.HSet(ctx, s.stateKey(),
				fieldLastCommitted, strconv.FormatUint(height, 10),
				fieldUpdatedAt, strconv.FormatInt(time.Now().UTC().Unix(), 10),
			)
			return nil
		})
		undone = len(heights)
		return err
	}, s.stateKey())

	if errors.Is(err, goredis.TxFailedErr) {
		return ErrConcurrentWriter
	}
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

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		state, err := loadState(ctx, tx, s.stateKey())
		if err != nil {
			return err
		}
		if state.hasPruned && belowHeight <= state.pruned {
			return nil
		}

		members, err := tx.ZRangeByScore(ctx, s.heightsKey(), &goredis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatUint(belowHeight, 10),
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, member := range members {
				pipe.Del(ctx, s.prefix+"undo:"+member, s.prefix+"checkpoint:"+member)
			}
			pipe.ZRemRangeByScore(ctx, s.heightsKey(), "-inf", strconv.FormatUint(belowHeight, 10))
			pipe.HSet(ctx, s.stateKey(),
				fieldPruned, strconv.FormatUint(belowHeight, 10),
				fieldHasPruned, "1",
			)
			return nil
		})
		return err
	}, s.stateKey())

	if errors.Is(err, goredis.TxFailedErr) {
		return ErrConcurrentWriter
	}
	return err
}

// LastCommittedHeight implements store.CheckpointedStore.
func (s *Store) LastCommittedHeight(ctx context.Context) (uint64, bool, error) {
	state, err := loadState(ctx, s.client, s.stateKey())
	if err != nil {
		return 0, false, err
	}
	return state.last, state.hasLast, nil
}

// PrunedHeight returns the prune horizon; ok is false if nothing was pruned.
func (s *Store) PrunedHeight(ctx context.Context) (uint64, bool, error) {
	state, err := loadState(ctx, s.client, s.stateKey())
	if err != nil {
		return 0, false, err
	}
	return state.pruned, state.hasPruned, nil
}

// RecentHeaders implements store.CheckpointedStore.
func (s *Store) RecentHeaders(ctx context.Context) ([]chain.BlockHeader, error) {
	members, err := s.client.ZRangeByScore(ctx, s.heightsKey(), &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, member := range members {
			cmds[i] = pipe.HGetAll(ctx, s.prefix+"checkpoint:"+member)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	headers := make([]chain.BlockHeader, 0, len(cmds))
	for i, cmd := range cmds {
		h, err := decodeHeader(members[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// Get implements store.CheckpointedStore.
func (s *Store) Get(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return fields, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func loadState(ctx context.Context, c hashReader, key string) (syncState, error) {
	raw, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return syncState{}, fmt.Errorf("failed to load sync state: %w", err)
	}

	var state syncState
	state.hasLast = raw[fieldHasCommitted] == "1"
	state.hasPruned = raw[fieldHasPruned] == "1"
	if state.hasLast {
		if state.last, err = strconv.ParseUint(raw[fieldLastCommitted], 10, 64); err != nil {
			return syncState{}, fmt.Errorf("invalid %s: %w", fieldLastCommitted, err)
		}
	}
	if state.hasPruned {
		if state.pruned, err = strconv.ParseUint(raw[fieldPruned], 10, 64); err != nil {
			return syncState{}, fmt.Errorf("invalid %s: %w", fieldPruned, err)
		}
	}
	return state, nil
}

func encodeHeader(h chain.BlockHeader) []string {
	return []string{
		"hash", h.Hash.Hex(),
		"parent_hash", h.ParentHash.Hex(),
		"timestamp", strconv.FormatUint(h.Timestamp, 10),
	}
}

func decodeHeader(member string, raw map[string]string) (chain.BlockHeader, error) {
	height, err := strconv.ParseUint(member, 10, 64)
	if err != nil {
		return chain.BlockHeader{}, fmt.Errorf("invalid checkpoint member %q: %w", member, err)
	}
	ts, err := strconv.ParseUint(raw["timestamp"], 10, 64)
	if err != nil {
		return chain.BlockHeader{}, fmt.Errorf("invalid timestamp of checkpoint %d: %w", height, err)
	}
	return chain.BlockHeader{
		Height:     height,
		Hash:       common.HexToHash(raw["hash"]),
		ParentHash: common.HexToHash(raw["parent_hash"]),
		Timestamp:  ts,
	}, nil
}

func flatten(fields map[string]string) []string {
	out := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
