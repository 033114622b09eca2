package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/store/storetest"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
	"github.com/stretchr/testify/require"
)

func testStoreConfig(t *testing.T) config.StoreConfig {
	t.Helper()

	cfg := config.StoreConfig{
		Backend: config.BackendSQLite,
		DB:      config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "store.db")},
	}
	cfg.ApplyDefaults()
	return cfg
}

func openTestStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()

	s, err := Open(t.Context(), cfg, nil)
	require.NoError(t, err)
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.CheckpointedStore {
		return openTestStore(t, testStoreConfig(t))
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	cfg := testStoreConfig(t)
	ctx := t.Context()

	s := openTestStore(t, cfg)
	require.NoError(t, s.Apply(ctx,
		storetest.CommitAt(50, storetest.Put(50, "transfer:1", "value", "10")),
		storetest.CommitAt(51, storetest.Put(51, "transfer:2", "value", "20")),
	))
	require.NoError(t, s.Prune(ctx, 50))
	require.NoError(t, s.Close())

	s = openTestStore(t, cfg)
	defer s.Close()

	last, ok, err := s.LastCommittedHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(51), last)

	pruned, ok, err := s.PrunedHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(50), pruned)

	headers, err := s.RecentHeaders(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	require.Equal(t, storetest.Header(51, 0), headers[0])

	fields, err := s.Get(ctx, "transfer:1")
	require.NoError(t, err)
	require.Equal(t, "10", fields["value"])
}

func TestStore_Checkpoint(t *testing.T) {
	s := openTestStore(t, testStoreConfig(t))
	defer s.Close()
	ctx := t.Context()

	require.NoError(t, s.Apply(ctx, storetest.CommitAt(1, storetest.Put(1, "a", "v", "1"))))
	require.NoError(t, s.Apply(ctx, storetest.CommitAt(2,
		storetest.Put(2, "a", "v", "2"),
		storetest.Put(2, "a", "v", "3"),
		storetest.Put(2, "b", "v", "1"),
	)))

	entry, err := s.checkpoint(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, storetest.Header(2, 0), entry.Header)
	require.Equal(t, []store.UndoRecord{
		{Key: "a", Previous: map[string]string{"v": "1"}},
		{Key: "b"},
	}, entry.Undo)

	_, err = s.checkpoint(ctx, 3)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// A write failing midway through a batch must leave no trace of any height in it.
func TestStore_FailedApplyLeavesNoPartialState(t *testing.T) {
	s := openTestStore(t, testStoreConfig(t))
	defer s.Close()
	ctx := t.Context()

	require.NoError(t, s.Apply(ctx, storetest.CommitAt(9, storetest.Put(9, "a", "v", "1"))))

	_, err := s.db.Exec(`CREATE TRIGGER poison BEFORE INSERT ON records
		WHEN NEW.key = 'poison'
		BEGIN SELECT RAISE(ABORT, 'disk full'); END;`)
	require.NoError(t, err)

	err = s.Apply(ctx,
		storetest.CommitAt(10, storetest.Put(10, "a", "v", "2"), storetest.Put(10, "b", "v", "1")),
		storetest.CommitAt(11, storetest.Put(11, "poison", "v", "1")),
	)
	var commitErr *store.CommitError
	require.ErrorAs(t, err, &commitErr)
	require.Equal(t, uint64(11), commitErr.Height)

	last, ok, err := s.LastCommittedHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), last)

	fields, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "1", fields["v"])

	_, err = s.Get(ctx, "b")
	require.ErrorIs(t, err, store.ErrNotFound)

	headers, err := s.RecentHeaders(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)

	_, err = s.db.Exec(`DROP TRIGGER poison`)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, storetest.CommitAt(10, storetest.Put(10, "a", "v", "2"))))
}

func TestStore_PruningTriggersCompaction(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.Maintenance = &config.MaintenanceConfig{Enabled: true, ReclaimThreshold: 4}
	cfg.ApplyDefaults()

	s := openTestStore(t, cfg)
	defer s.Close()
	ctx := t.Context()

	require.NoError(t, s.Apply(ctx,
		storetest.CommitAt(1, storetest.Put(1, "transfer:1", "value", "1")),
		storetest.CommitAt(2, storetest.Put(2, "transfer:2", "value", "2")),
		storetest.CommitAt(3, storetest.Put(3, "transfer:3", "value", "3")),
	))

	// Two checkpoints plus their two undo rows reach the threshold.
	require.NoError(t, s.Prune(ctx, 2))
	require.Eventually(t, func() bool {
		return s.compactor.Stats().Runs == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.compactor.Stats().LastErr)

	fields, err := s.Get(ctx, "transfer:3")
	require.NoError(t, err)
	require.Equal(t, "3", fields["value"])
}

func TestStore_RollbackCountsReclaimedRows(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.Maintenance = &config.MaintenanceConfig{Enabled: true, ReclaimThreshold: 1000}
	cfg.ApplyDefaults()

	s := openTestStore(t, cfg)
	defer s.Close()
	ctx := t.Context()

	require.NoError(t, s.Apply(ctx,
		storetest.CommitAt(1, storetest.Put(1, "transfer:1", "value", "1")),
		storetest.CommitAt(2, storetest.Put(2, "transfer:2", "value", "2"), storetest.Put(2, "transfer:1", "value", "9")),
		storetest.CommitAt(3),
	))
	require.NoError(t, s.RollbackTo(ctx, 1))

	// Heights 2 and 3 plus the two undo rows of height 2.
	require.Equal(t, int64(4), s.compactor.Stats().PendingRows)
	require.Zero(t, s.compactor.Stats().Runs)
}

func TestStore_CheckpointHashesStoredAsHex(t *testing.T) {
	s := openTestStore(t, testStoreConfig(t))
	defer s.Close()
	ctx := t.Context()

	c := storetest.CommitAt(7)
	require.NoError(t, s.Apply(ctx, c))

	var blockHash, parentHash string
	require.NoError(t, s.db.QueryRow(
		`SELECT block_hash, parent_hash FROM checkpoints WHERE height = 7`,
	).Scan(&blockHash, &parentHash))
	require.Equal(t, c.Header.Hash.Hex(), blockHash)
	require.Equal(t, c.Header.ParentHash.Hex(), parentHash)

	headers, err := s.RecentHeaders(ctx)
	require.NoError(t, err)
	require.Equal(t, []chain.BlockHeader{c.Header}, headers)
}
