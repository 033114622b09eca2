package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/store/storetest"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, mr *miniredis.Miniredis, prefix string) *Store {
	t.Helper()

	s, err := Open(t.Context(), config.RedisConfig{URL: "redis://" + mr.Addr(), KeyPrefix: prefix}, nil)
	require.NoError(t, err)
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.CheckpointedStore {
		return openTestStore(t, miniredis.RunT(t), "usdc:")
	})
}

func TestStore_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	s := openTestStore(t, mr, "usdc:")
	defer s.Close()
	ctx := t.Context()

	require.NoError(t, s.Apply(ctx, storetest.CommitAt(100,
		storetest.Put(100, "transfer:1", "from", "0xa", "value", "5"),
	)))

	require.Equal(t, "0xa", mr.HGet("usdc:record:transfer:1", "from"))
	require.Equal(t, "5", mr.HGet("usdc:record:transfer:1", "value"))
	require.Equal(t, "100", mr.HGet("usdc:state", fieldLastCommitted))
	require.Equal(t, "null", mr.HGet("usdc:undo:100", "transfer:1"))
	require.Equal(t, storetest.Header(100, 0).Hash.Hex(), mr.HGet("usdc:checkpoint:100", "hash"))

	members, err := mr.ZMembers("usdc:checkpoints")
	require.NoError(t, err)
	require.Equal(t, []string{"100"}, members)

	require.NoError(t, s.Prune(ctx, 100))
	require.False(t, mr.Exists("usdc:undo:100"))
	require.False(t, mr.Exists("usdc:checkpoint:100"))
	require.True(t, mr.Exists("usdc:record:transfer:1"))

	pruned, ok, err := s.PrunedHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), pruned)
}

func TestStore_RecordKeysDoNotShadowControlKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	s := openTestStore(t, mr, "usdc:")
	defer s.Close()
	ctx := t.Context()

	require.NoError(t, s.Apply(ctx, storetest.CommitAt(5,
		storetest.Put(5, "state", fieldLastCommitted, "999"),
		storetest.Put(5, "checkpoints", "v", "1"),
	)))

	last, ok, err := s.LastCommittedHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), last)

	headers, err := s.RecentHeaders(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)

	fields, err := s.Get(ctx, "state")
	require.NoError(t, err)
	require.Equal(t, "999", fields[fieldLastCommitted])

	require.NoError(t, s.RollbackTo(ctx, 4))
	_, err = s.Get(ctx, "state")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_PrefixesIsolateStores(t *testing.T) {
	mr := miniredis.RunT(t)
	a := openTestStore(t, mr, "a:")
	defer a.Close()
	b := openTestStore(t, mr, "b:")
	defer b.Close()
	ctx := t.Context()

	require.NoError(t, a.Apply(ctx, storetest.CommitAt(1, storetest.Put(1, "k", "v", "1"))))

	_, ok, err := b.LastCommittedHeight(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = b.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	s := openTestStore(t, mr, "")
	defer s.Close()

	mr.Close()

	err := s.Apply(t.Context(), storetest.CommitAt(1))
	var commitErr *store.CommitError
	require.ErrorAs(t, err, &commitErr)
	require.Equal(t, uint64(1), commitErr.Height)
}

func TestOpen_InvalidURL(t *testing.T) {
	_, err := Open(t.Context(), config.RedisConfig{URL: "not-a-url"}, nil)
	require.Error(t, err)
}
