// Package storetest holds behavior checks shared by every CheckpointedStore backend.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) store.CheckpointedStore

// Header builds a deterministic header for height on the given fork.
func Header(height uint64, fork byte) chain.BlockHeader {
	return chain.BlockHeader{
		Height:     height,
		Hash:       common.BytesToHash([]byte{fork, byte(height >> 8), byte(height)}),
		ParentHash: common.BytesToHash([]byte{fork, byte((height - 1) >> 8), byte(height - 1)}),
		Timestamp:  1700000000 + height*12,
	}
}

// Put builds an upsert mutation.
func Put(height uint64, key string, kv ...string) store.Mutation {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return store.Mutation{Height: height, Key: key, Fields: fields}
}

// Del builds a delete mutation.
func Del(height uint64, key string) store.Mutation {
	return store.Mutation{Height: height, Key: key, Delete: true}
}

// CommitAt builds a commit on fork 0.
func CommitAt(height uint64, mutations ...store.Mutation) store.Commit {
	return store.Commit{Header: Header(height, 0), Mutations: mutations}
}

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	open := func(t *testing.T) store.CheckpointedStore {
		t.Helper()
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("EmptyStore", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		_, ok, err := s.LastCommittedHeight(ctx)
		require.NoError(t, err)
		require.False(t, ok)

		headers, err := s.RecentHeaders(ctx)
		require.NoError(t, err)
		require.Empty(t, headers)

		_, err = s.Get(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ApplyAndGet", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		require.NoError(t, s.Apply(ctx, CommitAt(100, Put(100, "a", "v", "1", "x", "keep"))))
		require.NoError(t, s.Apply(ctx, CommitAt(101, Put(101, "a", "v", "2"))))

		fields, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, map[string]string{"v": "2", "x": "keep"}, fields)

		last, ok, err := s.LastCommittedHeight(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(101), last)

		headers, err := s.RecentHeaders(ctx)
		require.NoError(t, err)
		require.Equal(t, []chain.BlockHeader{Header(100, 0), Header(101, 0)}, headers)
	})

	t.Run("ApplyEmptyCommitAdvancesHeight", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		require.NoError(t, s.Apply(ctx, CommitAt(7), CommitAt(8), CommitAt(9)))

		last, ok, err := s.LastCommittedHeight(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(9), last)
	})

	t.Run("OutOfOrderCommitRejected", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		require.NoError(t, s.Apply(ctx, CommitAt(10)))
		require.ErrorIs(t, s.Apply(ctx, CommitAt(12)), store.ErrOutOfOrderCommit)
		require.ErrorIs(t, s.Apply(ctx, CommitAt(10)), store.ErrOutOfOrderCommit)

		last, _, err := s.LastCommittedHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(10), last)
	})

	t.Run("MultiCommitApplyIsAllOrNothing", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		require.NoError(t, s.Apply(ctx, CommitAt(1)))
		err := s.Apply(ctx,
			CommitAt(2, Put(2, "a", "v", "1")),
			CommitAt(4, Put(4, "b", "v", "1")),
		)
		require.ErrorIs(t, err, store.ErrOutOfOrderCommit)

		_, err = s.Get(ctx, "a")
		require.ErrorIs(t, err, store.ErrNotFound)
		last, _, err := s.LastCommittedHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), last)
	})

	t.Run("RollbackRestoresPriorValues", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		require.NoError(t, s.Apply(ctx, CommitAt(100, Put(100, "a", "v", "1"), Put(100, "gone", "v", "x"))))
		require.NoError(t, s.Apply(ctx, CommitAt(101, Put(101, "a", "v", "2"), Put(101, "b", "v", "1"))))
		require.NoError(t, s.Apply(ctx, CommitAt(102,
			Put(102, "a", "v", "3"),
			Put(102, "a", "v", "4"),
			Del(102, "gone"),
		)))

		require.NoError(t, s.RollbackTo(ctx, 100))

		fields, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, map[string]string{"v": "1"}, fields)

		_, err = s.Get(ctx, "b")
		require.ErrorIs(t, err, store.ErrNotFound)

		fields, err = s.Get(ctx, "gone")
		require.NoError(t, err)
		require.Equal(t, map[string]string{"v": "x"}, fields)

		last, ok, err := s.LastCommittedHeight(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(100), last)

		headers, err := s.RecentHeaders(ctx)
		require.NoError(t, err)
		require.Equal(t, []chain.BlockHeader{Header(100, 0)}, headers)

		// the fork continues at 101 after the rollback
		forked := store.Commit{Header: Header(101, 1), Mutations: []store.Mutation{Put(101, "c", "v", "fork")}}
		require.NoError(t, s.Apply(ctx, forked))
		fields, err = s.Get(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, "fork", fields["v"])
	})

	t.Run("RollbackThenCanonicalMatchesDirectApply", func(t *testing.T) {
		ctx := t.Context()

		canonical := []store.Commit{
			CommitAt(1, Put(1, "transfer:1", "from", "0xa", "value", "10"), Put(1, "balance:a", "v", "90")),
			CommitAt(2, Put(2, "transfer:2", "from", "0xb", "value", "5"), Put(2, "balance:a", "v", "95")),
			CommitAt(3, Put(3, "transfer:3", "from", "0xc", "value", "1")),
			CommitAt(4, Put(4, "transfer:4", "from", "0xa", "value", "7"), Del(4, "transfer:2")),
			CommitAt(5, Put(5, "balance:a", "v", "88"), Put(5, "balance:c", "v", "1")),
		}
		fork := []store.Commit{
			{Header: Header(3, 1), Mutations: []store.Mutation{
				Put(3, "transfer:3", "from", "0xd", "value", "2", "note", "orphan"),
				Del(3, "transfer:1"),
				Put(3, "balance:a", "v", "0"),
			}},
			{Header: Header(4, 1), Mutations: []store.Mutation{
				Put(4, "transfer:9", "from", "0xe", "value", "3"),
				Put(4, "balance:d", "v", "4"),
			}},
		}

		replayed := open(t)
		require.NoError(t, replayed.Apply(ctx, canonical[:2]...))
		require.NoError(t, replayed.Apply(ctx, fork...))
		require.NoError(t, replayed.RollbackTo(ctx, 2))
		require.NoError(t, replayed.Apply(ctx, canonical[2:]...))

		direct := open(t)
		require.NoError(t, direct.Apply(ctx, canonical...))

		touched := make(map[string]struct{})
		for _, c := range append(append([]store.Commit{}, canonical...), fork...) {
			for _, m := range c.Mutations {
				touched[m.Key] = struct{}{}
			}
		}

		for key := range touched {
			want, wantErr := direct.Get(ctx, key)
			got, gotErr := replayed.Get(ctx, key)
			if errors.Is(wantErr, store.ErrNotFound) {
				require.ErrorIs(t, gotErr, store.ErrNotFound, "key %s", key)
				continue
			}
			require.NoError(t, wantErr)
			require.NoError(t, gotErr, "key %s", key)
			require.Equal(t, want, got, "key %s", key)
		}

		wantLast, _, err := direct.LastCommittedHeight(ctx)
		require.NoError(t, err)
		gotLast, _, err := replayed.LastCommittedHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, wantLast, gotLast)

		wantHeaders, err := direct.RecentHeaders(ctx)
		require.NoError(t, err)
		gotHeaders, err := replayed.RecentHeaders(ctx)
		require.NoError(t, err)
		require.Equal(t, wantHeaders, gotHeaders)
	})

	t.Run("RollbackIsIdempotent", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		require.NoError(t, s.Apply(ctx, CommitAt(1, Put(1, "a", "v", "1")), CommitAt(2, Put(2, "a", "v", "2"))))

		require.NoError(t, s.RollbackTo(ctx, 1))
		require.NoError(t, s.RollbackTo(ctx, 1))
		require.NoError(t, s.RollbackTo(ctx, 5))

		fields, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, "1", fields["v"])

		last, _, err := s.LastCommittedHeight(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), last)
	})

	t.Run("RollbackToLowerTargetUndoesRemainder", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		require.NoError(t, s.Apply(ctx,
			CommitAt(1, Put(1, "a", "v", "1")),
			CommitAt(2, Put(2, "a", "v", "2")),
			CommitAt(3, Put(3, "a", "v", "3")),
		))

		require.NoError(t, s.RollbackTo(ctx, 2))
		require.NoError(t, s.RollbackTo(ctx, 1))

		fields, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, "1", fields["v"])
	})

	t.Run("PruneBoundsRollback", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()

		for h := uint64(1); h <= 10; h++ {
			require.NoError(t, s.Apply(ctx, CommitAt(h, Put(h, "a", "v", string(rune('a'+h))))))
		}

		require.NoError(t, s.Prune(ctx, 5))

		headers, err := s.RecentHeaders(ctx)
		require.NoError(t, err)
		require.Len(t, headers, 5)
		require.Equal(t, uint64(6), headers[0].Height)
		require.Equal(t, uint64(10), headers[4].Height)

		require.ErrorIs(t, s.RollbackTo(ctx, 4), store.ErrRollbackBeyondPrune)

		// a lower prune than the current horizon changes nothing
		require.NoError(t, s.Prune(ctx, 3))
		require.ErrorIs(t, s.RollbackTo(ctx, 4), store.ErrRollbackBeyondPrune)

		require.NoError(t, s.RollbackTo(ctx, 5))
		fields, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, string(rune('a'+5)), fields["v"])
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		require.Error(t, s.Apply(ctx, CommitAt(1, Put(1, "a", "v", "1"))))

		_, ok, err := s.LastCommittedHeight(t.Context())
		require.NoError(t, err)
		require.False(t, ok)
	})
}
