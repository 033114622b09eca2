package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	internalcommon "github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/rpc"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	pkgsource "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/source"
	"github.com/stretchr/testify/require"
)

func blockAt(height uint64, fork byte) chain.Block {
	return chain.Block{Header: chain.BlockHeader{
		Height:     height,
		Hash:       common.BytesToHash([]byte{fork, byte(height >> 8), byte(height)}),
		ParentHash: common.BytesToHash([]byte{fork, byte((height - 1) >> 8), byte(height - 1)}),
	}}
}

type fakeArchive struct {
	mu        sync.Mutex
	frontier  uint64
	chunkSize uint64
	failures  int
	calls     []uint64
}

func (a *fakeArchive) Height(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frontier, nil
}

func (a *fakeArchive) Blocks(ctx context.Context, from, to uint64) ([]chain.Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, from)
	if a.failures > 0 {
		a.failures--
		return nil, pkgsource.NewTransientError("archive_blocks", errors.New("502 bad gateway"))
	}

	last := min(from+a.chunkSize-1, to)
	out := make([]chain.Block, 0, last-from+1)
	for h := from; h <= last; h++ {
		out = append(out, blockAt(h, 0))
	}
	return out, nil
}

type fakeLive struct {
	mu     sync.Mutex
	head   uint64
	blocks map[uint64]chain.Block
	closed bool
}

func newFakeLive(head uint64, from uint64, fork byte) *fakeLive {
	l := &fakeLive{head: head, blocks: make(map[uint64]chain.Block)}
	for h := from; h <= head; h++ {
		l.blocks[h] = blockAt(h, fork)
	}
	return l
}

func (l *fakeLive) HeadHeight(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, nil
}

func (l *fakeLive) Header(ctx context.Context, height uint64) (chain.BlockHeader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocks[height].Header, nil
}

func (l *fakeLive) Blocks(ctx context.Context, from, to uint64) ([]chain.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]chain.Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, l.blocks[h])
	}
	return out, nil
}

func (l *fakeLive) Close() { l.closed = true }

func testRetrier(attempts int) *rpc.Retrier {
	return rpc.NewRetrier(config.RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    internalcommon.NewDuration(time.Millisecond),
		MaxBackoff:        internalcommon.NewDuration(2 * time.Millisecond),
		BackoffMultiplier: 2,
	}, time.Second, 0, logger.NewNopLogger())
}

func newTestSource(start uint64, archive ArchiveFeed, live LiveFeed, attempts int) *Source {
	return New(Config{StartHeight: start, LiveChunkSize: 2, PrefetchChunks: 2},
		archive, live, testRetrier(attempts), logger.NewNopLogger())
}

func drain(t *testing.T, s *Source, n int) []uint64 {
	t.Helper()

	heights := make([]uint64, 0, n)
	for range n {
		b, err := s.Next(t.Context())
		require.NoError(t, err)
		heights = append(heights, b.Height())
	}
	return heights
}

func seq(from, to uint64) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, h)
	}
	return out
}

func TestSource_ArchiveThenLiveHandOff(t *testing.T) {
	archive := &fakeArchive{frontier: 109, chunkSize: 3}
	live := newFakeLive(112, 100, 0)
	s := newTestSource(100, archive, live, 3)
	defer s.Close()

	require.Equal(t, pkgsource.ModeArchive, s.Mode())
	require.Equal(t, seq(100, 109), drain(t, s, 10))
	require.Equal(t, seq(110, 112), drain(t, s, 3))
	require.Equal(t, pkgsource.ModeLive, s.Mode())
	require.Equal(t, uint64(112), s.Head())

	_, err := s.Next(t.Context())
	require.ErrorIs(t, err, pkgsource.ErrCaughtUp)

	live.mu.Lock()
	live.head = 113
	live.blocks[113] = blockAt(113, 0)
	live.mu.Unlock()

	require.Equal(t, []uint64{113}, drain(t, s, 1))
}

func TestSource_TransientArchiveErrorsWithinBudget(t *testing.T) {
	archive := &fakeArchive{frontier: 120, chunkSize: 5, failures: 3}
	s := newTestSource(100, archive, newFakeLive(120, 100, 0), 5)
	defer s.Close()

	require.Equal(t, seq(100, 120), drain(t, s, 21))

	archive.mu.Lock()
	defer archive.mu.Unlock()
	require.Equal(t, []uint64{100, 100, 100, 100}, archive.calls[:4])
}

func TestSource_ArchiveUnavailable(t *testing.T) {
	archive := &fakeArchive{frontier: 120, chunkSize: 5, failures: 10}
	s := newTestSource(100, archive, newFakeLive(120, 100, 0), 3)
	defer s.Close()

	_, err := s.Next(t.Context())
	var unavailable *pkgsource.SourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, 3, unavailable.Attempts)
}

func TestSource_RewindDiscardsPrefetched(t *testing.T) {
	archive := &fakeArchive{frontier: 200, chunkSize: 4}
	s := newTestSource(100, archive, newFakeLive(200, 100, 0), 3)
	defer s.Close()

	require.Equal(t, seq(100, 105), drain(t, s, 6))

	require.NoError(t, s.Rewind(t.Context(), 102))
	require.Equal(t, pkgsource.ModeArchive, s.Mode())
	require.Equal(t, seq(102, 108), drain(t, s, 7))
}

func TestSource_RewindInLiveMode(t *testing.T) {
	live := newFakeLive(20, 1, 0)
	s := newTestSource(10, nil, live, 3)
	defer s.Close()

	require.Equal(t, pkgsource.ModeLive, s.Mode())
	require.Equal(t, seq(10, 15), drain(t, s, 6))

	// the node now serves a different branch from 14 on
	live.mu.Lock()
	for h := uint64(14); h <= 20; h++ {
		live.blocks[h] = blockAt(h, 1)
	}
	live.mu.Unlock()

	header, err := s.HeaderAt(t.Context(), 14)
	require.NoError(t, err)
	require.Equal(t, blockAt(14, 1).Header.Hash, header.Hash)

	require.NoError(t, s.Rewind(t.Context(), 14))
	b, err := s.Next(t.Context())
	require.NoError(t, err)
	require.Equal(t, blockAt(14, 1).Header, b.Header)
}

func TestSource_RewindAboveFrontierStaysLive(t *testing.T) {
	archive := &fakeArchive{frontier: 101, chunkSize: 10}
	s := newTestSource(100, archive, newFakeLive(110, 100, 0), 3)
	defer s.Close()

	require.Equal(t, seq(100, 104), drain(t, s, 5))
	require.Equal(t, pkgsource.ModeLive, s.Mode())

	require.NoError(t, s.Rewind(t.Context(), 103))
	require.Equal(t, pkgsource.ModeLive, s.Mode())
	require.Equal(t, seq(103, 104), drain(t, s, 2))
}

func TestSource_CancelledContext(t *testing.T) {
	s := newTestSource(100, &fakeArchive{frontier: 200, chunkSize: 4}, newFakeLive(200, 100, 0), 3)
	defer s.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSource_CloseClosesLiveFeed(t *testing.T) {
	live := newFakeLive(5, 1, 0)
	s := newTestSource(1, &fakeArchive{frontier: 5, chunkSize: 1}, live, 3)

	_, err := s.Next(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.True(t, live.closed)
}
