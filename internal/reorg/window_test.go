package reorg

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/stretchr/testify/require"
)

func header(height uint64, fork byte) chain.BlockHeader {
	return chain.BlockHeader{
		Height:     height,
		Hash:       common.BytesToHash([]byte{fork, byte(height >> 8), byte(height)}),
		ParentHash: common.BytesToHash([]byte{fork, byte((height - 1) >> 8), byte(height - 1)}),
	}
}

func heights(headers []chain.BlockHeader) []uint64 {
	out := make([]uint64, 0, len(headers))
	for _, h := range headers {
		out = append(out, h.Height)
	}
	return out
}

func TestChainWindow_PushEvictsOldest(t *testing.T) {
	w := NewChainWindow(3)
	for h := uint64(10); h <= 14; h++ {
		require.NoError(t, w.Push(header(h, 0)))
	}

	require.Equal(t, 3, w.Len())
	require.Equal(t, []uint64{12, 13, 14}, heights(w.Headers()))

	oldest, ok := w.Oldest()
	require.True(t, ok)
	require.Equal(t, uint64(12), oldest.Height)

	_, ok = w.Get(11)
	require.False(t, ok)
	got, ok := w.Get(13)
	require.True(t, ok)
	require.Equal(t, header(13, 0), got)
}

func TestChainWindow_PushRejectsGap(t *testing.T) {
	w := NewChainWindow(5)
	require.NoError(t, w.Push(header(10, 0)))

	err := w.Push(header(12, 0))
	var nonContiguous *NonContiguousError
	require.ErrorAs(t, err, &nonContiguous)
	require.Equal(t, uint64(11), nonContiguous.Expected)
	require.Equal(t, uint64(12), nonContiguous.Got)
	require.Equal(t, 1, w.Len())
}

func TestChainWindow_TruncateAbove(t *testing.T) {
	w := NewChainWindow(4)
	for h := uint64(1); h <= 6; h++ {
		require.NoError(t, w.Push(header(h, 0)))
	}

	w.TruncateAbove(4)
	require.Equal(t, []uint64{3, 4}, heights(w.Headers()))

	require.NoError(t, w.Push(header(5, 1)))
	require.Equal(t, []uint64{3, 4, 5}, heights(w.Headers()))

	w.TruncateAbove(1)
	require.Equal(t, 0, w.Len())
	_, ok := w.Last()
	require.False(t, ok)
}

func TestChainWindow_Reset(t *testing.T) {
	w := NewChainWindow(3)
	require.NoError(t, w.Push(header(99, 0)))

	var restored []chain.BlockHeader
	for h := uint64(20); h <= 25; h++ {
		restored = append(restored, header(h, 0))
	}
	require.NoError(t, w.Reset(restored))
	require.Equal(t, []uint64{23, 24, 25}, heights(w.Headers()))

	require.NoError(t, w.Push(header(26, 0)))
	require.Equal(t, []uint64{24, 25, 26}, heights(w.Headers()))

	err := w.Reset([]chain.BlockHeader{header(1, 0), header(3, 0)})
	var nonContiguous *NonContiguousError
	require.ErrorAs(t, err, &nonContiguous)
}
