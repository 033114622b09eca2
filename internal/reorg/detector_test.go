package reorg

import (
	"context"
	"errors"
	"testing"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/stretchr/testify/require"
)

// fakeChain answers HeaderAt from a height to fork table.
type fakeChain struct {
	forks map[uint64]byte
	err   error
	calls []uint64
}

func (f *fakeChain) HeaderAt(_ context.Context, height uint64) (chain.BlockHeader, error) {
	f.calls = append(f.calls, height)
	if f.err != nil {
		return chain.BlockHeader{}, f.err
	}
	return header(height, f.forks[height]), nil
}

func block(h chain.BlockHeader) chain.Block {
	return chain.Block{Header: h}
}

func acceptRange(t *testing.T, d *Detector, from, to uint64) {
	t.Helper()
	for h := from; h <= to; h++ {
		instr, err := d.Check(t.Context(), block(header(h, 0)))
		require.NoError(t, err)
		require.Nil(t, instr)
	}
}

func TestDetector_AcceptsLinkedBlocks(t *testing.T) {
	d := NewDetector(75, &fakeChain{}, logger.NewNopLogger())

	acceptRange(t, d, 100, 109)

	last, ok := d.LastAccepted()
	require.True(t, ok)
	require.Equal(t, uint64(109), last.Height)
}

func TestDetector_NonContiguous(t *testing.T) {
	d := NewDetector(75, &fakeChain{}, nil)
	acceptRange(t, d, 100, 101)

	tests := []struct {
		name   string
		height uint64
	}{
		{name: "gap", height: 105},
		{name: "replay", height: 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Check(t.Context(), block(header(tt.height, 0)))
			var nonContiguous *NonContiguousError
			require.ErrorAs(t, err, &nonContiguous)
			require.Equal(t, uint64(102), nonContiguous.Expected)
		})
	}
}

func TestDetector_ForkFindsCommonAncestor(t *testing.T) {
	canonical := &fakeChain{forks: map[uint64]byte{109: 1, 110: 1}}
	d := NewDetector(75, canonical, nil)
	acceptRange(t, d, 100, 109)

	instr, err := d.Check(t.Context(), block(header(110, 1)))
	require.NoError(t, err)
	require.NotNil(t, instr)
	require.Equal(t, uint64(108), instr.CommonAncestorHeight)
	require.Equal(t, []uint64{109, 108}, canonical.calls)

	last, ok := d.LastAccepted()
	require.True(t, ok)
	require.Equal(t, uint64(108), last.Height)

	// 109' links to the ancestor on the new branch.
	forked := header(109, 1)
	forked.ParentHash = header(108, 0).Hash
	instr, err = d.Check(t.Context(), block(forked))
	require.NoError(t, err)
	require.Nil(t, instr)

	instr, err = d.Check(t.Context(), block(header(110, 1)))
	require.NoError(t, err)
	require.Nil(t, instr)
}

func TestDetector_StaleCandidateKeepsWindow(t *testing.T) {
	canonical := &fakeChain{}
	d := NewDetector(75, canonical, nil)
	acceptRange(t, d, 100, 105)

	instr, err := d.Check(t.Context(), block(header(106, 2)))
	require.NoError(t, err)
	require.NotNil(t, instr)
	require.Equal(t, uint64(105), instr.CommonAncestorHeight)

	last, ok := d.LastAccepted()
	require.True(t, ok)
	require.Equal(t, uint64(105), last.Height)
}

func TestDetector_DeepReorg(t *testing.T) {
	forks := make(map[uint64]byte)
	for h := uint64(0); h <= 200; h++ {
		forks[h] = 3
	}
	d := NewDetector(5, &fakeChain{forks: forks}, nil)
	acceptRange(t, d, 100, 109)

	_, err := d.Check(t.Context(), block(header(110, 3)))
	var deep *DeepReorgError
	require.ErrorAs(t, err, &deep)
	require.Equal(t, uint64(105), deep.WindowStart)
	require.Equal(t, uint64(109), deep.Height)
}

func TestDetector_FetchErrorPropagates(t *testing.T) {
	root := errors.New("node down")
	d := NewDetector(75, &fakeChain{err: root}, nil)
	acceptRange(t, d, 1, 3)

	_, err := d.Check(t.Context(), block(header(4, 1)))
	require.ErrorIs(t, err, root)

	last, _ := d.LastAccepted()
	require.Equal(t, uint64(3), last.Height)
}

func TestDetector_Restore(t *testing.T) {
	d := NewDetector(3, &fakeChain{}, nil)

	headers := []chain.BlockHeader{header(50, 0), header(51, 0), header(52, 0), header(53, 0)}
	require.NoError(t, d.Restore(headers))

	last, ok := d.LastAccepted()
	require.True(t, ok)
	require.Equal(t, uint64(53), last.Height)

	instr, err := d.Check(t.Context(), block(header(54, 0)))
	require.NoError(t, err)
	require.Nil(t, instr)
}
