package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func blocksAt(heights ...uint64) []Block {
	out := make([]Block, 0, len(heights))
	for _, h := range heights {
		out = append(out, Block{Header: BlockHeader{Height: h}})
	}
	return out
}

func TestNewBatch(t *testing.T) {
	tests := []struct {
		name    string
		heights []uint64
		from    uint64
		to      uint64
		wantErr bool
	}{
		{name: "single block", heights: []uint64{7}, from: 7, to: 7},
		{name: "contiguous", heights: []uint64{100, 101, 102}, from: 100, to: 102},
		{name: "empty", wantErr: true},
		{name: "gap", heights: []uint64{100, 102}, wantErr: true},
		{name: "reordered", heights: []uint64{101, 100}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := NewBatch(blocksAt(tt.heights...))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.from, batch.FromHeight)
			require.Equal(t, tt.to, batch.ToHeight)
			require.Equal(t, len(tt.heights), batch.Len())
		})
	}
}
