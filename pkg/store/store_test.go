package store

import (
	"testing"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/stretchr/testify/require"
)

func commitAt(height uint64, keys ...string) Commit {
	c := Commit{Header: chain.BlockHeader{Height: height}}
	for _, k := range keys {
		c.Mutations = append(c.Mutations, Mutation{Height: height, Key: k, Fields: map[string]string{"k": k}})
	}
	return c
}

func TestValidateCommits(t *testing.T) {
	tests := []struct {
		name    string
		last    uint64
		hasLast bool
		commits []Commit
		wantErr error
	}{
		{name: "fresh store any start", commits: []Commit{commitAt(500), commitAt(501)}},
		{name: "continues", last: 9, hasLast: true, commits: []Commit{commitAt(10, "a")}},
		{name: "gap after last", last: 9, hasLast: true, commits: []Commit{commitAt(11)}, wantErr: ErrOutOfOrderCommit},
		{name: "replay", last: 9, hasLast: true, commits: []Commit{commitAt(9)}, wantErr: ErrOutOfOrderCommit},
		{name: "gap inside call", commits: []Commit{commitAt(1), commitAt(3)}, wantErr: ErrOutOfOrderCommit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommits(tt.last, tt.hasLast, tt.commits)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateCommits_MutationHeightMismatch(t *testing.T) {
	c := commitAt(5, "a")
	c.Mutations[0].Height = 4

	require.Error(t, ValidateCommits(4, true, []Commit{c}))
}

func TestMergeFields(t *testing.T) {
	prev := map[string]string{"a": "1", "b": "2"}
	merged := MergeFields(prev, map[string]string{"b": "3", "c": "4"})

	require.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, merged)
	require.Equal(t, "2", prev["b"])
	require.Empty(t, MergeFields(nil, nil))
}
