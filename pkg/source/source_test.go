package source

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/stretchr/testify/require"
)

func TestLogFilter_Matches(t *testing.T) {
	usdc := common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	other := common.HexToAddress("0x01")
	transfer := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

	filter := LogFilter{Addresses: []common.Address{usdc}, Topic0: []common.Hash{transfer}}

	tests := []struct {
		name string
		log  chain.LogEntry
		want bool
	}{
		{name: "match", log: chain.LogEntry{Address: usdc, Topics: []common.Hash{transfer}}, want: true},
		{name: "wrong address", log: chain.LogEntry{Address: other, Topics: []common.Hash{transfer}}},
		{name: "wrong topic", log: chain.LogEntry{Address: usdc, Topics: []common.Hash{{0x1}}}},
		{name: "anonymous log", log: chain.LogEntry{Address: usdc}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, filter.Matches(tt.log))
		})
	}

	require.True(t, LogFilter{}.Matches(chain.LogEntry{Address: other}))
}

func TestErrorsUnwrap(t *testing.T) {
	root := errors.New("connection reset")

	var transient *TransientFetchError
	require.ErrorAs(t, NewTransientError("archive query", root), &transient)
	require.ErrorIs(t, transient, root)

	err := &SourceUnavailableError{Op: "archive query", Attempts: 5, Err: root}
	require.ErrorIs(t, err, root)
	require.Contains(t, err.Error(), "after 5 attempts")
}
