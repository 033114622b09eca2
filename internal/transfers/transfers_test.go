package transfers

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
)

func transferLog(contract, from, to common.Address, value int64, logIndex uint) chain.LogEntry {
	return chain.LogEntry{
		LogIndex: logIndex,
		Address:  contract,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:            common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		TransactionHash: common.HexToHash("0xfeed"),
	}
}

func TestTransferTopic(t *testing.T) {
	require.Equal(t, crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), TransferTopic)
}

func TestDecode(t *testing.T) {
	transfer, err := Decode(transferLog(USDCAddress, alice, bob, 1_500_000, 0))
	require.NoError(t, err)
	require.Equal(t, alice, transfer.From)
	require.Equal(t, bob, transfer.To)
	require.Equal(t, "1500000", transfer.Value.String())
}

func TestDecode_Unrecognized(t *testing.T) {
	tests := []struct {
		name string
		log  chain.LogEntry
	}{
		{name: "no topics", log: chain.LogEntry{}},
		{name: "approval", log: chain.LogEntry{Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Approval(address,address,uint256)")),
		}}},
		{name: "erc721 style transfer", log: chain.LogEntry{Topics: []common.Hash{
			TransferTopic, {}, {}, {},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.log)
			require.ErrorIs(t, err, ErrUnrecognizedEvent)
		})
	}
}

func TestDecode_MalformedData(t *testing.T) {
	entry := transferLog(USDCAddress, alice, bob, 1, 0)
	entry.Data = []byte{0x01}

	_, err := Decode(entry)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnrecognizedEvent)
}

func TestHandler_Handle(t *testing.T) {
	blockHash := common.HexToHash("0xabcdef0000000000000000000000000000000000000000000000000000000001")
	other := common.HexToAddress("0x1111111111111111111111111111111111111111")

	batch, err := chain.NewBatch([]chain.Block{
		{
			Header: chain.BlockHeader{Height: 6082465, Hash: blockHash},
			Logs: []chain.LogEntry{
				transferLog(USDCAddress, alice, bob, 42, 3),
				transferLog(other, alice, bob, 7, 4),
				{LogIndex: 5, Address: USDCAddress, Topics: []common.Hash{crypto.Keccak256Hash([]byte("Paused()"))}},
			},
		},
		{Header: chain.BlockHeader{Height: 6082466, Hash: blockHash}},
	})
	require.NoError(t, err)

	h := NewHandler([]common.Address{USDCAddress}, nil)
	mutations, err := h.Handle(t.Context(), batch)
	require.NoError(t, err)
	require.Len(t, mutations, 1)

	m := mutations[0]
	require.Equal(t, uint64(6082465), m.Height)
	require.Equal(t, "transfer:0006082465-abcde-000003", m.Key)
	require.False(t, m.Delete)
	require.Equal(t, map[string]string{
		"id":      "0006082465-abcde-000003",
		"block":   "6082465",
		"from":    "0x00000000000000000000000000000000000a11ce",
		"to":      "0x0000000000000000000000000000000000000b0b",
		"value":   "42",
		"txnHash": common.HexToHash("0xfeed").Hex(),
	}, m.Fields)
}

func TestHandler_AnyContract(t *testing.T) {
	other := common.HexToAddress("0x1111111111111111111111111111111111111111")
	batch, err := chain.NewBatch([]chain.Block{{
		Header: chain.BlockHeader{Height: 1},
		Logs:   []chain.LogEntry{transferLog(other, alice, bob, 7, 0)},
	}})
	require.NoError(t, err)

	mutations, err := NewHandler(nil, nil).Handle(t.Context(), batch)
	require.NoError(t, err)
	require.Len(t, mutations, 1)
}
