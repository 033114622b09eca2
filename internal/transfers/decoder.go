// Package transfers turns ERC-20 Transfer logs into derived store records.
package transfers

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
)

// USDCAddress is the USDC token contract on Ethereum mainnet.
var USDCAddress = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")

// ErrUnrecognizedEvent is returned for logs that are not ERC-20 Transfer events.
var ErrUnrecognizedEvent = errors.New("unrecognized event")

const erc20TransferABI = `[{
	"anonymous": false,
	"type": "event",
	"name": "Transfer",
	"inputs": [
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "value", "type": "uint256"}
	]
}]`

var (
	transferABI   = mustParseABI(erc20TransferABI)
	transferEvent = transferABI.Events["Transfer"]

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = transferEvent.ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid transfer ABI: %v", err))
	}
	return parsed
}

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// Decode decodes a Transfer log. Logs with any other topic0 yield ErrUnrecognizedEvent.
func Decode(log chain.LogEntry) (Transfer, error) {
	if len(log.Topics) == 0 || log.Topics[0] != TransferTopic {
		return Transfer{}, ErrUnrecognizedEvent
	}

	indexed := make(abi.Arguments, 0, 2)
	for _, input := range transferEvent.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(log.Topics) != len(indexed)+1 {
		return Transfer{}, fmt.Errorf("%w: transfer log has %d topics", ErrUnrecognizedEvent, len(log.Topics))
	}

	fields := make(map[string]any, len(transferEvent.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return Transfer{}, fmt.Errorf("failed to parse transfer topics: %w", err)
	}
	if err := transferABI.UnpackIntoMap(fields, "Transfer", log.Data); err != nil {
		return Transfer{}, fmt.Errorf("failed to unpack transfer data: %w", err)
	}

	from, okFrom := fields["from"].(common.Address)
	to, okTo := fields["to"].(common.Address)
	value, okValue := fields["value"].(*big.Int)
	if !okFrom || !okTo || !okValue {
		return Transfer{}, fmt.Errorf("unexpected transfer field types: %T %T %T",
			fields["from"], fields["to"], fields["value"])
	}

	return Transfer{From: from, To: to, Value: value}, nil
}
