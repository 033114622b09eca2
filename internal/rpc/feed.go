package rpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	pkgrpc "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/rpc"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/source"
)

// LiveFeed reads the newest blocks and their filtered logs from a live node.
type LiveFeed struct {
	client  pkgrpc.EthClient
	retrier *Retrier
	filter  source.LogFilter
	log     *logger.Logger
}

// NewLiveFeed creates a live feed over client. Every call goes through retrier.
func NewLiveFeed(client pkgrpc.EthClient, retrier *Retrier, filter source.LogFilter, log *logger.Logger) *LiveFeed {
	return &LiveFeed{client: client, retrier: retrier, filter: filter, log: log}
}

// HeadHeight returns the node's latest block number.
func (f *LiveFeed) HeadHeight(ctx context.Context) (uint64, error) {
	var head uint64
	err := f.retrier.Do(ctx, "live_head", func(ctx context.Context) error {
		header, err := f.client.GetLatestBlockHeader(ctx)
		if err != nil {
			return err
		}
		if header == nil || header.Number == nil {
			return source.NewTransientError("live_head", fmt.Errorf("node returned no latest header"))
		}
		head = header.Number.Uint64()
		return nil
	})
	return head, err
}

// Header returns the node's canonical header at height.
func (f *LiveFeed) Header(ctx context.Context, height uint64) (chain.BlockHeader, error) {
	var out chain.BlockHeader
	err := f.retrier.Do(ctx, "live_header", func(ctx context.Context) error {
		header, err := f.client.GetBlockHeader(ctx, height)
		if err != nil {
			return err
		}
		if header == nil {
			return source.NewTransientError("live_header", fmt.Errorf("block %d not available", height))
		}
		out = toBlockHeader(header)
		return nil
	})
	return out, err
}

// Blocks returns blocks from..to (inclusive) with their filtered logs.
// Fewer blocks are returned when the node caps the log query to a smaller range.
func (f *LiveFeed) Blocks(ctx context.Context, from, to uint64) ([]chain.Block, error) {
	if to < from {
		return nil, nil
	}

	var blocks []chain.Block
	err := f.retrier.Do(ctx, "live_blocks", func(ctx context.Context) error {
		var err error
		blocks, err = f.fetchBlocks(ctx, from, to)
		return err
	})
	return blocks, err
}

func (f *LiveFeed) fetchBlocks(ctx context.Context, from, to uint64) ([]chain.Block, error) {
	logs, to, err := f.fetchLogs(ctx, from, to)
	if err != nil {
		return nil, err
	}

	nums := make([]uint64, 0, to-from+1)
	for h := from; h <= to; h++ {
		nums = append(nums, h)
	}

	headers, err := f.client.BatchGetBlockHeaders(ctx, nums)
	if err != nil {
		return nil, err
	}
	if len(headers) != len(nums) {
		return nil, source.NewTransientError("live_blocks",
			fmt.Errorf("requested %d headers, got %d", len(nums), len(headers)))
	}

	blocks := make([]chain.Block, len(headers))
	byHeight := make(map[uint64]int, len(headers))
	for i, h := range headers {
		if h == nil {
			return nil, source.NewTransientError("live_blocks", fmt.Errorf("block %d not available", nums[i]))
		}
		blocks[i] = chain.Block{Header: toBlockHeader(h)}
		if blocks[i].Header.Height != nums[i] {
			return nil, fmt.Errorf("node returned block %d for height %d", blocks[i].Header.Height, nums[i])
		}
		if i > 0 && blocks[i].Header.ParentHash != blocks[i-1].Header.Hash {
			return nil, source.NewTransientError("live_blocks",
				fmt.Errorf("headers %d and %d are not linked, chain moved during fetch", nums[i-1], nums[i]))
		}
		byHeight[nums[i]] = i
	}

	for _, l := range logs {
		i, ok := byHeight[l.BlockNumber]
		if !ok {
			return nil, fmt.Errorf("log %s/%d outside requested range %d-%d", l.TxHash.Hex(), l.Index, from, to)
		}
		if l.BlockHash != blocks[i].Header.Hash {
			return nil, source.NewTransientError("live_blocks",
				fmt.Errorf("log at block %d has hash %s, header has %s", l.BlockNumber, l.BlockHash.Hex(), blocks[i].Header.Hash.Hex()))
		}
		if l.Removed {
			continue
		}
		entry := toLogEntry(l)
		if !f.filter.Matches(entry) {
			continue
		}
		blocks[i].Logs = append(blocks[i].Logs, entry)
	}

	return blocks, nil
}

// fetchLogs runs eth_getLogs over from..to, narrowing to the node's suggested range when it
// refuses the query for returning too many results. It returns the last height covered.
func (f *LiveFeed) fetchLogs(ctx context.Context, from, to uint64) ([]types.Log, uint64, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: f.filter.Addresses,
	}
	if len(f.filter.Topic0) > 0 {
		query.Topics = [][]common.Hash{f.filter.Topic0}
	}

	logs, err := f.client.GetLogs(ctx, query)
	if err == nil {
		return logs, to, nil
	}

	tooMany, msg := IsTooManyResultsError(err)
	if !tooMany {
		return nil, 0, err
	}

	suggestedFrom, suggestedTo, ok := ParseSuggestedBlockRange(msg)
	if !ok || suggestedFrom != from || suggestedTo >= to {
		if to == from {
			return nil, 0, err
		}
		suggestedTo = from + (to-from)/2
	}

	f.log.Debugf("log query %d-%d too large, narrowing to %d-%d", from, to, from, suggestedTo)
	return f.fetchLogs(ctx, from, suggestedTo)
}

// Close closes the underlying client.
func (f *LiveFeed) Close() {
	f.client.Close()
}

func toBlockHeader(h *types.Header) chain.BlockHeader {
	return chain.BlockHeader{
		Height:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Timestamp:  h.Time,
	}
}

func toLogEntry(l types.Log) chain.LogEntry {
	return chain.LogEntry{
		BlockHeight:      l.BlockNumber,
		LogIndex:         l.Index,
		TransactionIndex: l.TxIndex,
		Address:          l.Address,
		Topics:           l.Topics,
		Data:             l.Data,
		TransactionHash:  l.TxHash,
	}
}
