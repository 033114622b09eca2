// Package rpc defines the node client used by the live block feed.
package rpc

//go:generate mockery

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// EthClient defines the Ethereum RPC operations used by the live feed.
type EthClient interface {
	// Close closes the RPC client connection.
	Close()

	// GetLogs retrieves logs matching the given filter query.
	GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)

	// GetBlockHeader retrieves the header for a specific block number.
	GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error)

	// GetLatestBlockHeader retrieves the latest block header.
	GetLatestBlockHeader(ctx context.Context) (*types.Header, error)

	// BatchGetBlockHeaders retrieves headers for multiple block numbers in a single batch call.
	// A block the node does not know yet is returned as nil.
	BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error)
}
