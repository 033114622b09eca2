package rpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	pkgrpc "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/rpc"
)

const maxHeaderBatch = 100

// Compile-time check to ensure Client implements pkgrpc.EthClient interface.
var _ pkgrpc.EthClient = (*Client)(nil)

// Client wraps the Ethereum RPC client with the calls the live feed needs.
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// NewClient creates a new RPC client connected to the given endpoint.
func NewClient(ctx context.Context, endpoint string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	return &Client{
		eth: ethclient.NewClient(rpcClient),
		rpc: rpcClient,
	}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() {
	c.eth.Close()
}

// GetLogs retrieves logs matching the given filter query.
func (c *Client) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	start := time.Now()
	RPCMethodInc("eth_getLogs")
	defer func() { RPCMethodDuration("eth_getLogs", time.Since(start)) }()

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		RPCMethodError("eth_getLogs", errorType(err))
	}
	return logs, err
}

// GetBlockHeader retrieves the header for a specific block number.
func (c *Client) GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	RPCMethodInc("eth_getBlockByNumber")
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNum))
	if err != nil {
		RPCMethodError("eth_getBlockByNumber", errorType(err))
	}
	return header, err
}

// GetLatestBlockHeader retrieves the latest block header.
func (c *Client) GetLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	RPCMethodInc("eth_getBlockByNumber")
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		RPCMethodError("eth_getBlockByNumber", errorType(err))
	}
	return header, err
}

// BatchGetBlockHeaders retrieves headers for multiple block numbers, maxHeaderBatch per batch call.
func (c *Client) BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error) {
	allResults := make([]*types.Header, 0, len(blockNums))

	for i := 0; i < len(blockNums); i += maxHeaderBatch {
		end := min(i+maxHeaderBatch, len(blockNums))
		chunk := blockNums[i:end]

		batch := make([]rpc.BatchElem, len(chunk))
		results := make([]*types.Header, len(chunk))

		for j, blockNum := range chunk {
			batch[j] = rpc.BatchElem{
				Method: "eth_getBlockByNumber",
				Args:   []any{toBlockNumArg(blockNum), false}, // false = don't include transactions
				Result: &results[j],
			}
		}

		start := time.Now()
		RPCMethodInc("batch_eth_getBlockByNumber")
		err := c.rpc.BatchCallContext(ctx, batch)
		RPCMethodDuration("batch_eth_getBlockByNumber", time.Since(start))
		if err != nil {
			RPCMethodError("batch_eth_getBlockByNumber", errorType(err))
			return nil, err
		}

		for _, elem := range batch {
			if elem.Error != nil {
				RPCMethodError("batch_eth_getBlockByNumber", errorType(elem.Error))
				return nil, elem.Error
			}
		}

		allResults = append(allResults, results...)
	}

	return allResults, nil
}

// toBlockNumArg converts a block number to hex format.
func toBlockNumArg(blockNum uint64) string {
	return fmt.Sprintf("0x%x", blockNum)
}
