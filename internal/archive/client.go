// Package archive reads pre-filtered historical blocks from a Subsquid style archive gateway.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/source"
)

// DefaultGateway is the public Ethereum mainnet archive.
const DefaultGateway = "https://v2.archive.subsquid.io/network/ethereum-mainnet"

const maxErrorBody = 512

// Client performs single attempts against the gateway. Retries are the caller's concern.
type Client struct {
	gateway string
	http    *http.Client
	filter  source.LogFilter
	log     *logger.Logger
}

// NewClient creates a gateway client. A nil httpClient uses http.DefaultClient.
func NewClient(gateway string, filter source.LogFilter, httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Client{
		gateway: strings.TrimRight(gateway, "/"),
		http:    httpClient,
		filter:  filter,
		log:     log,
	}
}

// Height returns the archive frontier: the highest block the gateway can serve.
func (c *Client) Height(ctx context.Context) (uint64, error) {
	body, err := c.do(ctx, http.MethodGet, c.gateway+"/height", nil, "height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid archive height %q: %w", string(body), err)
	}
	return height, nil
}

// Blocks returns a contiguous run of blocks starting at from and ending at most at to.
// The gateway decides how many blocks one chunk holds.
func (c *Client) Blocks(ctx context.Context, from, to uint64) ([]chain.Block, error) {
	worker, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%d/worker", c.gateway, from), nil, "worker")
	if err != nil {
		return nil, err
	}
	workerURL := strings.TrimSpace(string(worker))
	if workerURL == "" {
		return nil, source.NewTransientError("archive_worker", fmt.Errorf("gateway returned no worker for block %d", from))
	}

	payload, err := json.Marshal(c.newQuery(from, to))
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive query: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, workerURL, payload, "query")
	if err != nil {
		return nil, err
	}

	var raw []blockData
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, source.NewTransientError("archive_query", fmt.Errorf("failed to decode worker response: %w", err))
	}

	blocks, err := c.toBlocks(raw, from, to)
	if err != nil {
		return nil, err
	}

	ArchiveBlocksAdd(len(blocks))
	c.log.Debugf("archive chunk %d-%d: %d blocks", from, blocks[len(blocks)-1].Header.Height, len(blocks))
	return blocks, nil
}

func (c *Client) newQuery(from, to uint64) query {
	q := query{
		FromBlock:        from,
		ToBlock:          &to,
		IncludeAllBlocks: true,
		Fields: fieldSelection{
			Block: blockFields{Number: true, Hash: true, ParentHash: true, Timestamp: true},
			Log: logFields{
				LogIndex: true, TransactionIndex: true, TransactionHash: true,
				Address: true, Topics: true, Data: true,
			},
		},
	}

	req := logRequest{}
	for _, a := range c.filter.Addresses {
		req.Address = append(req.Address, strings.ToLower(a.Hex()))
	}
	for _, t := range c.filter.Topic0 {
		req.Topic0 = append(req.Topic0, t.Hex())
	}
	q.Logs = []logRequest{req}

	return q
}

func (c *Client) toBlocks(raw []blockData, from, to uint64) ([]chain.Block, error) {
	if len(raw) == 0 {
		return nil, source.NewTransientError("archive_query", fmt.Errorf("worker returned no blocks from %d", from))
	}

	blocks := make([]chain.Block, 0, len(raw))
	expected := from
	for _, b := range raw {
		if b.Header.Number != expected {
			return nil, fmt.Errorf("archive returned block %d, expected %d", b.Header.Number, expected)
		}
		if b.Header.Number > to {
			break
		}

		header := chain.BlockHeader{
			Height:     b.Header.Number,
			Hash:       common.HexToHash(b.Header.Hash),
			ParentHash: common.HexToHash(b.Header.ParentHash),
			Timestamp:  b.Header.Timestamp,
		}
		if n := len(blocks); n > 0 && header.ParentHash != blocks[n-1].Header.Hash {
			return nil, fmt.Errorf("archive block %d does not link to %d", header.Height, header.Height-1)
		}

		block := chain.Block{Header: header}
		for _, l := range b.Logs {
			entry, err := l.toLogEntry(header.Height)
			if err != nil {
				return nil, err
			}
			if c.filter.Matches(entry) {
				block.Logs = append(block.Logs, entry)
			}
		}

		blocks = append(blocks, block)
		expected++
	}

	return blocks, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, endpoint string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build archive request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	ArchiveRequestInc(endpoint)
	resp, err := c.http.Do(req)
	ArchiveRequestDuration(endpoint, time.Since(start))
	if err != nil {
		ArchiveErrorInc(endpoint)
		return nil, fmt.Errorf("archive %s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		ArchiveErrorInc(endpoint)
		return nil, source.NewTransientError("archive_"+endpoint, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		ArchiveErrorInc(endpoint)
		statusErr := fmt.Errorf("archive %s returned %s: %s", endpoint, resp.Status, truncate(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, source.NewTransientError("archive_"+endpoint, statusErr)
		}
		return nil, statusErr
	}

	return body, nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

type query struct {
	FromBlock        uint64         `json:"fromBlock"`
	ToBlock          *uint64        `json:"toBlock,omitempty"`
	IncludeAllBlocks bool           `json:"includeAllBlocks"`
	Fields           fieldSelection `json:"fields"`
	Logs             []logRequest   `json:"logs"`
}

type fieldSelection struct {
	Block blockFields `json:"block"`
	Log   logFields   `json:"log"`
}

type blockFields struct {
	Number     bool `json:"number"`
	Hash       bool `json:"hash"`
	ParentHash bool `json:"parentHash"`
	Timestamp  bool `json:"timestamp"`
}

type logFields struct {
	LogIndex         bool `json:"logIndex"`
	TransactionIndex bool `json:"transactionIndex"`
	TransactionHash  bool `json:"transactionHash"`
	Address          bool `json:"address"`
	Topics           bool `json:"topics"`
	Data             bool `json:"data"`
}

type logRequest struct {
	Address []string `json:"address,omitempty"`
	Topic0  []string `json:"topic0,omitempty"`
}

type blockData struct {
	Header headerData `json:"header"`
	Logs   []logData  `json:"logs"`
}

type headerData struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  uint64 `json:"timestamp"`
}

type logData struct {
	LogIndex         uint     `json:"logIndex"`
	TransactionIndex uint     `json:"transactionIndex"`
	TransactionHash  string   `json:"transactionHash"`
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
}

func (l logData) toLogEntry(height uint64) (chain.LogEntry, error) {
	data, err := hexutil.Decode(l.Data)
	if err != nil && l.Data != "" && l.Data != "0x" {
		return chain.LogEntry{}, fmt.Errorf("invalid data in log %d of block %d: %w", l.LogIndex, height, err)
	}

	topics := make([]common.Hash, 0, len(l.Topics))
	for _, t := range l.Topics {
		topics = append(topics, common.HexToHash(t))
	}

	return chain.LogEntry{
		BlockHeight:      height,
		LogIndex:         l.LogIndex,
		TransactionIndex: l.TransactionIndex,
		Address:          common.HexToAddress(l.Address),
		Topics:           topics,
		Data:             data,
		TransactionHash:  common.HexToHash(l.TransactionHash),
	}, nil
}
