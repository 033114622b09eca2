// Package chain holds the block stream types shared by every stage of the ingestion pipeline.
package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BlockHeader identifies one block and links it to its parent.
type BlockHeader struct {
	Height     uint64      `json:"height"`
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parentHash"`
	Timestamp  uint64      `json:"timestamp"`
}

// String returns a short description used in logs.
func (h BlockHeader) String() string {
	return fmt.Sprintf("#%d (%s)", h.Height, h.Hash.TerminalString())
}

// LogEntry is an event log emitted inside a block.
type LogEntry struct {
	BlockHeight      uint64         `json:"blockHeight"`
	LogIndex         uint           `json:"logIndex"`
	TransactionIndex uint           `json:"transactionIndex"`
	Address          common.Address `json:"address"`
	Topics           []common.Hash  `json:"topics"`
	Data             []byte         `json:"data"`
	TransactionHash  common.Hash    `json:"transactionHash"`
}

// Block is a header together with the logs selected for it.
type Block struct {
	Header BlockHeader
	Logs   []LogEntry
}

// Height is a shorthand for b.Header.Height.
func (b Block) Height() uint64 {
	return b.Header.Height
}

// Batch is a contiguous run of blocks handed to the handler as one unit.
type Batch struct {
	FromHeight uint64
	ToHeight   uint64
	Blocks     []Block
}

// NewBatch builds a batch over blocks, which must be contiguous and ordered.
func NewBatch(blocks []Block) (Batch, error) {
	if len(blocks) == 0 {
		return Batch{}, fmt.Errorf("empty batch")
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Height() != blocks[i-1].Height()+1 {
			return Batch{}, fmt.Errorf("non-contiguous batch: height %d follows %d",
				blocks[i].Height(), blocks[i-1].Height())
		}
	}
	return Batch{
		FromHeight: blocks[0].Height(),
		ToHeight:   blocks[len(blocks)-1].Height(),
		Blocks:     blocks,
	}, nil
}

// Len returns the number of blocks in the batch.
func (b Batch) Len() int {
	return len(b.Blocks)
}

// RollbackInstruction asks the store to undo every height above CommonAncestorHeight.
type RollbackInstruction struct {
	CommonAncestorHeight uint64
}
