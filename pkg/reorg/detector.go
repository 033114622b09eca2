package reorg

import (
	"context"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
)

// HeaderFetcher returns the header currently canonical at a height.
type HeaderFetcher interface {
	HeaderAt(ctx context.Context, height uint64) (chain.BlockHeader, error)
}

// Detector validates the block stream against the recent ancestry it has accepted.
type Detector interface {
	// Check accepts block if it extends the accepted chain. When it does not, the block is
	// rejected and the returned instruction names the common ancestor to roll back to.
	Check(ctx context.Context, block chain.Block) (*chain.RollbackInstruction, error)

	// Restore replaces the accepted ancestry, typically with headers persisted by the store.
	Restore(headers []chain.BlockHeader) error

	// LastAccepted returns the newest accepted header.
	LastAccepted() (chain.BlockHeader, bool)
}
