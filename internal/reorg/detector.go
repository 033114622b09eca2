// Package reorg validates the block stream against a bounded window of accepted headers
// and locates the common ancestor when the chain forks.
package reorg

import (
	"context"
	"fmt"
	"sync"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	pkgreorg "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/reorg"
)

var _ pkgreorg.Detector = (*Detector)(nil)

// Detector implements pkgreorg.Detector over a ChainWindow of depth F.
type Detector struct {
	mu      sync.Mutex
	window  *ChainWindow
	fetcher pkgreorg.HeaderFetcher
	log     *logger.Logger
}

// NewDetector creates a detector whose window holds confirmationDepth headers.
func NewDetector(confirmationDepth uint64, fetcher pkgreorg.HeaderFetcher, log *logger.Logger) *Detector {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Detector{
		window:  NewChainWindow(int(confirmationDepth)),
		fetcher: fetcher,
		log:     log,
	}
}

// Check accepts block or reports the rollback needed before the stream can continue.
// A returned instruction means block was not accepted.
func (d *Detector) Check(ctx context.Context, block chain.Block) (*chain.RollbackInstruction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidate := block.Header
	last, ok := d.window.Last()
	if !ok {
		return nil, d.accept(candidate)
	}

	if candidate.Height != last.Height+1 {
		return nil, &NonContiguousError{Expected: last.Height + 1, Got: candidate.Height}
	}

	if candidate.ParentHash == last.Hash {
		return nil, d.accept(candidate)
	}

	d.log.Warnw("parent hash mismatch",
		"height", candidate.Height,
		"parent_hash", candidate.ParentHash.Hex(),
		"accepted_hash", last.Hash.Hex(),
	)

	ancestor, err := d.findCommonAncestor(ctx)
	if err != nil {
		return nil, err
	}

	depth := last.Height - ancestor
	d.window.TruncateAbove(ancestor)
	WindowSizeSet(d.window.Len())
	ReorgDetectedLog(depth)

	d.log.Warnw("reorg detected",
		"common_ancestor", ancestor,
		"depth", depth,
		"candidate", candidate.String(),
	)

	return &chain.RollbackInstruction{CommonAncestorHeight: ancestor}, nil
}

// findCommonAncestor walks the window from newest to oldest and returns the highest
// height whose stored hash is still canonical.
func (d *Detector) findCommonAncestor(ctx context.Context) (uint64, error) {
	headers := d.window.Headers()
	for i := len(headers) - 1; i >= 0; i-- {
		stored := headers[i]
		canonical, err := d.fetcher.HeaderAt(ctx, stored.Height)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch canonical header at %d: %w", stored.Height, err)
		}
		if canonical.Hash == stored.Hash {
			return stored.Height, nil
		}
		d.log.Debugw("header replaced on canonical chain",
			"height", stored.Height,
			"stored", stored.Hash.Hex(),
			"canonical", canonical.Hash.Hex(),
		)
	}

	DeepReorgInc()
	newest := headers[len(headers)-1]
	return 0, &DeepReorgError{Height: newest.Height, WindowStart: headers[0].Height}
}

func (d *Detector) accept(h chain.BlockHeader) error {
	if err := d.window.Push(h); err != nil {
		return err
	}
	WindowSizeSet(d.window.Len())
	return nil
}

// Restore replaces the window with the newest contiguous headers.
func (d *Detector) Restore(headers []chain.BlockHeader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.window.Reset(headers); err != nil {
		return err
	}
	WindowSizeSet(d.window.Len())

	if last, ok := d.window.Last(); ok {
		d.log.Infow("reorg window restored", "headers", d.window.Len(), "last", last.String())
	}
	return nil
}

// LastAccepted returns the newest accepted header.
func (d *Detector) LastAccepted() (chain.BlockHeader, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window.Last()
}
