package source

import (
	"context"
	"fmt"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"golang.org/x/sync/errgroup"
)

type chunkResult struct {
	blocks []chain.Block
	err    error
}

type fetchFunc func(ctx context.Context, from, to uint64) ([]chain.Block, error)

// prefetcher fetches archive chunks from..to ahead of delivery into a bounded channel.
// The channel is closed after the chunk ending at to, or after the first error.
type prefetcher struct {
	cancel context.CancelFunc
	group  *errgroup.Group
	chunks chan chunkResult
}

func startPrefetch(parent context.Context, from, to uint64, depth int, fetch fetchFunc) *prefetcher {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan chunkResult, depth)

	g.Go(func() error {
		defer close(chunks)

		for next := from; next <= to; {
			blocks, err := fetch(gctx, next, to)
			if err == nil && (len(blocks) == 0 || blocks[0].Height() != next) {
				err = fmt.Errorf("archive chunk for %d started at the wrong height", next)
			}
			if err != nil {
				select {
				case chunks <- chunkResult{err: err}:
				case <-gctx.Done():
				}
				return err
			}

			select {
			case chunks <- chunkResult{blocks: blocks}:
			case <-gctx.Done():
				return gctx.Err()
			}
			PrefetchedChunksInc()
			next = blocks[len(blocks)-1].Height() + 1
		}
		return nil
	})

	return &prefetcher{cancel: cancel, group: g, chunks: chunks}
}

// stop cancels outstanding fetches, waits for the goroutine and drops anything buffered.
func (p *prefetcher) stop() error {
	p.cancel()
	err := p.group.Wait()
	for range p.chunks {
	}
	return err
}
