// Package source merges the archive and live feeds into a single ordered block cursor.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	internalcommon "github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/metrics"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/rpc"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	pkgsource "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/source"
)

// ArchiveFeed serves finalized history in chunks. Calls are single attempts.
type ArchiveFeed interface {
	Height(ctx context.Context) (uint64, error)
	Blocks(ctx context.Context, from, to uint64) ([]chain.Block, error)
}

// LiveFeed serves the newest blocks from a node. Calls retry internally.
type LiveFeed interface {
	HeadHeight(ctx context.Context) (uint64, error)
	Header(ctx context.Context, height uint64) (chain.BlockHeader, error)
	Blocks(ctx context.Context, from, to uint64) ([]chain.Block, error)
	Close()
}

// Config controls cursor start and fetch sizes.
type Config struct {
	StartHeight    uint64
	LiveChunkSize  uint64
	PrefetchChunks int
}

var _ pkgsource.BlockSource = (*Source)(nil)

// Source implements pkgsource.BlockSource. Next and Rewind must be called from one goroutine.
type Source struct {
	cfg     Config
	archive ArchiveFeed
	live    LiveFeed
	retrier *rpc.Retrier
	log     *logger.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	next          uint64
	buffered      []chain.Block
	frontier      uint64
	frontierKnown bool
	prefetch      *prefetcher

	modeMu sync.RWMutex
	mode   pkgsource.Mode
	head   atomic.Uint64
}

// New creates a Source. archive may be nil, in which case only the live feed is used.
func New(cfg Config, archive ArchiveFeed, live LiveFeed, retrier *rpc.Retrier, log *logger.Logger) *Source {
	if cfg.LiveChunkSize == 0 {
		cfg.LiveChunkSize = 1
	}
	if cfg.PrefetchChunks < 1 {
		cfg.PrefetchChunks = 1
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Source{
		cfg:        cfg,
		archive:    archive,
		live:       live,
		retrier:    retrier,
		log:        log,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		next:       cfg.StartHeight,
		mode:       pkgsource.ModeLive,
	}
	if archive != nil {
		s.mode = pkgsource.ModeArchive
	}

	metrics.ComponentHealthSet(internalcommon.ComponentBlockSource, true)
	return s
}

// Next implements pkgsource.BlockSource.
func (s *Source) Next(ctx context.Context) (chain.Block, error) {
	if err := ctx.Err(); err != nil {
		return chain.Block{}, err
	}

	if len(s.buffered) == 0 {
		var err error
		if s.Mode() == pkgsource.ModeArchive {
			err = s.fillFromArchive(ctx)
		}
		if err == nil && s.Mode() == pkgsource.ModeLive {
			err = s.fillFromLive(ctx)
		}
		if err != nil {
			return chain.Block{}, err
		}
	}

	block := s.buffered[0]
	s.buffered = s.buffered[1:]
	if block.Height() != s.next {
		return chain.Block{}, fmt.Errorf("feed delivered block %d while %d was expected", block.Height(), s.next)
	}
	s.next++

	BlocksDeliveredInc(s.Mode())
	return block, nil
}

// fillFromArchive buffers the next archive chunk or switches to live mode once the frontier is passed.
func (s *Source) fillFromArchive(ctx context.Context) error {
	for {
		if !s.frontierKnown || s.next > s.frontier {
			if err := s.refreshFrontier(ctx); err != nil {
				return err
			}
			if s.next > s.frontier {
				s.handOff()
				return nil
			}
		}

		if s.prefetch == nil {
			s.prefetch = startPrefetch(s.baseCtx, s.next, s.frontier, s.cfg.PrefetchChunks, s.fetchArchiveChunk)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-s.prefetch.chunks:
			if !ok {
				// prefetcher reached the frontier it was started with
				s.stopPrefetch()
				s.frontierKnown = false
				continue
			}
			if chunk.err != nil {
				s.stopPrefetch()
				return chunk.err
			}
			s.buffered = chunk.blocks
			return nil
		}
	}
}

func (s *Source) refreshFrontier(ctx context.Context) error {
	var frontier uint64
	err := s.retrier.Do(ctx, "archive_height", func(ctx context.Context) error {
		var err error
		frontier, err = s.archive.Height(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if frontier < s.frontier {
		s.log.Warnf("archive frontier moved back from %d to %d", s.frontier, frontier)
	}
	s.frontier = frontier
	s.frontierKnown = true
	s.observeHead(frontier)
	ArchiveFrontierSet(frontier)
	return nil
}

func (s *Source) fetchArchiveChunk(ctx context.Context, from, to uint64) ([]chain.Block, error) {
	var blocks []chain.Block
	err := s.retrier.Do(ctx, "archive_blocks", func(ctx context.Context) error {
		var err error
		blocks, err = s.archive.Blocks(ctx, from, to)
		return err
	})
	return blocks, err
}

func (s *Source) handOff() {
	s.stopPrefetch()
	s.setMode(pkgsource.ModeLive)
	HandOffInc()
	s.log.Infof("archive frontier %d reached, switching to live feed at %d", s.frontier, s.next)
}

// fillFromLive buffers up to LiveChunkSize blocks above the cursor, or returns ErrCaughtUp.
func (s *Source) fillFromLive(ctx context.Context) error {
	head, err := s.live.HeadHeight(ctx)
	if err != nil {
		return err
	}
	s.observeHead(head)

	if s.next > head {
		return pkgsource.ErrCaughtUp
	}

	to := min(head, s.next+s.cfg.LiveChunkSize-1)
	blocks, err := s.live.Blocks(ctx, s.next, to)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return pkgsource.ErrCaughtUp
	}

	s.buffered = blocks
	return nil
}

// Rewind implements pkgsource.BlockSource.
func (s *Source) Rewind(ctx context.Context, height uint64) error {
	s.stopPrefetch()
	s.buffered = nil
	s.next = height

	if s.archive != nil && (!s.frontierKnown || height <= s.frontier) {
		s.setMode(pkgsource.ModeArchive)
	} else {
		s.setMode(pkgsource.ModeLive)
	}

	RewindsInc()
	s.log.Infof("rewound to %d (%s)", height, s.Mode())
	return nil
}

// HeaderAt implements pkgsource.BlockSource.
func (s *Source) HeaderAt(ctx context.Context, height uint64) (chain.BlockHeader, error) {
	return s.live.Header(ctx, height)
}

// Mode implements pkgsource.BlockSource.
func (s *Source) Mode() pkgsource.Mode {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	return s.mode
}

// Head implements pkgsource.BlockSource.
func (s *Source) Head() uint64 {
	return s.head.Load()
}

// Close stops prefetching and closes the live feed.
func (s *Source) Close() error {
	s.stopPrefetch()
	s.baseCancel()
	s.live.Close()
	return nil
}

func (s *Source) setMode(m pkgsource.Mode) {
	s.modeMu.Lock()
	s.mode = m
	s.modeMu.Unlock()
}

func (s *Source) observeHead(h uint64) {
	for {
		cur := s.head.Load()
		if h <= cur || s.head.CompareAndSwap(cur, h) {
			break
		}
	}
	metrics.ChainHead.Set(float64(s.head.Load()))
}

func (s *Source) stopPrefetch() {
	if s.prefetch == nil {
		return
	}
	if err := s.prefetch.stop(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debugf("prefetcher stopped with: %v", err)
	}
	s.prefetch = nil
}
