// Package sequencer groups accepted blocks into ordered batches and interleaves rollbacks with them.
package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"go.uber.org/ratelimit"
)

// Flush reasons, used as metric labels.
const (
	ReasonSize     = "size"
	ReasonLatency  = "latency"
	ReasonRollback = "rollback"
	ReasonFlush    = "flush"
)

// Sink receives batches and rollbacks strictly in stream order.
type Sink interface {
	HandleBatch(ctx context.Context, batch chain.Batch) error
	HandleRollback(ctx context.Context, instr chain.RollbackInstruction) error
}

// Config holds the flush thresholds.
type Config struct {
	MaxBlocks           int
	MaxLatency          time.Duration
	MaxFlushesPerSecond int
}

// Option customizes a Sequencer.
type Option func(*Sequencer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) {
		s.now = now
	}
}

// Sequencer is driven synchronously by the runner; it does not start goroutines.
type Sequencer struct {
	cfg     Config
	sink    Sink
	limiter ratelimit.Limiter
	now     func() time.Time
	log     *logger.Logger

	pending []chain.Block
	firstAt time.Time
}

// New creates a Sequencer delivering to sink.
func New(cfg Config, sink Sink, log *logger.Logger, opts ...Option) *Sequencer {
	if cfg.MaxBlocks < 1 {
		cfg.MaxBlocks = 1
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.MaxFlushesPerSecond > 0 {
		limiter = ratelimit.New(cfg.MaxFlushesPerSecond)
	}

	s := &Sequencer{
		cfg:     cfg,
		sink:    sink,
		limiter: limiter,
		now:     time.Now,
		log:     log,
		pending: make([]chain.Block, 0, cfg.MaxBlocks),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add appends an accepted block and flushes when the size threshold is reached.
func (s *Sequencer) Add(ctx context.Context, block chain.Block) error {
	if n := len(s.pending); n > 0 && block.Height() != s.pending[n-1].Height()+1 {
		return fmt.Errorf("sequencer received block %d after %d", block.Height(), s.pending[n-1].Height())
	}

	if len(s.pending) == 0 {
		s.firstAt = s.now()
	}
	s.pending = append(s.pending, block)
	pendingBlocks.Set(float64(len(s.pending)))

	if len(s.pending) >= s.cfg.MaxBlocks {
		return s.flush(ctx, ReasonSize)
	}
	return nil
}

// Tick flushes the pending batch if its first block has waited at least MaxLatency.
func (s *Sequencer) Tick(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	if s.now().Sub(s.firstAt) < s.cfg.MaxLatency {
		return nil
	}
	return s.flush(ctx, ReasonLatency)
}

// Flush delivers whatever is pending.
func (s *Sequencer) Flush(ctx context.Context) error {
	return s.flush(ctx, ReasonFlush)
}

// Rollback flushes pending blocks at or below the ancestor, discards the rest and
// then delivers the rollback itself.
func (s *Sequencer) Rollback(ctx context.Context, instr chain.RollbackInstruction) error {
	keep := 0
	for keep < len(s.pending) && s.pending[keep].Height() <= instr.CommonAncestorHeight {
		keep++
	}

	if discarded := len(s.pending) - keep; discarded > 0 {
		s.log.Infow("discarding pending blocks above common ancestor",
			"ancestor", instr.CommonAncestorHeight,
			"discarded", discarded,
		)
		discardedBlocks.Add(float64(discarded))
		s.pending = s.pending[:keep]
	}

	if err := s.flush(ctx, ReasonRollback); err != nil {
		return err
	}

	s.limiter.Take()
	if err := s.sink.HandleRollback(ctx, instr); err != nil {
		return err
	}
	rollbacksDelivered.Inc()
	return nil
}

// Pending returns the number of blocks waiting for a flush.
func (s *Sequencer) Pending() int {
	return len(s.pending)
}

func (s *Sequencer) flush(ctx context.Context, reason string) error {
	if len(s.pending) == 0 {
		return nil
	}

	batch, err := chain.NewBatch(s.pending)
	if err != nil {
		return err
	}

	s.limiter.Take()
	if err := s.sink.HandleBatch(ctx, batch); err != nil {
		return err
	}

	BatchFlushedLog(reason, batch.Len())
	s.log.Debugw("batch flushed",
		"from", batch.FromHeight,
		"to", batch.ToHeight,
		"blocks", batch.Len(),
		"reason", reason,
	)

	s.pending = make([]chain.Block, 0, s.cfg.MaxBlocks)
	pendingBlocks.Set(0)
	return nil
}
