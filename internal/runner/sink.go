package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/metrics"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
)

// storeSink runs the handler on each batch and commits the result.
type storeSink struct {
	r   *Runner
	log *logger.Logger
}

func (s *storeSink) HandleBatch(ctx context.Context, batch chain.Batch) error {
	start := time.Now()

	mutations, err := s.r.handler(ctx, batch)
	if err != nil {
		return &stageError{component: common.ComponentTransfers, err: err}
	}

	commits, err := commitsFor(batch, mutations)
	if err != nil {
		return &stageError{component: common.ComponentTransfers, err: err}
	}

	if err := s.r.store.Apply(ctx, commits...); err != nil {
		return &stageError{component: common.ComponentStore, err: err}
	}

	s.r.setCommitted(batch.ToHeight)
	metrics.BlocksCommitted.Add(float64(batch.Len()))
	metrics.MutationsCommitted.Add(float64(len(mutations)))
	metrics.BatchProcessingTime.Observe(time.Since(start).Seconds())

	s.log.Infow("batch committed",
		"from", batch.FromHeight,
		"to", batch.ToHeight,
		"mutations", len(mutations),
		"mode", s.r.source.Mode(),
		"head", s.r.source.Head(),
	)

	s.prune(ctx, batch.ToHeight)
	return nil
}

// prune drops checkpoints that fell out of the confirmation window. The batch is already
// committed, so a failure is logged and retried on the next batch.
func (s *storeSink) prune(ctx context.Context, committed uint64) {
	depth := s.r.cfg.ConfirmationDepth
	if depth == 0 || committed <= depth {
		return
	}
	if err := s.r.store.Prune(context.WithoutCancel(ctx), committed-depth); err != nil {
		metrics.ErrorsInc(common.ComponentStore, "recoverable")
		s.log.Warnw("failed to prune checkpoints", "below", committed-depth, "error", err)
	}
}

func (s *storeSink) HandleRollback(ctx context.Context, instr chain.RollbackInstruction) error {
	target := instr.CommonAncestorHeight
	if err := s.r.store.RollbackTo(ctx, target); err != nil {
		return &stageError{component: common.ComponentStore, err: err}
	}

	if last, ok := s.r.LastCommitted(); ok && last > target {
		s.r.setCommitted(target)
	}
	metrics.Rollbacks.Inc()

	s.log.Warnw("rolled back store", "common_ancestor", target)
	return nil
}

// commitsFor groups mutations into one commit per block of the batch.
func commitsFor(batch chain.Batch, mutations []store.Mutation) ([]store.Commit, error) {
	commits := make([]store.Commit, len(batch.Blocks))
	for i, b := range batch.Blocks {
		commits[i] = store.Commit{Header: b.Header}
	}

	for _, m := range mutations {
		if m.Height < batch.FromHeight || m.Height > batch.ToHeight {
			return nil, fmt.Errorf("mutation for key %s has height %d outside batch %d-%d",
				m.Key, m.Height, batch.FromHeight, batch.ToHeight)
		}
		i := m.Height - batch.FromHeight
		commits[i].Mutations = append(commits[i].Mutations, m)
	}
	return commits, nil
}
