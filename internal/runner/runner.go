// Package runner drives the pull, detect, sequence, handle and commit loop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/logger"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/metrics"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/sequencer"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
	pkgreorg "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/reorg"
	pkgsource "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/source"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
)

// State is the lifecycle state of a Runner.
type State string

const (
	StateInit       State = "INIT"
	StateCatchingUp State = "CATCHING_UP"
	StateLive       State = "LIVE"
	StateHalted     State = "HALTED"
	StateStopped    State = "STOPPED"
)

var allStates = []string{
	string(StateInit),
	string(StateCatchingUp),
	string(StateLive),
	string(StateHalted),
	string(StateStopped),
}

// Handler turns a batch into the mutations committed for it.
// Every mutation must carry the height of a block inside the batch.
type Handler func(ctx context.Context, batch chain.Batch) ([]store.Mutation, error)

// Config holds the runner settings.
type Config struct {
	// FromHeight is where a fresh store starts.
	FromHeight uint64
	// ConfirmationDepth is F; checkpoints below lastCommitted-F are pruned.
	ConfirmationDepth uint64
	PollInterval      time.Duration
	Batch             sequencer.Config
}

// Option customizes a Runner.
type Option func(*Runner)

// WithSequencerOptions passes options to the internal sequencer.
func WithSequencerOptions(opts ...sequencer.Option) Option {
	return func(r *Runner) {
		r.seqOpts = append(r.seqOpts, opts...)
	}
}

// Runner owns the ingestion pipeline. Run must not be called concurrently.
type Runner struct {
	cfg      Config
	source   pkgsource.BlockSource
	detector pkgreorg.Detector
	store    store.CheckpointedStore
	handler  Handler
	log      *logger.Logger
	seqOpts  []sequencer.Option

	seq *sequencer.Sequencer

	mu            sync.RWMutex
	state         State
	lastCommitted uint64
	hasCommitted  bool
}

// New creates a Runner.
func New(
	cfg Config,
	source pkgsource.BlockSource,
	detector pkgreorg.Detector,
	st store.CheckpointedStore,
	handler Handler,
	log *logger.Logger,
	opts ...Option,
) (*Runner, error) {
	if source == nil {
		return nil, errors.New("block source is required")
	}
	if detector == nil {
		return nil, errors.New("reorg detector is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	r := &Runner{
		cfg:      cfg,
		source:   source,
		detector: detector,
		store:    st,
		handler:  handler,
		log:      log,
		state:    StateInit,
	}
	for _, opt := range opts {
		opt(r)
	}
	metrics.RunnerStateSet(string(StateInit), allStates)

	return r, nil
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastCommitted returns the last height the runner committed or restored.
func (r *Runner) LastCommitted() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCommitted, r.hasCommitted
}

// Run resumes from the store and processes blocks until ctx is cancelled or a fatal error occurs.
// A cancelled ctx flushes pending blocks and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	log := r.log.WithFields("run_id", uuid.NewString())
	r.seq = sequencer.New(r.cfg.Batch, &storeSink{r: r, log: log}, log, r.seqOpts...)

	if err := r.resume(ctx, log); err != nil {
		if ctx.Err() != nil {
			return r.stop(ctx, log)
		}
		return r.halt(log, common.ComponentRunner, err)
	}

	for {
		if ctx.Err() != nil {
			return r.stop(ctx, log)
		}

		block, err := r.source.Next(ctx)
		if errors.Is(err, pkgsource.ErrCaughtUp) {
			if err := r.idle(ctx); err != nil {
				if ctx.Err() != nil {
					return r.stop(ctx, log)
				}
				return r.halt(log, componentOf(err, common.ComponentRunner), err)
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.stop(ctx, log)
			}
			return r.halt(log, common.ComponentBlockSource, err)
		}

		if r.source.Mode() == pkgsource.ModeArchive {
			r.setState(StateCatchingUp)
		}

		if err := r.process(ctx, block); err != nil {
			if ctx.Err() != nil {
				return r.stop(ctx, log)
			}
			return r.halt(log, componentOf(err, common.ComponentRunner), err)
		}
	}
}

func (r *Runner) resume(ctx context.Context, log *logger.Logger) error {
	last, ok, err := r.store.LastCommittedHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to read last committed height: %w", err)
	}

	headers, err := r.store.RecentHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to read recent headers: %w", err)
	}
	if err := r.detector.Restore(headers); err != nil {
		return fmt.Errorf("failed to restore reorg window: %w", err)
	}

	next := r.cfg.FromHeight
	if ok {
		next = last + 1
		r.setCommitted(last)
		log.Infow("resuming from store", "last_committed", last, "window_headers", len(headers))
	} else {
		log.Infow("starting fresh", "from_height", next)
	}

	if err := r.source.Rewind(ctx, next); err != nil {
		return fmt.Errorf("failed to position block source at %d: %w", next, err)
	}

	r.setState(StateCatchingUp)
	return nil
}

// process validates one block and hands it to the sequencer, or performs the rollback the
// detector asks for and repositions the source.
func (r *Runner) process(ctx context.Context, block chain.Block) error {
	instr, err := r.detector.Check(ctx, block)
	if err != nil {
		return &stageError{component: common.ComponentReorgDetector, err: err}
	}

	if instr != nil {
		if err := r.seq.Rollback(ctx, *instr); err != nil {
			return err
		}
		resumeAt := instr.CommonAncestorHeight + 1
		if err := r.source.Rewind(ctx, resumeAt); err != nil {
			return &stageError{component: common.ComponentBlockSource, err: err}
		}
		return nil
	}

	if err := r.seq.Add(ctx, block); err != nil {
		return err
	}
	return r.seq.Tick(ctx)
}

// idle flushes latency-expired work and waits one poll interval.
func (r *Runner) idle(ctx context.Context) error {
	if r.source.Mode() == pkgsource.ModeLive {
		r.setState(StateLive)
	}

	if err := r.seq.Tick(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}

func (r *Runner) stop(ctx context.Context, log *logger.Logger) error {
	log.Info("stopping runner, flushing pending blocks")

	// The flush must complete even though ctx is done.
	if err := r.seq.Flush(context.WithoutCancel(ctx)); err != nil {
		return r.halt(log, componentOf(err, common.ComponentRunner), err)
	}

	r.setState(StateStopped)
	last, _ := r.LastCommitted()
	log.Infow("runner stopped", "last_committed", last)
	return nil
}

func (r *Runner) halt(log *logger.Logger, component string, err error) error {
	r.setState(StateHalted)
	metrics.ErrorsInc(component, "fatal")
	metrics.ComponentHealthSet(component, false)
	log.Errorw("runner halted", "component", component, "error", err)
	return fmt.Errorf("%s: %w", component, err)
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()

	if prev != s {
		metrics.RunnerStateSet(string(s), allStates)
		r.log.Infow("runner state changed", "from", prev, "to", s)
	}
}

func (r *Runner) setCommitted(height uint64) {
	r.mu.Lock()
	r.lastCommitted = height
	r.hasCommitted = true
	r.mu.Unlock()
	metrics.LastCommittedHeight.Set(float64(height))
}

// stageError attributes a fatal error to the component that produced it.
type stageError struct {
	component string
	err       error
}

func (e *stageError) Error() string { return e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func componentOf(err error, fallback string) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.component
	}
	return fallback
}
