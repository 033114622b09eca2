// Package source defines the block source contract: an ordered feed of blocks that reads
// from an archive until it reaches recent history and then follows the node.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
)

// ErrCaughtUp is returned by Next when no new block is available yet.
var ErrCaughtUp = errors.New("block source caught up with chain head")

// Mode reports which feed a BlockSource is currently reading from.
type Mode string

const (
	ModeArchive Mode = "archive"
	ModeLive    Mode = "live"
)

// LogFilter selects the logs attached to delivered blocks.
// Empty slices match everything.
type LogFilter struct {
	Addresses []common.Address
	Topic0    []common.Hash
}

// Matches reports whether a log passes the filter.
func (f LogFilter) Matches(log chain.LogEntry) bool {
	if len(f.Addresses) > 0 {
		found := false
		for _, a := range f.Addresses {
			if a == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Topic0) > 0 {
		if len(log.Topics) == 0 {
			return false
		}
		for _, t := range f.Topic0 {
			if t == log.Topics[0] {
				return true
			}
		}
		return false
	}
	return true
}

// BlockSource is a single ordered cursor over the archive and live feeds.
type BlockSource interface {
	// Next returns the block following the last delivered one, or ErrCaughtUp.
	Next(ctx context.Context) (chain.Block, error)

	// Rewind makes height the next delivered block and drops any prefetched data.
	Rewind(ctx context.Context, height uint64) error

	// HeaderAt returns the canonical header at height as currently seen by the live feed.
	HeaderAt(ctx context.Context, height uint64) (chain.BlockHeader, error)

	// Mode returns the feed currently in use.
	Mode() Mode

	// Head returns the highest chain height observed so far.
	Head() uint64

	Close() error
}

// TransientFetchError marks a fetch failure that is worth retrying.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error in %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a TransientFetchError.
func NewTransientError(op string, err error) error {
	return &TransientFetchError{Op: op, Err: err}
}

// SourceUnavailableError is returned once the retry budget for an operation is exhausted.
type SourceUnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}
