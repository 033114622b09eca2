// Package store defines the checkpointed key-value store that holds derived records together
// with the per-height journal used to undo them on a reorg.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
)

var (
	// ErrRollbackBeyondPrune is returned when a rollback target lies below the prune horizon.
	ErrRollbackBeyondPrune = errors.New("rollback target is below the pruned checkpoint horizon")

	// ErrOutOfOrderCommit is returned when a commit height does not follow the last committed height.
	ErrOutOfOrderCommit = errors.New("commit height does not follow last committed height")

	// ErrNotFound is returned by Get when the key has no record.
	ErrNotFound = errors.New("record not found")
)

// Mutation is an upsert or delete of one record, attributed to the block height that produced it.
// Upserts merge Fields into the existing record.
type Mutation struct {
	Height uint64
	Key    string
	Fields map[string]string
	Delete bool
}

// Commit groups the mutations produced while processing one block.
type Commit struct {
	Header    chain.BlockHeader
	Mutations []Mutation
}

// UndoRecord holds the value a key had before a height touched it.
// Previous is nil when the key did not exist.
type UndoRecord struct {
	Key      string
	Previous map[string]string
}

// CheckpointEntry is the rollback journal for one committed height.
type CheckpointEntry struct {
	Header chain.BlockHeader
	Undo   []UndoRecord
}

// CommitError wraps a durable write failure. The pre-apply state is still what a restart observes.
type CommitError struct {
	Height uint64
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("store commit failed at height %d: %v", e.Height, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// CheckpointedStore is the derived key-value store together with its per-height rollback journal.
// Implementations serialize Apply, RollbackTo and Prune.
type CheckpointedStore interface {
	// Apply durably records each commit and its checkpoint entry as a single atomic unit.
	// Every commit height must be exactly one above the previous committed height.
	Apply(ctx context.Context, commits ...Commit) error

	// RollbackTo undoes every committed height above height, newest first.
	// Repeating it with the same or a lower retained target is a no-op.
	RollbackTo(ctx context.Context, height uint64) error

	// Prune discards checkpoint entries at or below belowHeight.
	Prune(ctx context.Context, belowHeight uint64) error

	// LastCommittedHeight returns the highest durably applied height.
	// ok is false if nothing was ever committed.
	LastCommittedHeight(ctx context.Context) (height uint64, ok bool, err error)

	// RecentHeaders returns the headers of retained checkpoint entries in ascending height order.
	RecentHeaders(ctx context.Context) ([]chain.BlockHeader, error)

	// Get returns the fields of a record or ErrNotFound.
	Get(ctx context.Context, key string) (map[string]string, error)

	// Close releases the underlying connections.
	Close() error
}

// ValidateCommits checks that commits continue the sequence after last.
// hasLast is false when the store has never committed, in which case the first commit may start anywhere.
func ValidateCommits(last uint64, hasLast bool, commits []Commit) error {
	expected := last + 1
	for i, c := range commits {
		if (hasLast || i > 0) && c.Header.Height != expected {
			return fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrderCommit, c.Header.Height, expected)
		}
		for _, m := range c.Mutations {
			if m.Height != c.Header.Height {
				return fmt.Errorf("mutation for key %s has height %d inside commit %d",
					m.Key, m.Height, c.Header.Height)
			}
		}
		expected = c.Header.Height + 1
	}
	return nil
}

// MergeFields applies an upsert on top of prev and returns the new record.
func MergeFields(prev, fields map[string]string) map[string]string {
	out := make(map[string]string, len(prev)+len(fields))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
