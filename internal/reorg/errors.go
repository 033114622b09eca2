package reorg

import "fmt"

// DeepReorgError is returned when no header in the window is still canonical.
// Recovery requires an operator resync below WindowStart.
type DeepReorgError struct {
	Height      uint64
	WindowStart uint64
}

func (e *DeepReorgError) Error() string {
	return fmt.Sprintf("reorg at block %d reaches below the window starting at %d", e.Height, e.WindowStart)
}

// NonContiguousError is returned when a candidate block does not follow the last accepted one.
type NonContiguousError struct {
	Expected uint64
	Got      uint64
}

func (e *NonContiguousError) Error() string {
	return fmt.Sprintf("non-contiguous block: expected %d, got %d", e.Expected, e.Got)
}
