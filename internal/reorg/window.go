package reorg

import (
	"fmt"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/chain"
)

// ChainWindow holds the last accepted headers, contiguous by height, in a fixed size ring.
type ChainWindow struct {
	buf   []chain.BlockHeader
	start int
	count int
}

// NewChainWindow creates a window holding at most capacity headers.
func NewChainWindow(capacity int) *ChainWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &ChainWindow{buf: make([]chain.BlockHeader, capacity)}
}

// Cap returns the window capacity.
func (w *ChainWindow) Cap() int { return len(w.buf) }

// Len returns the number of headers held.
func (w *ChainWindow) Len() int { return w.count }

// Push appends h, evicting the oldest header when full. h must follow the newest header.
func (w *ChainWindow) Push(h chain.BlockHeader) error {
	if last, ok := w.Last(); ok && h.Height != last.Height+1 {
		return &NonContiguousError{Expected: last.Height + 1, Got: h.Height}
	}

	if w.count == len(w.buf) {
		w.buf[w.start] = h
		w.start = (w.start + 1) % len(w.buf)
		return nil
	}

	w.buf[(w.start+w.count)%len(w.buf)] = h
	w.count++
	return nil
}

// Last returns the newest header.
func (w *ChainWindow) Last() (chain.BlockHeader, bool) {
	if w.count == 0 {
		return chain.BlockHeader{}, false
	}
	return w.at(w.count - 1), true
}

// Oldest returns the oldest retained header.
func (w *ChainWindow) Oldest() (chain.BlockHeader, bool) {
	if w.count == 0 {
		return chain.BlockHeader{}, false
	}
	return w.at(0), true
}

// Get returns the header at height if the window holds it.
func (w *ChainWindow) Get(height uint64) (chain.BlockHeader, bool) {
	oldest, ok := w.Oldest()
	if !ok || height < oldest.Height || height-oldest.Height >= uint64(w.count) {
		return chain.BlockHeader{}, false
	}
	return w.at(int(height - oldest.Height)), true
}

// TruncateAbove drops every header above height.
func (w *ChainWindow) TruncateAbove(height uint64) {
	for w.count > 0 {
		last, _ := w.Last()
		if last.Height <= height {
			return
		}
		w.count--
	}
}

// Headers returns the held headers in ascending height order.
func (w *ChainWindow) Headers() []chain.BlockHeader {
	out := make([]chain.BlockHeader, w.count)
	for i := range w.count {
		out[i] = w.at(i)
	}
	return out
}

// Reset replaces the content with the newest Cap() entries of headers, which must be contiguous.
func (w *ChainWindow) Reset(headers []chain.BlockHeader) error {
	for i := 1; i < len(headers); i++ {
		if headers[i].Height != headers[i-1].Height+1 {
			return fmt.Errorf("cannot restore window: %w",
				&NonContiguousError{Expected: headers[i-1].Height + 1, Got: headers[i].Height})
		}
	}
	if len(headers) > len(w.buf) {
		headers = headers[len(headers)-len(w.buf):]
	}

	w.start = 0
	w.count = 0
	for _, h := range headers {
		w.buf[w.count] = h
		w.count++
	}
	return nil
}

func (w *ChainWindow) at(i int) chain.BlockHeader {
	return w.buf[(w.start+i)%len(w.buf)]
}
