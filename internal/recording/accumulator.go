package recording

import (
	"errors"
	"sync"

	"github.com/audiolibrelab/camcapture/internal/capture"
)

var ErrAlreadyDrained = errors.New("fragment buffer already drained")

// Accumulator buffers the fragments of one session in arrival order
type Accumulator struct {
	mu        sync.Mutex
	fragments []capture.Fragment
	size      int64
	drained   bool
}

// NewAccumulator returns an empty buffer
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append adds a fragment. Empty fragments are dropped and fragments
// arriving after the drain are refused; both report false.
func (a *Accumulator) Append(f capture.Fragment) bool {
	if len(f.Data) == 0 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.drained {
		return false
	}
	a.fragments = append(a.fragments, f)
	a.size += int64(len(f.Data))
	return true
}

// Len returns the number of buffered fragments
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fragments)
}

// Size returns the number of buffered bytes
func (a *Accumulator) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Drain hands out the whole ordered sequence and empties the buffer.
// It works once per session.
func (a *Accumulator) Drain() ([]capture.Fragment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.drained {
		return nil, ErrAlreadyDrained
	}
	a.drained = true

	out := a.fragments
	a.fragments = nil
	a.size = 0
	return out, nil
}
