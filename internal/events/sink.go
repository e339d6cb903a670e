// Package events provides the bounded, ordered event stream a resolution
// emits into.
package events

import (
	"sync"

	"github.com/cjohansen/courier/pkg/types"
)

// DefaultBufferSize bounds the sink when no size is configured.
const DefaultBufferSize = 512

// Sink is a bounded event channel. Producers block when the buffer is
// full. The resolver closes the sink exactly once when resolution
// terminates.
type Sink struct {
	ch   chan types.Event
	once sync.Once
}

// NewSink creates a sink with the given buffer size; sizes <= 0 use
// DefaultBufferSize.
func NewSink(size int) *Sink {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Sink{ch: make(chan types.Event, size)}
}

// Emit delivers an event, blocking while the buffer is full.
func (s *Sink) Emit(ev types.Event) {
	s.ch <- ev
}

// Close closes the stream. Safe to call more than once.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.ch) })
}

// Events returns the consumer side of the stream.
func (s *Sink) Events() <-chan types.Event {
	return s.ch
}
