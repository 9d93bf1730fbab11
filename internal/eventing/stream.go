package eventing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/iuriikogan/rlm-repl/internal/types"
)

const DefaultStreamBuffer = 256

// ErrStreamFull is returned when an event was dropped because the reader fell
// behind.
var ErrStreamFull = errors.New("event stream buffer is full")

// Stream hands events to a single reader over a buffered channel. Publish
// never blocks: when the buffer is full the event is dropped and counted.
type Stream struct {
	events  chan types.Event
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

var _ Sink = (*Stream)(nil)

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream{events: make(chan types.Event, buffer)}
}

func (s *Stream) Publish(_ context.Context, event types.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.events <- event:
		return nil
	default:
		s.dropped.Add(1)
		return ErrStreamFull
	}
}

// Events is closed by Close once the producer is done.
func (s *Stream) Events() <-chan types.Event {
	return s.events
}

func (s *Stream) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

// Dropped reports how many events were discarded.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}
