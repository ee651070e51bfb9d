package streaming

import (
	"context"
	"errors"
	"sync"
)

// DefaultBuffer is the channel capacity used when none is given.
const DefaultBuffer = 64

var (
	// ErrListenerFull is returned by ChanListener.Send when the consumer has
	// fallen a full buffer behind.
	ErrListenerFull = errors.New("listener buffer full")
	// ErrListenerClosed is returned by Send after Close.
	ErrListenerClosed = errors.New("listener closed")
)

// EventFilter narrows the events a ChanListener accepts.
type EventFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
}

func (f EventFilter) match(ev Event) bool {
	return f.WorkflowID == "" || f.WorkflowID == ev.WorkflowID
}

// ChanListener buffers events on a channel for a single consumer. Send never
// blocks; a full buffer fails the send, which gets the listener pruned and
// closes Done.
type ChanListener struct {
	ch     chan Event
	filter EventFilter
	done   chan struct{}
	once   sync.Once
}

// NewChanListener creates a listener with the given buffer size.
func NewChanListener(buffer int, filter EventFilter) *ChanListener {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &ChanListener{
		ch:     make(chan Event, buffer),
		filter: filter,
		done:   make(chan struct{}),
	}
}

// Send enqueues ev without blocking. Events outside the filter are accepted
// and dropped.
func (l *ChanListener) Send(_ context.Context, ev Event) error {
	select {
	case <-l.done:
		return ErrListenerClosed
	default:
	}
	if !l.filter.match(ev) {
		return nil
	}
	select {
	case l.ch <- ev:
		return nil
	default:
		l.Close()
		return ErrListenerFull
	}
}

// Events returns the receive side of the buffer.
func (l *ChanListener) Events() <-chan Event {
	return l.ch
}

// Done is closed once the listener stops accepting events.
func (l *ChanListener) Done() <-chan struct{} {
	return l.done
}

// Close stops the listener. It is safe to call more than once.
func (l *ChanListener) Close() {
	l.once.Do(func() { close(l.done) })
}
