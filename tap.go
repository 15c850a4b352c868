package lspvisor

import "sync"

// defaultTapBuffer is the outbound channel capacity of a StreamTap.
const defaultTapBuffer = 16

// StreamTap presents a long-lived downstream channel whose values originate
// from an inner source channel that may be reassigned at any time. The
// supervisor uses taps to keep one stable event stream and one stable
// capabilities stream across server incarnations.
//
// The outbound channel is created once at construction and closes only when
// the tap itself is closed. Rebinding the source does not guarantee delivery
// of values already in flight on the previous source; consumers must assume
// a one-value lag is possible.
type StreamTap[T any] struct {
	out chan T

	mu      sync.Mutex
	stop    chan struct{} // signals the current forwarder to exit
	stopped chan struct{} // closed when the current forwarder has exited
	closed  bool
}

// NewStreamTap creates a tap with no source bound.
func NewStreamTap[T any]() *StreamTap[T] {
	return &StreamTap[T]{out: make(chan T, defaultTapBuffer)}
}

// Stream returns the outbound channel. It is single-consumer and never
// closes until Close is called.
func (t *StreamTap[T]) Stream() <-chan T {
	return t.out
}

// SetSource cancels the previous forwarder, waits for it to stop touching
// the outbound channel, and starts a new forwarder reading from src. If
// onValue is non-nil it is invoked for each element before the element is
// forwarded downstream. A nil src simply detaches the tap.
func (t *StreamTap[T]) SetSource(src <-chan T, onValue func(T)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopForwarderLocked()
	if t.closed || src == nil {
		return
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	t.stop = stop
	t.stopped = stopped

	go t.forward(src, onValue, stop, stopped)
}

// Close stops the forwarder and finishes the outbound stream.
func (t *StreamTap[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopForwarderLocked()
	if !t.closed {
		t.closed = true
		close(t.out)
	}
}

// stopForwarderLocked cancels the active forwarder and blocks until it has
// exited, so that a send on the outbound channel can never race a rebind or
// a close. Must hold mu.
func (t *StreamTap[T]) stopForwarderLocked() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.stopped
	t.stop = nil
	t.stopped = nil
}

// forward pumps src into the outbound channel until cancelled or src closes.
func (t *StreamTap[T]) forward(src <-chan T, onValue func(T), stop, stopped chan struct{}) {
	defer close(stopped)

	for {
		select {
		case <-stop:
			return
		case v, ok := <-src:
			if !ok {
				return
			}
			if onValue != nil {
				onValue(v)
			}
			select {
			case <-stop:
				return
			case t.out <- v:
			}
		}
	}
}
