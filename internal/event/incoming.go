package event

import (
	"context"
	"errors"
	"sync"

	"github.com/matst80/portbroker/internal/bridge"
)

// ErrSinkClosed is returned when the session owner stopped consuming.
var ErrSinkClosed = errors.New("incoming sink closed")

// Incoming is a Bridge Registry notification produced by the data plane. The
// set of implementations is closed: Add and Remove.
type Incoming interface {
	BridgeID() string
	isIncoming()
}

// Add announces a new inbound connection bridge.
type Add struct {
	Bridge bridge.Bridge
}

// Remove announces that a bridge ended. Removing an unknown id is a no-op.
type Remove struct {
	ID string
}

func (a Add) BridgeID() string    { return a.Bridge.ID() }
func (r Remove) BridgeID() string { return r.ID }

func (Add) isIncoming()    {}
func (Remove) isIncoming() {}

// IncomingSink is a multi-producer, single-consumer stream of Incoming events.
// Producers call Send; the consumer reads C and calls Close when it stops.
type IncomingSink struct {
	ch        chan Incoming
	closed    chan struct{}
	closeOnce sync.Once
}

// NewIncomingSink returns a sink buffering up to size events.
func NewIncomingSink(size int) *IncomingSink {
	if size < 0 {
		size = 0
	}
	return &IncomingSink{ch: make(chan Incoming, size), closed: make(chan struct{})}
}

// Send queues ev. It fails with ErrSinkClosed once the consumer is gone, or
// with ctx.Err() if ctx ends while the buffer is full.
func (s *IncomingSink) Send(ctx context.Context, ev Incoming) error {
	select {
	case <-s.closed:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.closed:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C is the consumer side of the sink.
func (s *IncomingSink) C() <-chan Incoming { return s.ch }

// Closed is closed when the consumer has gone away.
func (s *IncomingSink) Closed() <-chan struct{} { return s.closed }

// Close marks the consumer as gone. Pending and future Sends fail.
func (s *IncomingSink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
