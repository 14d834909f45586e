package event

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrReceiverDropped is returned by ReplySender.Send when the control
	// plane stopped waiting. The sender must release what it allocated.
	ErrReceiverDropped = errors.New("reply receiver dropped")
	// ErrReplySent is returned on a second Send.
	ErrReplySent = errors.New("reply already sent")
)

type replyState struct {
	mu      sync.Mutex
	sent    bool
	dropped bool
	ch      chan Response
}

// ReplySender is the data-plane half of a single-use response channel.
type ReplySender struct{ st *replyState }

// ReplyReceiver is the control-plane half of a single-use response channel.
type ReplyReceiver struct{ st *replyState }

// NewReply returns a connected one-shot sender / receiver pair.
func NewReply() (*ReplySender, *ReplyReceiver) {
	st := &replyState{ch: make(chan Response, 1)}
	return &ReplySender{st: st}, &ReplyReceiver{st: st}
}

// Send delivers resp. It never blocks.
func (s *ReplySender) Send(resp Response) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.st.sent {
		return ErrReplySent
	}
	if s.st.dropped {
		return ErrReceiverDropped
	}
	s.st.sent = true
	s.st.ch <- resp
	return nil
}

// Wait blocks until a response arrives or ctx ends. When ctx ends first the
// receiver is dropped, unless a response slipped in meanwhile, in which case
// that response is returned.
func (r *ReplyReceiver) Wait(ctx context.Context) (Response, error) {
	select {
	case resp := <-r.st.ch:
		return resp, nil
	case <-ctx.Done():
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if r.st.sent {
		select {
		case resp := <-r.st.ch:
			return resp, nil
		default:
			return Response{}, ErrReplySent
		}
	}
	r.st.dropped = true
	return Response{}, ctx.Err()
}

// Drop abandons the receiver. A later Send reports ErrReceiverDropped.
// Dropping after delivery has no effect.
func (r *ReplyReceiver) Drop() {
	r.st.mu.Lock()
	if !r.st.sent {
		r.st.dropped = true
	}
	r.st.mu.Unlock()
}
