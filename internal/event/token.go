package event

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancelToken is a cooperative cancellation flag. The control plane owns it
// and cancels it when a client goes away; the data plane observes it through
// Done. Cancel is idempotent and safe to call at any time.
type CancelToken struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}

	mu       sync.Mutex
	parent   *CancelToken
	children []*CancelToken
}

// NewCancelToken returns an untriggered token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel triggers the token and every child derived from it.
func (t *CancelToken) Cancel() {
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.done)
		t.mu.Lock()
		children := t.children
		t.children = nil
		t.mu.Unlock()
		for _, c := range children {
			c.Cancel()
		}
		if t.parent != nil {
			t.parent.forget(t)
		}
	})
}

func (t *CancelToken) forget(c *CancelToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, ch := range t.children {
		if ch == c {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return
		}
	}
}

// IsCancelled reports whether Cancel has been called on this token or one of
// its ancestors.
func (t *CancelToken) IsCancelled() bool { return t.cancelled.Load() }

// Done is closed once the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// Child returns a token that is cancelled with t but can also be cancelled on
// its own without affecting t.
func (t *CancelToken) Child() *CancelToken {
	c := NewCancelToken()
	c.parent = t
	t.mu.Lock()
	if t.cancelled.Load() {
		t.mu.Unlock()
		c.Cancel()
		return c
	}
	t.children = append(t.children, c)
	t.mu.Unlock()
	return c
}

// Context derives a context from parent that is cancelled with the token.
func (t *CancelToken) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
