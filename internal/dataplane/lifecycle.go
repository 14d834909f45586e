package dataplane

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/portbroker/internal/event"
	"github.com/matst80/portbroker/internal/obs"
)

// State is the lifecycle state of a registered listener.
type State int32

const (
	StatePending State = iota
	StateActive
	StateCancelled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCancelled:
		return "cancelled"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// allowed lists the legal transitions. Active -> Closed covers listeners that
// stop on their own (accept failure, session sink gone).
var allowed = map[State][]State{
	StatePending:   {StateActive, StateClosed},
	StateActive:    {StateCancelled, StateClosed},
	StateCancelled: {StateClosed},
}

func canMove(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is reported to Config.OnTransition on every state change.
type Transition struct {
	Listener string
	Session  string
	Kind     event.Kind
	From     State
	To       State
}

// ListenerInfo is a point-in-time view of a listener.
type ListenerInfo struct {
	ID          string     `json:"id"`
	Session     string     `json:"session"`
	Kind        event.Kind `json:"kind"`
	State       string     `json:"state"`
	Entrypoint  []string   `json:"entrypoint,omitempty"`
	Connections int64      `json:"connections"`
	Since       time.Time  `json:"since"`
}

// listener carries the per-registration state shared by the accept loop and
// the connection handlers it spawns.
type listener struct {
	id      string
	session string
	kind    event.Kind
	token   *event.CancelToken
	sink    *event.IncomingSink
	created time.Time
	notify  func(Transition)

	state    atomic.Int32
	mu       sync.Mutex
	entry    []string
	halted   chan struct{}
	haltOnce sync.Once
	// conns counts bridges still running, including after the listener closed.
	conns atomic.Int64
}

func newListener(id string, ev *event.ClientEvent, notify func(Transition)) *listener {
	kind := event.Kind("unknown")
	if ev.Payload != nil {
		kind = ev.Payload.Kind()
	}
	return &listener{
		id:      id,
		session: ev.SessionID,
		kind:    kind,
		token:   ev.CloseListener,
		sink:    ev.Incoming,
		created: time.Now(),
		notify:  notify,
		halted:  make(chan struct{}),
	}
}

func (l *listener) State() State { return State(l.state.Load()) }

// moveTo performs from -> to if the current state allows it.
func (l *listener) moveTo(to State) bool {
	for {
		from := State(l.state.Load())
		if !canMove(from, to) {
			return false
		}
		if l.state.CompareAndSwap(int32(from), int32(to)) {
			obs.ListenerTransitions.WithLabelValues(to.String()).Inc()
			switch {
			case to == StateActive:
				obs.ActiveListeners.Inc()
			case from == StateActive:
				obs.ActiveListeners.Dec()
			}
			obs.Debug("listener.transition", obs.Fields{"listener": l.id, "session": l.session, "from": from.String(), "to": to.String()})
			if l.notify != nil {
				l.notify(Transition{Listener: l.id, Session: l.session, Kind: l.kind, From: from, To: to})
			}
			return true
		}
	}
}

// halt stops the accept loop from the data-plane side, e.g. when nobody
// consumes the session's incoming events anymore.
func (l *listener) halt() { l.haltOnce.Do(func() { close(l.halted) }) }

// stopping reports whether the accept loop should stop taking connections.
func (l *listener) stopping() bool {
	if l.tokenCancelled() {
		return true
	}
	select {
	case <-l.halted:
		return true
	default:
		return false
	}
}

func (l *listener) tokenCancelled() bool { return l.token != nil && l.token.IsCancelled() }

// tokenDone is nil, blocking forever, when there is no token.
func (l *listener) tokenDone() <-chan struct{} {
	if l.token == nil {
		return nil
	}
	return l.token.Done()
}

// finish records how the accept loop ended and releases its resources:
// Active -> Cancelled -> Closed when the token fired, Active -> Closed
// otherwise.
func (l *listener) finish(release func()) {
	if l.tokenCancelled() {
		l.moveTo(StateCancelled)
	}
	release()
	l.moveTo(StateClosed)
}

// emit delivers an incoming event to the session owner. A gone consumer
// halts the listener.
func (l *listener) emit(ev event.Incoming, wait time.Duration) error {
	if l.sink == nil {
		return event.ErrSinkClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	err := l.sink.Send(ctx, ev)
	if err == event.ErrSinkClosed {
		l.halt()
	}
	return err
}

// emitRemove delivers a Remove with no deadline. Only a closed sink ends the
// wait, so a live consumer always sees the removal.
func (l *listener) emitRemove(id string) error {
	if l.sink == nil {
		return event.ErrSinkClosed
	}
	err := l.sink.Send(context.Background(), event.Remove{ID: id})
	if err == event.ErrSinkClosed {
		l.halt()
	}
	return err
}

func (l *listener) setEntrypoint(e []string) {
	l.mu.Lock()
	l.entry = e
	l.mu.Unlock()
}

func (l *listener) info() ListenerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ListenerInfo{
		ID:          l.id,
		Session:     l.session,
		Kind:        l.kind,
		State:       l.State().String(),
		Entrypoint:  append([]string(nil), l.entry...),
		Connections: l.conns.Load(),
		Since:       l.created,
	}
}
