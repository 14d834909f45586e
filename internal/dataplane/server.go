// Package dataplane processes registration envelopes: it binds the requested
// public resource, answers exactly once, and then runs a cancellation-aware
// accept loop that reports every inbound connection to the owning session.
package dataplane

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/portbroker/internal/bridge"
	"github.com/matst80/portbroker/internal/event"
	"github.com/matst80/portbroker/internal/obs"
)

// tunnel is a committed public resource: a bound socket or an HTTP route.
type tunnel interface {
	entrypoints() []string
	// serve runs the accept loop until the listener stops, then releases.
	serve(l *listener)
	// release frees the resource without serving. Safe to call twice.
	release()
}

// Server is the data plane.
type Server struct {
	cfg Config

	mu        sync.Mutex
	closing   bool
	listeners map[string]*listener
	slots     int
	vhosts    map[uint16]*vhost
	routes    map[string]*httpTunnel

	sockets atomic.Int64
	wg      sync.WaitGroup
}

// New creates a data plane server.
func New(cfg Config) *Server {
	return &Server{
		cfg:       cfg.withDefaults(),
		listeners: make(map[string]*listener),
		vhosts:    make(map[uint16]*vhost),
		routes:    make(map[string]*httpTunnel),
	}
}

// Run consumes envelopes until ctx ends or events is closed. Each envelope is
// handled on its own goroutine.
func (s *Server) Run(ctx context.Context, events <-chan *event.ClientEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Dispatch(ev)
		}
	}
}

// Dispatch handles one envelope asynchronously.
func (s *Server) Dispatch(ev *event.ClientEvent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handle(ev)
	}()
}

func (s *Server) handle(ev *event.ClientEvent) {
	if ev == nil || ev.Resp == nil {
		obs.Error("dataplane.envelope", obs.Fields{"err": "envelope without reply channel"})
		obs.ErrorsTotal.WithLabelValues("bad_envelope").Inc()
		return
	}
	id := ev.Tunnel
	if id == "" {
		id = uuid.NewString()
	}
	l := newListener(id, ev, s.cfg.OnTransition)
	kind := string(l.kind)
	s.track(l)
	defer s.untrack(l)

	t, err := s.allocate(l, ev.Payload)
	if err != nil {
		st := event.StatusFromError(err)
		l.moveTo(StateClosed)
		obs.RegistrationsTotal.WithLabelValues(kind, st.Code.String()).Inc()
		obs.Info("register.failed", obs.Fields{"session": l.session, "kind": kind, "code": st.Code.String(), "err": st.Message})
		// Nothing was allocated, so a dropped receiver needs no cleanup.
		_ = ev.Resp.Send(event.RegisterFailed(st))
		return
	}

	entry := t.entrypoints()
	l.setEntrypoint(entry)
	if err := ev.Resp.Send(event.Registered(entry)); err != nil {
		t.release()
		l.moveTo(StateClosed)
		obs.RegistrationsTotal.WithLabelValues(kind, "abandoned").Inc()
		obs.Info("register.abandoned", obs.Fields{"session": l.session, "listener": l.id, "kind": kind, "err": err.Error()})
		return
	}
	obs.RegistrationsTotal.WithLabelValues(kind, "ok").Inc()
	l.moveTo(StateActive)
	obs.Info("listener.active", obs.Fields{"session": l.session, "listener": l.id, "kind": kind, "entrypoint": entry})
	t.serve(l)
	obs.Info("listener.closed", obs.Fields{"session": l.session, "listener": l.id, "kind": kind})
}

// allocate validates the payload and commits its resource. Every variant is
// handled; an unknown one is an invalid request.
func (s *Server) allocate(l *listener, p event.Payload) (tunnel, error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return nil, event.Errorf(event.CodeUnavailable, "data plane shutting down")
	}
	switch p := p.(type) {
	case event.RegisterTCP:
		return s.openTCP(p)
	case event.RegisterUDP:
		return s.openUDP(p)
	case event.RegisterHTTP:
		return s.openHTTP(l, p)
	default:
		return nil, event.Errorf(event.CodeInvalidArgument, "unsupported registration %T", p)
	}
}

func (s *Server) acquireSlot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxListeners > 0 && s.slots >= s.cfg.MaxListeners {
		return event.Errorf(event.CodeResourceExhausted, "listener quota exceeded (%d)", s.cfg.MaxListeners)
	}
	s.slots++
	return nil
}

func (s *Server) releaseSlot() {
	s.mu.Lock()
	if s.slots > 0 {
		s.slots--
	}
	s.mu.Unlock()
}

func (s *Server) socketOpened() { obs.OpenSockets.Set(float64(s.sockets.Add(1))) }
func (s *Server) socketClosed() { obs.OpenSockets.Set(float64(s.sockets.Add(-1))) }

// Resources reports the number of sockets currently held by the data plane.
func (s *Server) Resources() int { return int(s.sockets.Load()) }

func (s *Server) track(l *listener) {
	s.mu.Lock()
	s.listeners[l.id] = l
	s.mu.Unlock()
}

func (s *Server) untrack(l *listener) {
	s.mu.Lock()
	delete(s.listeners, l.id)
	s.mu.Unlock()
}

// Listeners returns the listeners currently holding resources, oldest first.
func (s *Server) Listeners() []ListenerInfo {
	s.mu.Lock()
	ls := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	out := make([]ListenerInfo, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Close stops every listener from the data-plane side and waits for the
// accept loops to release their sockets. In-flight bridges are left to end on
// their own.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	ls := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l.halt()
	}
	s.wg.Wait()
}

// serveStream reports an accepted stream connection as a bridge and keeps the
// bookkeeping until it ends. reject, when set, answers the user before the
// connection is dropped (HTTP status pages).
func (s *Server) serveStream(l *listener, conn net.Conn, prefix []byte, reject func(net.Conn, int)) {
	defer l.conns.Add(-1)
	if !s.cfg.Limiter.AllowConnection(l.session) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		obs.Debug("bridge.rate_limited", obs.Fields{"session": l.session, "listener": l.id})
		if reject != nil {
			reject(conn, 429)
		}
		_ = conn.Close()
		return
	}
	b := bridge.NewConnBridge(newBridgeID(), l.id, conn, prefix)
	if err := l.emit(event.Add{Bridge: b}, s.cfg.EmitTimeout); err != nil {
		obs.Debug("bridge.add", obs.Fields{"listener": l.id, "err": err.Error()})
		if reject != nil {
			reject(conn, 502)
		}
		_ = b.Close()
		return
	}
	s.superviseBridge(l, b, func() bool {
		c, _, ok := b.Claim()
		if !ok {
			return false
		}
		if reject != nil {
			reject(c, 504)
		}
		_ = b.Close()
		return true
	})
}

// superviseBridge waits for b to end, expiring it if nobody claimed it within
// ClaimTimeout, and then announces its removal.
func (s *Server) superviseBridge(l *listener, b bridge.Bridge, expire func() bool) {
	timer := time.NewTimer(s.cfg.ClaimTimeout)
	select {
	case <-b.Done():
	case <-timer.C:
		if expire() {
			obs.BridgeTimeoutTotal.Inc()
			obs.Info("bridge.timeout", obs.Fields{"listener": l.id, "bridge": b.ID()})
		}
		<-b.Done()
	}
	timer.Stop()
	_ = l.emitRemove(b.ID())
}

// bindError classifies a failed bind. The port being unavailable is reported
// as resource exhaustion.
func bindError(network string, port uint16, err error) error {
	return event.Errorf(event.CodeResourceExhausted, "bind %s port %d: %v", network, port, err)
}

func (s *Server) bindAddr(port uint16) string {
	return net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(int(port)))
}

func (s *Server) entrypoint(port int) string {
	return net.JoinHostPort(s.cfg.PublicHost, strconv.Itoa(port))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(b)
}

func newBridgeID() string { return randomHex(16) }
