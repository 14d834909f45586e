// Package controlplane owns client sessions. It turns register requests into
// envelopes for the data plane, consumes the inbound connection events the
// data plane reports back, and splices bridges onto client data connections.
package controlplane

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/portbroker/internal/bridge"
	"github.com/matst80/portbroker/internal/event"
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/proto"
	"github.com/matst80/portbroker/internal/ratelimit"
	"github.com/matst80/portbroker/internal/state"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTunnelNotFound  = errors.New("tunnel not found")
	ErrBridgeNotFound  = errors.New("bridge not found")
	ErrBridgeClaimed   = errors.New("bridge already claimed")
	ErrMissingName     = errors.New("missing name")
	ErrUnauthorized    = errors.New("unauthorized")
)

const directoryWait = 5 * time.Second

// Config holds the session manager settings.
type Config struct {
	// Token, when set, must match the token presented by clients.
	Token string
	// RegisterTimeout bounds the wait for a data-plane answer.
	RegisterTimeout time.Duration
	// MaxTunnelsPerSession caps in-flight plus active registrations (0 = unlimited).
	MaxTunnelsPerSession int
	// SinkSize is the buffer of each session's incoming event sink and of
	// its queue of request messages awaiting the control connection.
	SinkSize int
	// QueueSize is the buffer of the envelope channel read by the data plane.
	QueueSize int

	Directory state.Directory
	Limiter   *ratelimit.Limiter
}

func (c Config) withDefaults() Config {
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.SinkSize <= 0 {
		c.SinkSize = 64
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Directory == nil {
		c.Directory = state.NewMemory()
	}
	return c
}

// Manager tracks sessions and the bridges routed to them.
type Manager struct {
	cfg    Config
	events chan *event.ClientEvent
	table  *bridge.Table

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager. The data plane consumes Events.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		events:   make(chan *event.ClientEvent, cfg.QueueSize),
		table:    bridge.NewTable(),
		sessions: make(map[string]*Session),
	}
}

// Events is the envelope stream for the data plane.
func (m *Manager) Events() <-chan *event.ClientEvent { return m.events }

// Session is one authenticated client. Its token is the parent of every
// tunnel token; its sink receives the bridges of all its tunnels.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	conn     proto.Conn
	token    *event.CancelToken
	sink     *event.IncomingSink
	reg      *bridge.Registry
	requests chan *proto.Request

	mu      sync.Mutex
	tunnels map[string]*tunnelEntry
	closed  bool
	once    sync.Once
	done    chan struct{}
}

type tunnelEntry struct {
	id      string
	kind    event.Kind
	token   *event.CancelToken
	entry   []string
	pending bool
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Open claims name for a new session and starts its event consumer. conn
// receives a request message for every inbound connection.
func (m *Manager) Open(ctx context.Context, name string, conn proto.Conn) (*Session, error) {
	if name == "" {
		return nil, ErrMissingName
	}
	id := uuid.NewString()
	if err := m.cfg.Directory.ClaimSession(ctx, name, id); err != nil {
		obs.ErrorsTotal.WithLabelValues("register_conflict").Inc()
		return nil, err
	}
	s := &Session{
		ID:       id,
		Name:     name,
		Created:  time.Now(),
		conn:     conn,
		token:    event.NewCancelToken(),
		sink:     event.NewIncomingSink(m.cfg.SinkSize),
		reg:      m.table.Open(id),
		requests: make(chan *proto.Request, m.cfg.SinkSize),
		tunnels:  make(map[string]*tunnelEntry),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	obs.ActiveSessions.Inc()
	go m.consume(s)
	go m.writeRequests(s)
	return s, nil
}

// Session looks up an open session.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// HasSession reports whether id is open.
func (m *Manager) HasSession(id string) bool {
	_, ok := m.Session(id)
	return ok
}

// Register asks the data plane for a tunnel and waits for its answer. The
// returned tunnel id is only meaningful when the response is OK.
func (m *Manager) Register(ctx context.Context, sessionID string, p event.Payload) (string, event.Response) {
	if p == nil {
		return "", event.RegisterFailed(event.Errorf(event.CodeInvalidArgument, "missing registration payload"))
	}
	kind := string(p.Kind())
	s, ok := m.Session(sessionID)
	if !ok {
		return "", event.RegisterFailed(event.Errorf(event.CodeUnavailable, "%v", ErrSessionNotFound))
	}
	if !m.cfg.Limiter.AllowRegistration(sessionID) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		return "", event.RegisterFailed(event.Errorf(event.CodeResourceExhausted, "registration rate exceeded"))
	}

	te := &tunnelEntry{id: uuid.NewString(), kind: p.Kind(), pending: true}
	if err := s.reserve(te, m.cfg.MaxTunnelsPerSession); err != nil {
		obs.RegistrationsTotal.WithLabelValues(kind, event.CodeOf(err).String()).Inc()
		return "", event.RegisterFailed(event.StatusFromError(err))
	}
	te.token = s.token.Child()

	ev, rx := event.NewClientEvent(s.ID, p, te.token, s.sink)
	ev.Tunnel = te.id

	wctx, cancel := context.WithTimeout(ctx, m.cfg.RegisterTimeout)
	defer cancel()
	select {
	case m.events <- ev:
	case <-wctx.Done():
		rx.Drop()
		s.unreserve(te)
		obs.ErrorsTotal.WithLabelValues("register_queue").Inc()
		return "", event.RegisterFailed(event.Errorf(event.CodeDeadlineExceeded, "data plane busy"))
	}

	resp, err := rx.Wait(wctx)
	if err != nil {
		// The data plane releases whatever it bound once it sees the dropped receiver.
		s.unreserve(te)
		obs.ErrorsTotal.WithLabelValues("register_timeout").Inc()
		obs.Info("register.timeout", obs.Fields{"session": s.ID, "tunnel": te.id, "kind": kind})
		return "", event.RegisterFailed(event.Errorf(event.CodeDeadlineExceeded, "registration timed out: %v", err))
	}
	if !resp.OK() {
		s.unreserve(te)
		return "", resp
	}
	if !s.activate(te, resp.Entrypoint) {
		return "", event.RegisterFailed(event.Errorf(event.CodeUnavailable, "%v", ErrSessionNotFound))
	}
	obs.Info("tunnel.registered", obs.Fields{"session": s.ID, "name": s.Name, "tunnel": te.id, "kind": kind, "entrypoint": resp.Entrypoint})
	return te.id, resp
}

// reserve records a pending tunnel, enforcing the per-session quota.
func (s *Session) reserve(te *tunnelEntry, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.Errorf(event.CodeUnavailable, "%v", ErrSessionNotFound)
	}
	if max > 0 && len(s.tunnels) >= max {
		return event.Errorf(event.CodeResourceExhausted, "tunnel quota exceeded (%d)", max)
	}
	s.tunnels[te.id] = te
	return nil
}

// unreserve drops a pending tunnel and stops its listener if one was bound.
func (s *Session) unreserve(te *tunnelEntry) {
	if te.token != nil {
		te.token.Cancel()
	}
	s.mu.Lock()
	if s.tunnels[te.id] == te {
		delete(s.tunnels, te.id)
	}
	s.mu.Unlock()
}

func (s *Session) activate(te *tunnelEntry, entry []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.tunnels[te.id] != te {
		return false
	}
	te.pending = false
	te.entry = entry
	return true
}

// Unregister stops one tunnel. Bridges it already accepted keep running.
func (m *Manager) Unregister(sessionID, tunnelID string) error {
	s, ok := m.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	te, ok := s.tunnels[tunnelID]
	if ok && !te.pending {
		delete(s.tunnels, tunnelID)
	}
	s.mu.Unlock()
	if !ok || te.pending {
		return ErrTunnelNotFound
	}
	te.token.Cancel()
	obs.Info("tunnel.unregistered", obs.Fields{"session": sessionID, "tunnel": tunnelID})
	return nil
}

// ListenerClosed forgets an active tunnel whose listener stopped on the data
// plane side. Pending tunnels are left to Register.
func (m *Manager) ListenerClosed(sessionID, tunnelID string) {
	s, ok := m.Session(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	te, ok := s.tunnels[tunnelID]
	if ok && !te.pending {
		delete(s.tunnels, tunnelID)
	}
	s.mu.Unlock()
	if ok && !te.pending {
		obs.Debug("tunnel.listener_closed", obs.Fields{"session": sessionID, "tunnel": tunnelID})
	}
}

// consume applies the data plane's reports to the session registry and asks
// the client to dial back for every new bridge.
func (m *Manager) consume(s *Session) {
	for {
		select {
		case <-s.sink.Closed():
			return
		case in := <-s.sink.C():
			m.apply(s, in)
		}
	}
}

// apply records one report. Once the session is closed its registry has been
// drained, so late Adds are closed instead of recorded.
func (m *Manager) apply(s *Session, in event.Incoming) {
	switch in := in.(type) {
	case event.Add:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = in.Bridge.Close()
			return
		}
		if old, replaced := s.reg.Add(in.Bridge); replaced {
			_ = old.Close()
		} else {
			obs.ActiveBridges.Inc()
		}
		req := s.requestLocked(in.Bridge)
		s.mu.Unlock()
		m.queueRequest(s, in.Bridge, req)
	case event.Remove:
		s.mu.Lock()
		_, ok := s.reg.Remove(in.ID)
		if ok && !s.closed {
			obs.ActiveBridges.Dec()
		}
		s.mu.Unlock()
	}
}

type tunnelled interface{ Tunnel() string }

func (s *Session) requestLocked(b bridge.Bridge) *proto.Request {
	req := &proto.Request{ID: b.ID()}
	if t, ok := b.(tunnelled); ok {
		req.Tunnel = t.Tunnel()
		if te, ok := s.tunnels[req.Tunnel]; ok {
			req.Kind = string(te.kind)
		}
	}
	switch b := b.(type) {
	case *bridge.ConnBridge:
		req.Remote = b.RemoteAddr()
	case *bridge.PacketBridge:
		req.Remote = b.Peer().String()
	}
	return req
}

// queueRequest hands req to the session writer. A full queue means the
// client is not keeping up; the bridge is closed and the data plane reports
// its removal.
func (m *Manager) queueRequest(s *Session, b bridge.Bridge, req *proto.Request) {
	select {
	case s.requests <- req:
	default:
		obs.Warn("control.request.backlog", obs.Fields{"session": s.ID, "bridge": b.ID()})
		obs.ErrorsTotal.WithLabelValues("control_backlog").Inc()
		_ = b.Close()
	}
}

// writeRequests sends queued request messages on the control connection so
// a slow client never stalls the event consumer.
func (m *Manager) writeRequests(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.requests:
			if err := s.conn.WriteJSON(proto.Message{Type: proto.TypeRequest, Request: req}); err != nil {
				obs.Error("control.request.write", obs.Fields{"session": s.ID, "bridge": req.ID, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("control_write").Inc()
			}
		}
	}
}

// Close tears a session down: tunnel tokens are cancelled, the sink stops
// accepting events, live bridges are closed and the name is released.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.tunnels = make(map[string]*tunnelEntry)
		s.mu.Unlock()

		s.token.Cancel()
		s.sink.Close()
		live := m.table.Close(s.ID)
		for _, b := range live {
			_ = b.Close()
		}
		obs.ActiveBridges.Sub(float64(len(live)))
		obs.ActiveSessions.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), directoryWait)
		if err := m.cfg.Directory.ReleaseSession(ctx, s.Name, s.ID); err != nil {
			obs.Error("state.release_session", obs.Fields{"name": s.Name, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("state_release").Inc()
		}
		cancel()
		m.cfg.Limiter.Forget(s.ID)
		_ = s.conn.Close()
		close(s.done)
		obs.Info("session.closed", obs.Fields{"session": s.ID, "name": s.Name, "bridges": len(live)})
	})
	return nil
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}

// TunnelInfo describes a registered tunnel.
type TunnelInfo struct {
	ID         string     `json:"id"`
	Kind       event.Kind `json:"kind"`
	Entrypoint []string   `json:"entrypoint,omitempty"`
	Pending    bool       `json:"pending,omitempty"`
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Remote  string       `json:"remote"`
	Created time.Time    `json:"created"`
	Tunnels []TunnelInfo `json:"tunnels"`
	Bridges int          `json:"bridges"`
}

// Sessions lists open sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	ss := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ss = append(ss, s)
	}
	m.mu.Unlock()
	out := make([]SessionInfo, 0, len(ss))
	for _, s := range ss {
		info := SessionInfo{ID: s.ID, Name: s.Name, Remote: s.conn.RemoteAddr(), Created: s.Created, Bridges: s.reg.Len()}
		s.mu.Lock()
		for _, te := range s.tunnels {
			info.Tunnels = append(info.Tunnels, TunnelInfo{ID: te.id, Kind: te.kind, Entrypoint: te.entry, Pending: te.pending})
		}
		s.mu.Unlock()
		sort.Slice(info.Tunnels, func(i, j int) bool { return info.Tunnels[i].ID < info.Tunnels[j].ID })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Bridges returns the number of live bridges across sessions.
func (m *Manager) Bridges() int { return m.table.Bridges() }
