package dataplane

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/portbroker/internal/event"
	"github.com/matst80/portbroker/internal/httpx"
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/state"
)

const (
	randomAttempts = 8
	directoryWait  = 5 * time.Second
)

// vhost is a shared HTTP listener. HTTP tunnels on the same port hold a
// reference each; the socket closes with the last one.
type vhost struct {
	key  uint16
	port int
	ln   net.Listener
	refs int
}

type httpConn struct {
	conn   net.Conn
	prefix []byte
}

// httpTunnel is a route on a vhost. Requests whose host matches are handed to
// the owning listener through conns.
type httpTunnel struct {
	s     *Server
	vh    *vhost
	host  string
	owner string
	entry []string
	conns chan httpConn

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (s *Server) openHTTP(l *listener, p event.RegisterHTTP) (tunnel, error) {
	p = p.Normalize()
	mode, err := p.Addressing()
	if err != nil {
		return nil, err
	}
	base := s.cfg.BaseDomain
	if base == "" {
		base = s.cfg.PublicHost
	}
	if mode != event.AddressDomain && net.ParseIP(base) != nil {
		return nil, event.Errorf(event.CodeInvalidArgument, "no base domain configured for %s routes", modeName(mode))
	}
	port := p.Port
	if port == 0 {
		port = s.cfg.HTTPPort
	}

	if err := s.acquireSlot(); err != nil {
		return nil, err
	}
	vh, err := s.acquireVhost(port)
	if err != nil {
		s.releaseSlot()
		return nil, err
	}
	t := &httpTunnel{s: s, vh: vh, owner: l.id, conns: make(chan httpConn, 16)}

	switch mode {
	case event.AddressRandom:
		for i := 0; i < randomAttempts; i++ {
			err = s.claimRoute(t, randomHex(4)+"."+base)
			if event.CodeOf(err) != event.CodeAlreadyExists {
				break
			}
		}
	case event.AddressSubdomain:
		err = s.claimRoute(t, p.Subdomain+"."+base)
	case event.AddressDomain:
		err = s.claimRoute(t, p.Domain)
	}
	if err != nil {
		s.releaseVhost(vh)
		s.releaseSlot()
		return nil, err
	}

	entry := "http://" + t.host
	if vh.port != 80 {
		entry = "http://" + net.JoinHostPort(t.host, strconv.Itoa(vh.port))
	}
	t.entry = []string{entry}
	return t, nil
}

func modeName(m event.AddressMode) string {
	switch m {
	case event.AddressSubdomain:
		return "subdomain"
	case event.AddressRandom:
		return "random"
	}
	return "domain"
}

// claimRoute reserves host locally and then in the shared directory.
func (s *Server) claimRoute(t *httpTunnel, host string) error {
	s.mu.Lock()
	if _, taken := s.routes[host]; taken {
		s.mu.Unlock()
		return event.Errorf(event.CodeAlreadyExists, "host %s already registered", host)
	}
	s.routes[host] = t
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), directoryWait)
	defer cancel()
	if err := s.cfg.Hosts.ClaimHost(ctx, host, t.owner); err != nil {
		s.mu.Lock()
		delete(s.routes, host)
		s.mu.Unlock()
		if errors.Is(err, state.ErrHostTaken) {
			return event.Errorf(event.CodeAlreadyExists, "host %s already registered", host)
		}
		obs.ErrorsTotal.WithLabelValues("state_claim").Inc()
		return event.Errorf(event.CodeUnavailable, "claim host %s: %v", host, err)
	}
	t.host = host
	return nil
}

func (s *Server) acquireVhost(key uint16) (*vhost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vh, ok := s.vhosts[key]; ok {
		vh.refs++
		return vh, nil
	}
	ln, err := net.Listen("tcp", s.bindAddr(key))
	if err != nil {
		return nil, bindError("http", key, err)
	}
	vh := &vhost{key: key, port: ln.Addr().(*net.TCPAddr).Port, ln: ln, refs: 1}
	s.vhosts[key] = vh
	s.socketOpened()
	obs.Info("vhost.open", obs.Fields{"port": vh.port})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptVhost(vh)
	}()
	return vh, nil
}

func (s *Server) releaseVhost(vh *vhost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vh.refs--
	if vh.refs > 0 {
		return
	}
	if s.vhosts[vh.key] == vh {
		delete(s.vhosts, vh.key)
	}
	_ = vh.ln.Close()
	s.socketClosed()
	obs.Info("vhost.closed", obs.Fields{"port": vh.port})
}

func (s *Server) acceptVhost(vh *vhost) {
	for {
		c, err := vh.ln.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
		go s.dispatchHTTP(vh, c)
	}
}

// dispatchHTTP reads the request head and hands the connection to the tunnel
// routing its host.
func (s *Server) dispatchHTTP(vh *vhost, c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.HeaderTimeout))
	br := bufio.NewReader(c)
	req, _, err := httpx.ParseRequest(br, s.cfg.MaxHeaderSize)
	if err != nil {
		obs.Debug("http.parse", obs.Fields{"remote": c.RemoteAddr().String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("http_parse").Inc()
		_ = httpx.WriteStatus(c, 400, "")
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	host := httpx.RouteHost(req)
	s.mu.Lock()
	t := s.routes[host]
	s.mu.Unlock()
	if t == nil || t.vh != vh {
		obs.Debug("http.no_route", obs.Fields{"host": host, "port": vh.port})
		_ = httpx.WriteStatus(c, 404, "no tunnel for "+host+"\n")
		_ = c.Close()
		return
	}
	if s.cfg.AddXFF {
		req.AugmentXFF(httpx.RemoteIPFromConn(c))
	}
	prefix := req.Bytes()
	if n := br.Buffered(); n > 0 {
		rest, _ := br.Peek(n)
		prefix = append(prefix, rest...)
	}
	if !t.deliver(httpConn{conn: c, prefix: prefix}) {
		_ = httpx.WriteStatus(c, 503, "")
		_ = c.Close()
	}
}

func (t *httpTunnel) deliver(hc httpConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case t.conns <- hc:
		return true
	default:
		return false
	}
}

func (t *httpTunnel) entrypoints() []string { return t.entry }

func (t *httpTunnel) serve(l *listener) {
	defer l.finish(t.release)
	for {
		select {
		case <-l.tokenDone():
			return
		case <-l.halted:
			return
		case hc := <-t.conns:
			if l.stopping() {
				rejectHTTP(hc.conn, 503)
				_ = hc.conn.Close()
				return
			}
			l.conns.Add(1)
			go t.s.serveStream(l, hc.conn, hc.prefix, rejectHTTP)
		}
	}
}

func (t *httpTunnel) release() {
	t.once.Do(func() {
		s := t.s
		s.mu.Lock()
		if s.routes[t.host] == t {
			delete(s.routes, t.host)
		}
		s.mu.Unlock()

		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
	drain:
		for {
			select {
			case hc := <-t.conns:
				rejectHTTP(hc.conn, 503)
				_ = hc.conn.Close()
			default:
				break drain
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), directoryWait)
		if err := s.cfg.Hosts.ReleaseHost(ctx, t.host, t.owner); err != nil {
			obs.Error("state.release_host", obs.Fields{"host": t.host, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("state_release").Inc()
		}
		cancel()
		s.releaseVhost(t.vh)
		s.releaseSlot()
	})
}

func rejectHTTP(c net.Conn, status int) { _ = httpx.WriteStatus(c, status, "") }
