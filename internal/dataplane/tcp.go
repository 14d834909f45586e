package dataplane

import (
	"net"
	"sync"

	"github.com/matst80/portbroker/internal/event"
	"github.com/matst80/portbroker/internal/obs"
)

type tcpTunnel struct {
	s     *Server
	ln    net.Listener
	entry []string
	once  sync.Once
}

func (s *Server) openTCP(p event.RegisterTCP) (tunnel, error) {
	if err := s.acquireSlot(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", s.bindAddr(p.Port))
	if err != nil {
		s.releaseSlot()
		return nil, bindError("tcp", p.Port, err)
	}
	s.socketOpened()
	port := ln.Addr().(*net.TCPAddr).Port
	return &tcpTunnel{s: s, ln: ln, entry: []string{s.entrypoint(port)}}, nil
}

func (t *tcpTunnel) entrypoints() []string { return t.entry }

func (t *tcpTunnel) release() {
	t.once.Do(func() {
		_ = t.ln.Close()
		t.s.socketClosed()
		t.s.releaseSlot()
	})
}

// serve accepts until the token fires or the listener is halted. Either one
// closes the socket, which interrupts a pending Accept.
func (t *tcpTunnel) serve(l *listener) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-l.tokenDone():
		case <-l.halted:
		case <-stop:
			return
		}
		_ = t.ln.Close()
	}()
	defer l.finish(t.release)

	for {
		if l.stopping() {
			return
		}
		c, err := t.ln.Accept()
		if err != nil {
			if l.stopping() {
				return
			}
			if isTimeout(err) {
				obs.Error("accept.tcp.timeout", obs.Fields{"listener": l.id, "err": err.Error()})
				continue
			}
			obs.Error("accept.tcp", obs.Fields{"listener": l.id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("accept_tcp").Inc()
			return
		}
		if l.stopping() {
			_ = c.Close()
			return
		}
		l.conns.Add(1)
		go t.s.serveStream(l, c, nil, nil)
	}
}
