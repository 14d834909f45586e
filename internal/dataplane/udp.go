package dataplane

import (
	"net"
	"sync"
	"time"

	"github.com/matst80/portbroker/internal/bridge"
	"github.com/matst80/portbroker/internal/event"
	"github.com/matst80/portbroker/internal/obs"
)

// udpTunnel serves one UDP socket. Each remote peer becomes a PacketBridge;
// peers share the socket, so they end together with it.
type udpTunnel struct {
	s     *Server
	pc    net.PacketConn
	entry []string
	once  sync.Once

	mu    sync.Mutex
	peers map[string]*bridge.PacketBridge
}

func (s *Server) openUDP(p event.RegisterUDP) (tunnel, error) {
	if err := s.acquireSlot(); err != nil {
		return nil, err
	}
	pc, err := net.ListenPacket("udp", s.bindAddr(p.Port))
	if err != nil {
		s.releaseSlot()
		return nil, bindError("udp", p.Port, err)
	}
	s.socketOpened()
	port := pc.LocalAddr().(*net.UDPAddr).Port
	return &udpTunnel{
		s:     s,
		pc:    pc,
		entry: []string{s.entrypoint(port)},
		peers: make(map[string]*bridge.PacketBridge),
	}, nil
}

func (t *udpTunnel) entrypoints() []string { return t.entry }

func (t *udpTunnel) release() {
	t.once.Do(func() {
		_ = t.pc.Close()
		t.s.socketClosed()
		t.s.releaseSlot()
		t.mu.Lock()
		peers := t.peers
		t.peers = make(map[string]*bridge.PacketBridge)
		t.mu.Unlock()
		for _, b := range peers {
			_ = b.Close()
		}
	})
}

func (t *udpTunnel) serve(l *listener) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-l.tokenDone():
		case <-l.halted:
		case <-stop:
			return
		}
		_ = t.pc.Close()
	}()
	go t.reap(stop)
	defer l.finish(t.release)

	buf := make([]byte, 64*1024)
	for {
		if l.stopping() {
			return
		}
		n, addr, err := t.pc.ReadFrom(buf)
		if err != nil {
			if l.stopping() {
				return
			}
			if isTimeout(err) {
				continue
			}
			obs.Error("read.udp", obs.Fields{"listener": l.id, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("read_udp").Inc()
			return
		}
		if l.stopping() {
			return
		}
		b := t.peer(l, addr)
		if b == nil {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if !b.Deliver(pkt) {
			obs.ErrorsTotal.WithLabelValues("udp_drop").Inc()
		}
	}
}

// peer returns the live bridge for addr, announcing a new one when needed.
func (t *udpTunnel) peer(l *listener, addr net.Addr) *bridge.PacketBridge {
	key := addr.String()
	t.mu.Lock()
	b, ok := t.peers[key]
	t.mu.Unlock()
	if ok {
		select {
		case <-b.Done():
		default:
			return b
		}
	}
	if !t.s.cfg.Limiter.AllowConnection(l.session) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		return nil
	}
	b = bridge.NewPacketBridge(newBridgeID(), l.id, addr, t.s.cfg.UDPQueue, t.pc.WriteTo)
	if err := l.emit(event.Add{Bridge: b}, t.s.cfg.EmitTimeout); err != nil {
		obs.Debug("bridge.add", obs.Fields{"listener": l.id, "err": err.Error()})
		_ = b.Close()
		return nil
	}
	t.mu.Lock()
	t.peers[key] = b
	t.mu.Unlock()

	l.conns.Add(1)
	go func() {
		defer l.conns.Add(-1)
		t.s.superviseBridge(l, b, func() bool {
			if !b.Claim() {
				return false
			}
			_ = b.Close()
			return true
		})
		t.mu.Lock()
		if t.peers[key] == b {
			delete(t.peers, key)
		}
		t.mu.Unlock()
	}()
	return b
}

// reap closes peers that have been silent for UDPIdleTimeout.
func (t *udpTunnel) reap(stop <-chan struct{}) {
	idle := t.s.cfg.UDPIdleTimeout
	tick := time.NewTicker(idle / 2)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			t.mu.Lock()
			var stale []*bridge.PacketBridge
			for _, b := range t.peers {
				if b.Idle(idle) {
					stale = append(stale, b)
				}
			}
			t.mu.Unlock()
			for _, b := range stale {
				obs.Debug("udp.peer.idle", obs.Fields{"bridge": b.ID(), "peer": b.Peer().String()})
				_ = b.Close()
			}
		}
	}
}
