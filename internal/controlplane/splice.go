package controlplane

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/matst80/portbroker/internal/bridge"
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/proto"
)

// Attach hands bridge id of session to the client data connection conn and
// starts forwarding in the background. conn is closed when forwarding ends,
// or immediately when the bridge cannot be claimed.
func (m *Manager) Attach(sessionID, id string, conn net.Conn) error {
	s, ok := m.Session(sessionID)
	if !ok {
		_ = conn.Close()
		return ErrSessionNotFound
	}
	b, ok := s.reg.Get(id)
	if !ok {
		_ = conn.Close()
		return ErrBridgeNotFound
	}
	switch b := b.(type) {
	case *bridge.ConnBridge:
		user, prefix, ok := b.Claim()
		if !ok {
			_ = conn.Close()
			return ErrBridgeClaimed
		}
		obs.BridgeEstablished.Inc()
		obs.Info("bridge.established", obs.Fields{"session": s.ID, "bridge": id, "initial_bytes": len(prefix)})
		spliceStream(b, user, conn, prefix)
	case *bridge.PacketBridge:
		if !b.Claim() {
			_ = conn.Close()
			return ErrBridgeClaimed
		}
		obs.BridgeEstablished.Inc()
		obs.Info("bridge.established", obs.Fields{"session": s.ID, "bridge": id, "peer": b.Peer().String()})
		splicePackets(b, conn)
	default:
		_ = conn.Close()
		return ErrBridgeNotFound
	}
	return nil
}

// spliceStream copies both ways between the user connection and the client
// data connection. Bytes already read from the user go first.
func spliceStream(b *bridge.ConnBridge, user, client net.Conn, prefix []byte) {
	if len(prefix) > 0 {
		if _, err := client.Write(prefix); err != nil {
			obs.Error("bridge.forward_initial", obs.Fields{"bridge": b.ID(), "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("forward_initial").Inc()
		}
	}
	start := time.Now()
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() { _ = b.Close(); _ = client.Close() }
	copyFn := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyFn(user, client)
	go copyFn(client, user)
	go func() {
		wg.Wait()
		obs.BridgeDurationSeconds.Observe(time.Since(start).Seconds())
	}()
}

// splicePackets carries a UDP peer over a stream as length-prefixed frames.
func splicePackets(b *bridge.PacketBridge, client net.Conn) {
	start := time.Now()
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() { _ = b.Close(); _ = client.Close() }
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer once.Do(closeBoth)
		for {
			select {
			case <-b.Done():
				return
			case pkt := <-b.Packets():
				if err := proto.WriteFrame(client, pkt); err != nil {
					return
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer once.Do(closeBoth)
		for {
			pkt, err := proto.ReadFrame(client)
			if err != nil {
				return
			}
			if err := b.WriteBack(pkt); err != nil {
				obs.Debug("bridge.udp.write", obs.Fields{"bridge": b.ID(), "err": err.Error()})
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		obs.BridgeDurationSeconds.Observe(time.Since(start).Seconds())
	}()
}

// bufferedConn reads through a bufio.Reader that may already hold bytes
// following a handshake line.
type bufferedConn struct {
	net.Conn
	rd *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.rd.Read(p) }

func withReader(c net.Conn, rd *bufio.Reader) net.Conn {
	if rd.Buffered() == 0 {
		return c
	}
	return &bufferedConn{Conn: c, rd: rd}
}
