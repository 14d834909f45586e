// Package bridge holds the handles for live inbound connections and the
// per-session registry that tracks them.
package bridge

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBridgeClosed is returned when writing to a bridge that already ended.
var ErrBridgeClosed = errors.New("bridge closed")

// Bridge is one live inbound connection routed to a client session. The
// registry only relies on ID; the other methods let session teardown end it.
type Bridge interface {
	ID() string
	Done() <-chan struct{}
	Close() error
}

// ConnBridge wraps an accepted stream connection (TCP, or HTTP after header
// parsing). Prefix holds bytes already consumed from the user that must be
// forwarded first.
type ConnBridge struct {
	id      string
	tunnel  string
	conn    net.Conn
	prefix  []byte
	created time.Time

	claimed atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// NewConnBridge wraps conn. tunnel is the id of the tunnel that accepted it.
func NewConnBridge(id, tunnel string, conn net.Conn, prefix []byte) *ConnBridge {
	return &ConnBridge{
		id:      id,
		tunnel:  tunnel,
		conn:    conn,
		prefix:  prefix,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

func (b *ConnBridge) ID() string            { return b.id }
func (b *ConnBridge) Tunnel() string        { return b.tunnel }
func (b *ConnBridge) Created() time.Time    { return b.created }
func (b *ConnBridge) Done() <-chan struct{} { return b.done }
func (b *ConnBridge) Claimed() bool         { return b.claimed.Load() }

// RemoteAddr is the address of the user that opened the connection.
func (b *ConnBridge) RemoteAddr() string {
	if b.conn == nil || b.conn.RemoteAddr() == nil {
		return ""
	}
	return b.conn.RemoteAddr().String()
}

// Claim hands the connection to the caller that will forward it. Only the
// first call succeeds.
func (b *ConnBridge) Claim() (net.Conn, []byte, bool) {
	if !b.claimed.CompareAndSwap(false, true) {
		return nil, nil, false
	}
	select {
	case <-b.done:
		return nil, nil, false
	default:
	}
	return b.conn, b.prefix, true
}

// Close ends the bridge and closes the user connection.
func (b *ConnBridge) Close() error {
	var err error
	b.once.Do(func() {
		err = b.conn.Close()
		close(b.done)
	})
	return err
}

// PacketBridge represents one UDP peer of a tunnel. Datagrams from the peer
// are queued with Deliver; replies go back through WriteBack.
type PacketBridge struct {
	id     string
	tunnel string
	peer   net.Addr
	in     chan []byte
	write  func([]byte, net.Addr) (int, error)

	lastSeen atomic.Int64
	claimed  atomic.Bool
	once     sync.Once
	done     chan struct{}
}

// NewPacketBridge creates a bridge for peer. write sends a datagram back on
// the tunnel socket.
func NewPacketBridge(id, tunnel string, peer net.Addr, queue int, write func([]byte, net.Addr) (int, error)) *PacketBridge {
	if queue <= 0 {
		queue = 64
	}
	b := &PacketBridge{
		id:     id,
		tunnel: tunnel,
		peer:   peer,
		in:     make(chan []byte, queue),
		write:  write,
		done:   make(chan struct{}),
	}
	b.Touch()
	return b
}

func (b *PacketBridge) ID() string                { return b.id }
func (b *PacketBridge) Tunnel() string            { return b.tunnel }
func (b *PacketBridge) Peer() net.Addr            { return b.peer }
func (b *PacketBridge) Done() <-chan struct{}     { return b.done }
func (b *PacketBridge) Packets() <-chan []byte    { return b.in }
func (b *PacketBridge) Claim() bool               { return b.claimed.CompareAndSwap(false, true) }
func (b *PacketBridge) Claimed() bool             { return b.claimed.Load() }
func (b *PacketBridge) Touch()                    { b.lastSeen.Store(time.Now().UnixNano()) }
func (b *PacketBridge) Idle(d time.Duration) bool { return time.Since(time.Unix(0, b.lastSeen.Load())) > d }

// Deliver queues a datagram from the peer. It drops the datagram and returns
// false when the queue is full or the bridge ended.
func (b *PacketBridge) Deliver(p []byte) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	b.Touch()
	select {
	case b.in <- p:
		return true
	default:
		return false
	}
}

// WriteBack sends a datagram to the peer.
func (b *PacketBridge) WriteBack(p []byte) error {
	select {
	case <-b.done:
		return ErrBridgeClosed
	default:
	}
	b.Touch()
	_, err := b.write(p, b.peer)
	return err
}

// Close ends the bridge. The tunnel socket is shared and stays open.
func (b *PacketBridge) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
