package proto

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is a control connection carrying one JSON document per message.
// WriteJSON is safe for concurrent use; ReadJSON is called from one goroutine.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	RemoteAddr() string
	Close() error
}

// LineConn frames JSON documents as newline-terminated lines over a stream.
type LineConn struct {
	c  net.Conn
	rd *bufio.Reader
	mu sync.Mutex
}

// NewLineConn wraps c.
func NewLineConn(c net.Conn) *LineConn {
	return &LineConn{c: c, rd: bufio.NewReader(c)}
}

// NewLineConnReader wraps c, reading from rd which may already hold buffered bytes of c.
func NewLineConnReader(c net.Conn, rd *bufio.Reader) *LineConn {
	return &LineConn{c: c, rd: rd}
}

// ReadJSON reads the next non-empty line and decodes it into v.
func (l *LineConn) ReadJSON(v any) error {
	for {
		line, err := l.rd.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return json.Unmarshal([]byte(trimmed), v)
		}
		if err != nil {
			return err
		}
	}
}

// WriteJSON encodes v as one line.
func (l *LineConn) WriteJSON(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return WriteJSONLine(l.c, v)
}

func (l *LineConn) RemoteAddr() string { return l.c.RemoteAddr().String() }
func (l *LineConn) Close() error       { return l.c.Close() }

// Reader returns the buffered reader, for handing the stream over after a handshake.
func (l *LineConn) Reader() *bufio.Reader { return l.rd }

// WSConn carries JSON documents as WebSocket text messages.
type WSConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

// NewWSConn wraps an upgraded WebSocket connection.
func NewWSConn(c *websocket.Conn) *WSConn { return &WSConn{c: c} }

func (w *WSConn) ReadJSON(v any) error { return w.c.ReadJSON(v) }

func (w *WSConn) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteJSON(v)
}

func (w *WSConn) RemoteAddr() string { return w.c.RemoteAddr().String() }
func (w *WSConn) Close() error       { return w.c.Close() }

// WriteJSONLine marshals v and writes it followed by a newline.
func WriteJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
