// Package httpx reads and edits the head of an HTTP/1.x request without
// consuming its body, so the raw stream can be forwarded afterwards.
package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrHeaderTooLarge is returned when the request head exceeds the limit.
var ErrHeaderTooLarge = errors.New("request header too large")

// Header is one header field, name case as seen on the wire.
type Header struct {
	Name  string
	Value string
}

// ProxyHeaders is a parsed request line plus header fields.
type ProxyHeaders struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// ParseRequest reads one request head from r, stopping right after the blank
// line so the body stays in r. It returns the number of bytes consumed.
func ParseRequest(r *bufio.Reader, max int) (*ProxyHeaders, int, error) {
	var p *ProxyHeaders
	n := 0
	for {
		line, err := r.ReadString('\n')
		n += len(line)
		if n > max {
			return nil, n, fmt.Errorf("%w (%d>%d)", ErrHeaderTooLarge, n, max)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, n, err
		}
		line = strings.TrimRight(line, "\r\n")
		if p == nil {
			if line == "" {
				// Tolerate stray CRLF between pipelined requests.
				continue
			}
			method, rest, ok1 := strings.Cut(line, " ")
			uri, proto, ok2 := strings.Cut(rest, " ")
			if !ok1 || !ok2 || method == "" || uri == "" {
				return nil, n, fmt.Errorf("bad request line: %q", line)
			}
			p = &ProxyHeaders{Method: method, URI: uri, Proto: strings.TrimSpace(proto)}
			continue
		}
		if line == "" {
			return p, n, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			continue
		}
		p.Headers = append(p.Headers, Header{Name: name, Value: strings.TrimSpace(value)})
	}
}

func (p *ProxyHeaders) index(name string) int {
	for i, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the first value of name, case-insensitively.
func (p *ProxyHeaders) Get(name string) string {
	if i := p.index(name); i >= 0 {
		return p.Headers[i].Value
	}
	return ""
}

// Del removes every field called name.
func (p *ProxyHeaders) Del(name string) {
	out := p.Headers[:0]
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	p.Headers = out
}

// AugmentXFF appends clientIP to X-Forwarded-For, adding the field if needed.
func (p *ProxyHeaders) AugmentXFF(clientIP string) {
	if clientIP == "" {
		return
	}
	if i := p.index("X-Forwarded-For"); i >= 0 {
		p.Headers[i].Value += ", " + clientIP
		return
	}
	p.Headers = append(p.Headers, Header{Name: "X-Forwarded-For", Value: clientIP})
}

// ReplaceHost sets the Host field, adding it if missing.
func (p *ProxyHeaders) ReplaceHost(host string) {
	if host == "" {
		return
	}
	if i := p.index("Host"); i >= 0 {
		p.Headers[i].Value = host
		return
	}
	p.Headers = append(p.Headers, Header{Name: "Host", Value: host})
}

// StripHost removes any Host header.
func (p *ProxyHeaders) StripHost() { p.Del("Host") }

// WriteTo writes the request head, ending with the blank line.
func (p *ProxyHeaders) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s %s\r\n", p.Method, p.URI, p.Proto)
	for _, h := range p.Headers {
		bw.WriteString(h.Name)
		bw.WriteString(": ")
		bw.WriteString(h.Value)
		bw.WriteString("\r\n")
	}
	bw.WriteString("\r\n")
	n := int64(bw.Buffered())
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return n, nil
}

// Bytes renders the request head.
func (p *ProxyHeaders) Bytes() []byte {
	var b bytes.Buffer
	_, _ = p.WriteTo(&b)
	return b.Bytes()
}

// RemoteIPFromConn extracts the IP part of the peer address.
func RemoteIPFromConn(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
