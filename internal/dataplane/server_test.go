package dataplane

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/matst80/portbroker/internal/bridge"
	"github.com/matst80/portbroker/internal/event"
)

type harness struct {
	s           *Server
	transitions chan Transition
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{transitions: make(chan Transition, 64)}
	cfg.BindHost = "127.0.0.1"
	cfg.OnTransition = func(tr Transition) { h.transitions <- tr }
	h.s = New(cfg)
	t.Cleanup(h.s.Close)
	return h
}

func (h *harness) register(t *testing.T, p event.Payload, tok *event.CancelToken, sink *event.IncomingSink) event.Response {
	t.Helper()
	ev, rx := event.NewClientEvent("sess", p, tok, sink)
	h.s.Dispatch(ev)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := rx.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return resp
}

func (h *harness) waitFor(t *testing.T, to State) Transition {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case tr := <-h.transitions:
			if tr.To == to {
				return tr
			}
		case <-deadline:
			t.Fatalf("no transition to %s", to)
		}
	}
}

func nextIncoming(t *testing.T, sink *event.IncomingSink) event.Incoming {
	t.Helper()
	select {
	case ev := <-sink.C():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no incoming event")
	}
	return nil
}

func waitResources(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for s.Resources() != want {
		if time.Now().After(deadline) {
			t.Fatalf("resources = %d, want %d", s.Resources(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func entryPort(t *testing.T, entry string) string {
	t.Helper()
	if strings.HasPrefix(entry, "http://") {
		u, err := url.Parse(entry)
		if err != nil {
			t.Fatalf("parse %q: %v", entry, err)
		}
		return u.Port()
	}
	_, port, err := net.SplitHostPort(entry)
	if err != nil {
		t.Fatalf("split %q: %v", entry, err)
	}
	return port
}

func TestRegisterTCPEphemeralPort(t *testing.T) {
	h := newHarness(t, Config{})
	sink := event.NewIncomingSink(4)
	resp := h.register(t, event.RegisterTCP{Port: 0}, event.NewCancelToken(), sink)
	if !resp.OK() || len(resp.Entrypoint) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	port := entryPort(t, resp.Entrypoint[0])
	if port == "0" || port == "" {
		t.Fatalf("entrypoint %q has no concrete port", resp.Entrypoint[0])
	}

	user, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer user.Close()

	add, ok := nextIncoming(t, sink).(event.Add)
	if !ok {
		t.Fatal("expected Add")
	}
	cb, ok := add.Bridge.(*bridge.ConnBridge)
	if !ok {
		t.Fatalf("bridge type %T", add.Bridge)
	}
	conn, _, ok := cb.Claim()
	if !ok {
		t.Fatal("claim failed")
	}
	if _, err := conn.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(user, buf); err != nil || string(buf) != "hi" {
		t.Fatalf("read %q %v", buf, err)
	}

	_ = cb.Close()
	rm, ok := nextIncoming(t, sink).(event.Remove)
	if !ok || rm.ID != cb.ID() {
		t.Fatalf("expected Remove of %s, got %+v", cb.ID(), rm)
	}
}

func TestRegisterUDPPortInUse(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := uint16(busy.LocalAddr().(*net.UDPAddr).Port)

	h := newHarness(t, Config{})
	resp := h.register(t, event.RegisterUDP{Port: port}, event.NewCancelToken(), event.NewIncomingSink(1))
	if resp.OK() || resp.Status == nil || resp.Status.Code != event.CodeResourceExhausted {
		t.Fatalf("expected resource exhausted, got %+v", resp)
	}
	if len(resp.Entrypoint) != 0 {
		t.Fatalf("failure carried entrypoints %v", resp.Entrypoint)
	}
	h.waitFor(t, StateClosed)
	waitResources(t, h.s, 0)
}

func TestRegisterUDPPeer(t *testing.T) {
	h := newHarness(t, Config{})
	sink := event.NewIncomingSink(4)
	resp := h.register(t, event.RegisterUDP{}, event.NewCancelToken(), sink)
	if !resp.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	user, err := net.Dial("udp", "127.0.0.1:"+entryPort(t, resp.Entrypoint[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close()
	if _, err := user.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	add, ok := nextIncoming(t, sink).(event.Add)
	if !ok {
		t.Fatal("expected Add")
	}
	pb := add.Bridge.(*bridge.PacketBridge)
	if !pb.Claim() {
		t.Fatal("claim failed")
	}
	select {
	case pkt := <-pb.Packets():
		if string(pkt) != "ping" {
			t.Fatalf("got %q", pkt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no datagram")
	}
	if err := pb.WriteBack([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	_ = user.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 16)
	n, err := user.Read(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("read %q %v", buf[:n], err)
	}
}

func TestRegisterHTTPRandom(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.register(t, event.RegisterHTTP{RandomSubdomain: true}, event.NewCancelToken(), event.NewIncomingSink(1))
	if !resp.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	u, err := url.Parse(resp.Entrypoint[0])
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != "http" || !strings.HasSuffix(u.Hostname(), ".localhost") {
		t.Fatalf("entrypoint %q", resp.Entrypoint[0])
	}
	if label := strings.TrimSuffix(u.Hostname(), ".localhost"); len(label) != 8 {
		t.Fatalf("random label %q", label)
	}
}

func TestRegisterHTTPInvalid(t *testing.T) {
	h := newHarness(t, Config{})
	cases := []event.RegisterHTTP{
		{Subdomain: "app", Domain: "example.com"},
		{},
		{Subdomain: "-bad"},
	}
	for _, p := range cases {
		resp := h.register(t, p, event.NewCancelToken(), event.NewIncomingSink(1))
		if resp.Status == nil || resp.Status.Code != event.CodeInvalidArgument {
			t.Errorf("%+v: expected invalid argument, got %+v", p, resp)
		}
	}
	waitResources(t, h.s, 0)
}

func TestRegisterHTTPDuplicateHost(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.register(t, event.RegisterHTTP{Subdomain: "app"}, event.NewCancelToken(), event.NewIncomingSink(1))
	if !first.OK() {
		t.Fatalf("first: %+v", first)
	}
	second := h.register(t, event.RegisterHTTP{Subdomain: "APP"}, event.NewCancelToken(), event.NewIncomingSink(1))
	if second.Status == nil || second.Status.Code != event.CodeAlreadyExists {
		t.Fatalf("second: %+v", second)
	}
}

func TestDroppedReceiverReleases(t *testing.T) {
	cases := []struct {
		name string
		p    event.Payload
	}{
		{"tcp", event.RegisterTCP{}},
		{"udp", event.RegisterUDP{}},
		{"http", event.RegisterHTTP{Subdomain: "app"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			ev, rx := event.NewClientEvent("sess", c.p, event.NewCancelToken(), event.NewIncomingSink(1))
			rx.Drop()
			h.s.Dispatch(ev)
			tr := h.waitFor(t, StateClosed)
			if tr.From != StatePending {
				t.Fatalf("closed from %s, want pending", tr.From)
			}
			waitResources(t, h.s, 0)
			if n := len(h.s.Listeners()); n != 0 {
				t.Fatalf("%d listeners left", n)
			}
			if _, ok := c.p.(event.RegisterHTTP); !ok {
				return
			}
			// The host route must be free again.
			resp := h.register(t, c.p, event.NewCancelToken(), event.NewIncomingSink(1))
			if !resp.OK() {
				t.Fatalf("re-register: %+v", resp)
			}
		})
	}
}

func TestRemoveOutlivesEmitTimeout(t *testing.T) {
	h := newHarness(t, Config{ClaimTimeout: 50 * time.Millisecond, EmitTimeout: 50 * time.Millisecond})
	sink := event.NewIncomingSink(1)
	resp := h.register(t, event.RegisterTCP{}, event.NewCancelToken(), sink)
	if !resp.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	user, err := net.Dial("tcp", "127.0.0.1:"+entryPort(t, resp.Entrypoint[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close()

	// The Add fills the only slot; the bridge expires and its Remove waits
	// well past EmitTimeout before anyone reads.
	time.Sleep(400 * time.Millisecond)

	reg := bridge.NewRegistry()
	for _, want := range []string{"add", "remove"} {
		switch ev := nextIncoming(t, sink).(type) {
		case event.Add:
			if want != "add" {
				t.Fatalf("got Add, want %s", want)
			}
			reg.Add(ev.Bridge)
		case event.Remove:
			if want != "remove" {
				t.Fatalf("got Remove, want %s", want)
			}
			reg.Remove(ev.ID)
		}
	}
	if n := reg.Len(); n != 0 {
		t.Fatalf("%d bridges still registered", n)
	}
}

func TestHostConfigNormalized(t *testing.T) {
	h := newHarness(t, Config{PublicHost: "LocalHost", BaseDomain: "Example.COM."})
	sink := event.NewIncomingSink(4)
	resp := h.register(t, event.RegisterHTTP{Subdomain: "app"}, event.NewCancelToken(), sink)
	if !resp.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	port := entryPort(t, resp.Entrypoint[0])
	if want := "http://app.example.com:" + port; resp.Entrypoint[0] != want {
		t.Fatalf("entrypoint %q, want %q", resp.Entrypoint[0], want)
	}

	user, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close()
	if _, err := io.WriteString(user, "GET / HTTP/1.1\r\nHost: APP.example.com\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	if _, ok := nextIncoming(t, sink).(event.Add); !ok {
		t.Fatal("expected Add")
	}

	tcp := h.register(t, event.RegisterTCP{}, event.NewCancelToken(), event.NewIncomingSink(1))
	if host, _, _ := net.SplitHostPort(tcp.Entrypoint[0]); host != "localhost" {
		t.Fatalf("tcp entrypoint %q", tcp.Entrypoint[0])
	}
}

func TestCancelBeforeServe(t *testing.T) {
	h := newHarness(t, Config{})
	tok := event.NewCancelToken()
	tok.Cancel()
	sink := event.NewIncomingSink(1)
	resp := h.register(t, event.RegisterTCP{}, tok, sink)
	if !resp.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	var seen []State
	for len(seen) < 3 {
		select {
		case tr := <-h.transitions:
			seen = append(seen, tr.To)
		case <-time.After(3 * time.Second):
			t.Fatalf("transitions so far %v", seen)
		}
	}
	want := []State{StateActive, StateCancelled, StateClosed}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions %v, want %v", seen, want)
		}
	}
	waitResources(t, h.s, 0)
	select {
	case ev := <-sink.C():
		t.Fatalf("unexpected incoming %+v", ev)
	default:
	}
}

func TestCancelStopsAccepting(t *testing.T) {
	h := newHarness(t, Config{})
	tok := event.NewCancelToken()
	resp := h.register(t, event.RegisterTCP{}, tok, event.NewIncomingSink(1))
	if !resp.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	h.waitFor(t, StateActive)
	tok.Cancel()
	h.waitFor(t, StateCancelled)
	h.waitFor(t, StateClosed)
	waitResources(t, h.s, 0)
	if c, err := net.DialTimeout("tcp", "127.0.0.1:"+entryPort(t, resp.Entrypoint[0]), time.Second); err == nil {
		c.Close()
		t.Fatal("listener still accepting after cancel")
	}
}

func TestListenerQuota(t *testing.T) {
	h := newHarness(t, Config{MaxListeners: 1})
	if resp := h.register(t, event.RegisterTCP{}, event.NewCancelToken(), event.NewIncomingSink(1)); !resp.OK() {
		t.Fatalf("first: %+v", resp)
	}
	resp := h.register(t, event.RegisterTCP{}, event.NewCancelToken(), event.NewIncomingSink(1))
	if resp.Status == nil || resp.Status.Code != event.CodeResourceExhausted {
		t.Fatalf("second: %+v", resp)
	}
}

func TestSinkClosedHaltsListener(t *testing.T) {
	h := newHarness(t, Config{})
	sink := event.NewIncomingSink(1)
	resp := h.register(t, event.RegisterTCP{}, event.NewCancelToken(), sink)
	if !resp.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	h.waitFor(t, StateActive)
	sink.Close()
	user, err := net.Dial("tcp", "127.0.0.1:"+entryPort(t, resp.Entrypoint[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close()
	tr := h.waitFor(t, StateClosed)
	if tr.From != StateActive {
		t.Fatalf("closed from %s", tr.From)
	}
	waitResources(t, h.s, 0)
}

func TestUnclaimedBridgeExpires(t *testing.T) {
	h := newHarness(t, Config{ClaimTimeout: 50 * time.Millisecond})
	sink := event.NewIncomingSink(4)
	resp := h.register(t, event.RegisterTCP{}, event.NewCancelToken(), sink)
	user, err := net.Dial("tcp", "127.0.0.1:"+entryPort(t, resp.Entrypoint[0]))
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close()
	add := nextIncoming(t, sink).(event.Add)
	rm, ok := nextIncoming(t, sink).(event.Remove)
	if !ok || rm.ID != add.Bridge.ID() {
		t.Fatalf("expected Remove of %s", add.Bridge.ID())
	}
	_ = user.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := user.Read(make([]byte, 1)); err == nil {
		t.Fatal("expired connection still open")
	}
}

func TestHTTPRouting(t *testing.T) {
	h := newHarness(t, Config{AddXFF: true})
	sink := event.NewIncomingSink(4)
	resp := h.register(t, event.RegisterHTTP{Subdomain: "app"}, event.NewCancelToken(), sink)
	if !resp.OK() {
		t.Fatalf("unexpected response %+v", resp)
	}
	port := entryPort(t, resp.Entrypoint[0])

	user, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close()
	if _, err := io.WriteString(user, "GET /x HTTP/1.1\r\nHost: app.localhost:"+port+"\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	add := nextIncoming(t, sink).(event.Add)
	cb := add.Bridge.(*bridge.ConnBridge)
	conn, prefix, ok := cb.Claim()
	if !ok {
		t.Fatal("claim failed")
	}
	head := string(prefix)
	if !strings.HasPrefix(head, "GET /x HTTP/1.1\r\n") || !strings.Contains(head, "X-Forwarded-For: 127.0.0.1") {
		t.Fatalf("prefix %q", head)
	}
	if _, err := io.WriteString(conn, "HTTP/1.1 204 No Content\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(user).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "HTTP/1.1 204") {
		t.Fatalf("status line %q %v", line, err)
	}
	_ = cb.Close()

	other, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, err := io.WriteString(other, "GET / HTTP/1.1\r\nHost: nope.localhost\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	line, err = bufio.NewReader(other).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "HTTP/1.1 404") {
		t.Fatalf("unknown host status %q %v", line, err)
	}
}
