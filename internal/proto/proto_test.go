package proto

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/matst80/portbroker/internal/event"
)

func TestRegisterPayload(t *testing.T) {
	cases := []struct {
		in   Register
		want event.Payload
	}{
		{Register{Kind: "tcp", Port: 2222}, event.RegisterTCP{Port: 2222}},
		{Register{Kind: "udp"}, event.RegisterUDP{}},
		{Register{Kind: "http", Subdomain: "app"}, event.RegisterHTTP{Subdomain: "app"}},
		{Register{Kind: "http", Port: 8443, RandomSubdomain: true}, event.RegisterHTTP{Port: 8443, RandomSubdomain: true}},
	}
	for _, c := range cases {
		got, err := c.in.Payload()
		if err != nil {
			t.Fatalf("%+v: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("%+v: got %#v want %#v", c.in, got, c.want)
		}
		if back := RegisterFrom(got); back != c.in {
			t.Errorf("RegisterFrom(%#v) = %+v", got, back)
		}
	}

	_, err := Register{Kind: "sctp"}.Payload()
	if event.CodeOf(err) != event.CodeInvalidArgument {
		t.Fatalf("unknown kind: %v", err)
	}
}

func TestRegisteredResponse(t *testing.T) {
	ok := RegisteredFrom("t1", event.Registered([]string{"localhost:4000"}))
	if ok.Tunnel != "t1" || ok.Code != "" {
		t.Fatalf("ok answer %+v", ok)
	}
	if r := ok.Response(); r.Status != nil || len(r.Entrypoint) != 1 {
		t.Fatalf("ok response %+v", r)
	}

	failed := RegisteredFrom("t2", event.RegisterFailed(event.Errorf(event.CodeAlreadyExists, "host taken")))
	if failed.Tunnel != "" || failed.Code != "already_exists" {
		t.Fatalf("failed answer %+v", failed)
	}
	r := failed.Response()
	if r.Status == nil || r.Status.Code != event.CodeAlreadyExists || r.Status.Message != "host taken" {
		t.Fatalf("failed response %+v", r)
	}
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range [][]byte{[]byte("one"), {}, bytes.Repeat([]byte{7}, 1500)} {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []int{3, 0, 1500} {
		p, err := ReadFrame(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if len(p) != want {
			t.Fatalf("frame len %d want %d", len(p), want)
		}
	}
	if err := WriteFrame(&buf, make([]byte, MaxDatagram+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversized frame: %v", err)
	}
	// Truncated body.
	buf.Reset()
	buf.Write([]byte{0, 5, 'a'})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestLineConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	client, server := NewLineConn(a), NewLineConn(b)

	go func() {
		_, _ = a.Write([]byte("\n\n"))
		_ = client.WriteJSON(Message{Type: TypeRegister, Ref: "1", Register: &Register{Kind: "tcp"}})
	}()
	var msg Message
	if err := server.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeRegister || msg.Ref != "1" || msg.Register == nil || msg.Register.Kind != "tcp" {
		t.Fatalf("got %+v", msg)
	}
}
