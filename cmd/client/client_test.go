package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/matst80/portbroker/internal/controlplane"
	"github.com/matst80/portbroker/internal/dataplane"
)

func TestParseFlagsTunnels(t *testing.T) {
	cfg, err := parseFlags([]string{
		"--host", "broker.example.com",
		"--tcp", "22=2222",
		"--udp", "10.0.0.1:53",
		"--http", "3000=app",
		"--http", "3001=www.example.org",
		"--http", "3002",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerAddr != "broker.example.com:9000" || cfg.DataAddr != "broker.example.com:9001" {
		t.Fatalf("host not applied: %s %s", cfg.ServerAddr, cfg.DataAddr)
	}
	if len(cfg.Tunnels) != 5 {
		t.Fatalf("expected 5 tunnels, got %d", len(cfg.Tunnels))
	}
	tcp := cfg.Tunnels[0]
	if tcp.Register.Kind != "tcp" || tcp.Register.Port != 2222 || tcp.Target != "127.0.0.1:22" {
		t.Errorf("tcp: %+v", tcp)
	}
	udp := cfg.Tunnels[1]
	if udp.Register.Kind != "udp" || udp.Register.Port != 0 || udp.Target != "10.0.0.1:53" {
		t.Errorf("udp: %+v", udp)
	}
	if r := cfg.Tunnels[2].Register; r.Subdomain != "app" || r.Domain != "" || r.RandomSubdomain {
		t.Errorf("subdomain: %+v", r)
	}
	if r := cfg.Tunnels[3].Register; r.Domain != "www.example.org" || r.Subdomain != "" {
		t.Errorf("domain: %+v", r)
	}
	if r := cfg.Tunnels[4].Register; !r.RandomSubdomain {
		t.Errorf("random: %+v", r)
	}
}

func TestParseFlagsDefaultTunnel(t *testing.T) {
	cfg, err := parseFlags([]string{"--name", "demo", "--server", "10.0.0.2:9000", "--host", "h"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerAddr != "10.0.0.2:9000" || cfg.DataAddr != "h:9001" {
		t.Fatalf("explicit server lost: %s %s", cfg.ServerAddr, cfg.DataAddr)
	}
	if len(cfg.Tunnels) != 1 || cfg.Tunnels[0].Register.Subdomain != "demo" || cfg.Tunnels[0].Target != "127.0.0.1:3000" {
		t.Fatalf("default tunnel: %+v", cfg.Tunnels)
	}
}

func TestParseFlagsBadPort(t *testing.T) {
	if _, err := parseFlags([]string{"--tcp", "22=99999"}); err == nil {
		t.Fatal("expected error for out of range port")
	}
	if _, err := parseFlags([]string{"--udp", "=53"}); err == nil {
		t.Fatal("expected error for missing target")
	}
}

func TestRewriteHeaders(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: public.example.com\r\nAccept: */*\r\n\r\nbody"

	var out bytes.Buffer
	rd := bufio.NewReader(strings.NewReader(raw))
	if err := rewriteHeaders(rd, &out, false, "localhost:3000"); err != nil {
		t.Fatal(err)
	}
	rest, _ := io.ReadAll(rd)
	got := out.String() + string(rest)
	if !strings.Contains(got, "Host: localhost:3000\r\n") || strings.Contains(got, "public.example.com") {
		t.Fatalf("host not rewritten: %q", got)
	}
	if !strings.HasSuffix(got, "\r\n\r\nbody") {
		t.Fatalf("body lost: %q", got)
	}

	out.Reset()
	rd = bufio.NewReader(strings.NewReader(raw))
	if err := rewriteHeaders(rd, &out, true, ""); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(strings.ToLower(out.String()), "host:") {
		t.Fatalf("host not stripped: %q", out.String())
	}
}

func TestTCPTunnelThroughBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := controlplane.NewManager(controlplane.Config{})
	dp := dataplane.New(dataplane.Config{BindHost: "127.0.0.1"})
	ctrlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		_ = ctrlLn.Close()
		_ = dataLn.Close()
		_ = echo.Close()
		mgr.Shutdown()
		dp.Close()
	})
	go func() { _ = dp.Run(ctx, mgr.Events()) }()
	go mgr.AcceptControl(ctx, ctrlLn)
	go mgr.AcceptData(ctx, dataLn)
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	cfg, err := parseFlags([]string{
		"--server", ctrlLn.Addr().String(),
		"--data", dataLn.Addr().String(),
		"--name", "e2e",
		"--tcp", echo.Addr().String(),
	})
	if err != nil {
		t.Fatal(err)
	}
	c := newClient(cfg)
	ready := make(chan []string, 1)
	c.onRegistered = func(_ Tunnel, _ string, entry []string) { ready <- entry }
	go func() { _ = c.runOnce(ctx) }()

	var entry []string
	select {
	case entry = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel not registered")
	}
	if len(entry) != 1 {
		t.Fatalf("entrypoint %v", entry)
	}
	_, port, err := net.SplitHostPort(entry[0])
	if err != nil {
		t.Fatal(err)
	}

	user, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close()
	_ = user.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := user.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(user).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "hello\n" {
		t.Fatalf("echo got %q", line)
	}
}
