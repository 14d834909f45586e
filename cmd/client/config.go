package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/matst80/portbroker/internal/event"
	"github.com/matst80/portbroker/internal/proto"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr  string
	DataAddr    string
	Host        string // convenience host to derive server/data if those not explicitly set
	WebSocket   string // ws:// or wss:// URL; when set the control connection uses it
	Name        string
	Token       string
	Target      string
	StripHost   bool
	HostRewrite string
	GracePeriod time.Duration
	Reconnect   time.Duration
	LogLevel    string

	Tunnels []Tunnel
}

// Tunnel is one registration and the local address its connections go to.
type Tunnel struct {
	Register proto.Register
	Target   string
}

// parseFlags builds the client configuration from args.
func parseFlags(args []string) (Config, error) {
	var cfg Config
	var tcp, udp, httpSpecs []string
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:9000", "server control address")
	fs.StringVar(&cfg.DataAddr, "data", "127.0.0.1:9001", "server data address")
	fs.StringVar(&cfg.Host, "host", "", "base host; if set and --server/--data not explicitly provided, they default to host:9000 & host:9001")
	fs.StringVar(&cfg.WebSocket, "ws", "", "control over websocket, e.g. ws://host:9100/connect")
	fs.StringVar(&cfg.Name, "name", "demo", "session name")
	fs.StringVar(&cfg.Token, "token", "", "shared secret token")
	fs.StringVar(&cfg.Target, "target", "127.0.0.1:3000", "local address exposed as an HTTP subdomain named --name when no tunnel flags are given")
	fs.StringArrayVar(&tcp, "tcp", nil, "expose a TCP target: target[=remote-port] (repeatable)")
	fs.StringArrayVar(&udp, "udp", nil, "expose a UDP target: target[=remote-port] (repeatable)")
	fs.StringArrayVar(&httpSpecs, "http", nil, "expose an HTTP target: target[=subdomain|domain]; no name picks a random subdomain (repeatable)")
	fs.BoolVar(&cfg.StripHost, "strip-host", false, "remove Host header before sending to local target (HTTP/1.1 may break)")
	fs.StringVar(&cfg.HostRewrite, "host-rewrite", "", "rewrite Host header to this value (overrides original)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", 0, "time to wait for active connections to drain after shutdown signal (0 = immediate)")
	fs.DurationVar(&cfg.Reconnect, "reconnect", 2*time.Second, "delay between control reconnect attempts")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.Host != "" {
		if !fs.Changed("server") {
			cfg.ServerAddr = net.JoinHostPort(cfg.Host, "9000")
		}
		if !fs.Changed("data") {
			cfg.DataAddr = net.JoinHostPort(cfg.Host, "9001")
		}
	}

	for _, s := range tcp {
		t, err := parsePortSpec(event.KindTCP, s)
		if err != nil {
			return cfg, err
		}
		cfg.Tunnels = append(cfg.Tunnels, t)
	}
	for _, s := range udp {
		t, err := parsePortSpec(event.KindUDP, s)
		if err != nil {
			return cfg, err
		}
		cfg.Tunnels = append(cfg.Tunnels, t)
	}
	for _, s := range httpSpecs {
		t, err := parseHTTPSpec(s)
		if err != nil {
			return cfg, err
		}
		cfg.Tunnels = append(cfg.Tunnels, t)
	}
	if len(cfg.Tunnels) == 0 {
		cfg.Tunnels = append(cfg.Tunnels, Tunnel{
			Register: proto.Register{Kind: string(event.KindHTTP), Subdomain: cfg.Name},
			Target:   normalizeTarget(cfg.Target),
		})
	}
	return cfg, nil
}

// parsePortSpec reads "target[=remote-port]".
func parsePortSpec(kind event.Kind, spec string) (Tunnel, error) {
	target, remote, _ := strings.Cut(spec, "=")
	t := Tunnel{Register: proto.Register{Kind: string(kind)}, Target: normalizeTarget(target)}
	if t.Target == "" {
		return t, fmt.Errorf("%s %q: missing target", kind, spec)
	}
	if remote != "" {
		p, err := strconv.ParseUint(remote, 10, 16)
		if err != nil {
			return t, fmt.Errorf("%s %q: bad remote port: %w", kind, spec, err)
		}
		t.Register.Port = uint16(p)
	}
	return t, nil
}

// parseHTTPSpec reads "target[=name]". A name with a dot is a full domain.
func parseHTTPSpec(spec string) (Tunnel, error) {
	target, name, _ := strings.Cut(spec, "=")
	t := Tunnel{Register: proto.Register{Kind: string(event.KindHTTP)}, Target: normalizeTarget(target)}
	if t.Target == "" {
		return t, fmt.Errorf("http %q: missing target", spec)
	}
	switch {
	case name == "":
		t.Register.RandomSubdomain = true
	case strings.Contains(name, "."):
		t.Register.Domain = name
	default:
		t.Register.Subdomain = name
	}
	return t, nil
}

// normalizeTarget turns a bare port into a loopback address.
func normalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if _, err := strconv.ParseUint(target, 10, 16); err == nil {
		return net.JoinHostPort("127.0.0.1", target)
	}
	return target
}
