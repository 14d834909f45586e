package dataplane

import (
	"time"

	"github.com/matst80/portbroker/internal/httpx"
	"github.com/matst80/portbroker/internal/ratelimit"
	"github.com/matst80/portbroker/internal/state"
)

// Config holds the data plane settings. Zero values fall back to defaults in
// withDefaults.
type Config struct {
	// BindHost is the local address tunnels listen on ("" = all interfaces).
	BindHost string
	// PublicHost is the host name written into entrypoints.
	PublicHost string
	// BaseDomain is the parent domain of subdomain and random HTTP routes.
	// When empty, PublicHost is used if it is a host name.
	BaseDomain string
	// HTTPPort is the virtual-host port used when an HTTP registration asks for
	// port 0. Zero binds an ephemeral port.
	HTTPPort uint16

	// MaxListeners caps listeners holding resources at the same time (0 = unlimited).
	MaxListeners int
	// ClaimTimeout bounds how long an inbound connection waits for the client to dial back.
	ClaimTimeout time.Duration
	// EmitTimeout bounds a blocked send of an Add to the session owner. Removes
	// wait until delivered or the sink closes.
	EmitTimeout time.Duration
	// HeaderTimeout bounds reading HTTP request headers on the virtual host.
	HeaderTimeout time.Duration
	MaxHeaderSize int
	AddXFF        bool
	// UDPIdleTimeout reaps UDP peers that stopped sending.
	UDPIdleTimeout time.Duration
	UDPQueue       int

	Limiter *ratelimit.Limiter
	Hosts   state.Directory

	// OnTransition, when set, observes every listener lifecycle change.
	OnTransition func(Transition)
}

func (c Config) withDefaults() Config {
	c.PublicHost = httpx.NormalizeHost(c.PublicHost)
	c.BaseDomain = httpx.NormalizeHost(c.BaseDomain)
	if c.PublicHost == "" {
		c.PublicHost = "localhost"
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 10 * time.Second
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = 5 * time.Second
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = 10 * time.Second
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = 32 * 1024
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = time.Minute
	}
	if c.UDPQueue <= 0 {
		c.UDPQueue = 64
	}
	if c.Hosts == nil {
		c.Hosts = state.NewMemory()
	}
	return c
}
