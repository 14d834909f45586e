package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/proto"
)

const pingInterval = 30 * time.Second

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	obs.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("client.start", obs.Fields{"name": cfg.Name, "server": cfg.ServerAddr, "tunnels": len(cfg.Tunnels)})
	c := newClient(cfg)
	for {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			obs.Error("client.control.ended", obs.Fields{"err": err.Error()})
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Reconnect):
			obs.Info("client.reconnect", obs.Fields{})
		}
	}
	c.drain(cfg.GracePeriod)
	obs.Info("client.shutdown.complete", obs.Fields{})
}

type client struct {
	cfg Config

	// onRegistered observes successful registrations.
	onRegistered func(t Tunnel, tunnel string, entry []string)

	mu      sync.Mutex
	session string
	targets map[string]Tunnel // tunnel id -> local target
	active  sync.WaitGroup
}

func newClient(cfg Config) *client {
	return &client{cfg: cfg, targets: make(map[string]Tunnel)}
}

func (c *client) dial(ctx context.Context) (proto.Conn, error) {
	if c.cfg.WebSocket != "" {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WebSocket, nil)
		if err != nil {
			return nil, err
		}
		return proto.NewWSConn(ws), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	return proto.NewLineConn(conn), nil
}

// runOnce authenticates, registers every tunnel and serves requests until the
// control connection drops or ctx ends.
func (c *client) runOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(proto.Auth{Token: c.cfg.Token, Name: c.cfg.Name}); err != nil {
		return err
	}
	var ok proto.AuthOK
	if err := conn.ReadJSON(&ok); err != nil {
		return err
	}
	if ok.Error != "" {
		return fmt.Errorf("auth failed: %s", ok.Error)
	}
	c.mu.Lock()
	c.session = ok.Session
	c.targets = make(map[string]Tunnel)
	c.mu.Unlock()
	obs.Info("client.authenticated", obs.Fields{"name": c.cfg.Name, "session": ok.Session})

	for i, t := range c.cfg.Tunnels {
		reg := t.Register
		if err := conn.WriteJSON(proto.Message{Type: proto.TypeRegister, Ref: strconv.Itoa(i), Register: &reg}); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteJSON(proto.Message{Type: proto.TypePing}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg proto.Message) {
	switch msg.Type {
	case proto.TypeRegistered:
		i, err := strconv.Atoi(msg.Ref)
		if err != nil || i < 0 || i >= len(c.cfg.Tunnels) || msg.Registered == nil {
			obs.Warn("client.registered.unknown", obs.Fields{"ref": msg.Ref})
			return
		}
		t := c.cfg.Tunnels[i]
		r := msg.Registered
		if resp := r.Response(); resp.Status != nil {
			obs.Error("client.register.failed", obs.Fields{"kind": t.Register.Kind, "target": t.Target, "code": resp.Status.Code.String(), "err": resp.Status.Message})
			return
		}
		c.mu.Lock()
		c.targets[r.Tunnel] = t
		c.mu.Unlock()
		obs.Info("client.tunnel.ready", obs.Fields{"kind": t.Register.Kind, "target": t.Target, "tunnel": r.Tunnel, "entrypoint": r.Entrypoint})
		if c.onRegistered != nil {
			c.onRegistered(t, r.Tunnel, r.Entrypoint)
		}
	case proto.TypeRequest:
		if msg.Request == nil {
			return
		}
		req := *msg.Request
		c.mu.Lock()
		t, ok := c.targets[req.Tunnel]
		session := c.session
		c.mu.Unlock()
		if !ok {
			obs.Warn("client.request.unknown_tunnel", obs.Fields{"tunnel": req.Tunnel, "id": req.ID})
			return
		}
		c.active.Add(1)
		go func() {
			defer c.active.Done()
			c.forward(session, req, t)
		}()
	case proto.TypePong:
		obs.Debug("client.pong", obs.Fields{})
	case proto.TypeError:
		obs.Error("client.server.error", obs.Fields{"err": msg.Error})
	}
}

// drain waits up to grace for forwarded connections to finish.
func (c *client) drain(grace time.Duration) {
	if grace <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		c.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		obs.Warn("client.drain.timeout", obs.Fields{"grace": grace.String()})
	}
}
