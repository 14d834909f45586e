package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/portbroker/internal/event"
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/proto"
)

const handshakeTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AcceptControl serves JSON-line control connections from ln until ctx ends
// or ln is closed.
func (m *Manager) AcceptControl(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.control.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go m.Serve(ctx, proto.NewLineConn(c))
	}
}

// WebSocketHandler serves the same control protocol over WebSocket text
// messages.
func (m *Manager) WebSocketHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			obs.Error("control.ws.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
			obs.ErrorsTotal.WithLabelValues("ws_upgrade").Inc()
			return
		}
		m.Serve(ctx, proto.NewWSConn(ws))
	})
}

// Serve runs one control connection: authentication, then register,
// unregister and ping messages until the connection drops. The session is
// closed on return.
func (m *Manager) Serve(ctx context.Context, conn proto.Conn) {
	defer conn.Close()
	var auth proto.Auth
	if err := conn.ReadJSON(&auth); err != nil {
		obs.Error("control.auth.read", obs.Fields{"err": err.Error(), "remote": conn.RemoteAddr()})
		obs.ErrorsTotal.WithLabelValues("auth_json").Inc()
		return
	}
	if m.cfg.Token != "" && auth.Token != m.cfg.Token {
		obs.Error("control.auth.token", obs.Fields{"remote": conn.RemoteAddr()})
		obs.ErrorsTotal.WithLabelValues("auth_token").Inc()
		_ = conn.WriteJSON(proto.AuthOK{Error: ErrUnauthorized.Error()})
		return
	}
	s, err := m.Open(ctx, strings.TrimSpace(auth.Name), conn)
	if err != nil {
		if errors.Is(err, ErrMissingName) {
			obs.ErrorsTotal.WithLabelValues("auth_missing_name").Inc()
		}
		_ = conn.WriteJSON(proto.AuthOK{Error: err.Error()})
		return
	}
	defer m.Close(s.ID)
	if err := conn.WriteJSON(proto.AuthOK{Msg: "ok", Session: s.ID}); err != nil {
		return
	}
	obs.Info("client.registered", obs.Fields{"name": s.Name, "session": s.ID, "remote": conn.RemoteAddr()})

	for {
		var msg proto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			var syn *json.SyntaxError
			var typ *json.UnmarshalTypeError
			switch {
			case errors.As(err, &syn), errors.As(err, &typ):
				obs.ErrorsTotal.WithLabelValues("control_json").Inc()
				_ = conn.WriteJSON(proto.Message{Type: proto.TypeError, Error: "malformed message"})
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			default:
				obs.Error("control.conn.read", obs.Fields{"err": err.Error(), "name": s.Name})
			}
			return
		}
		m.handleMessage(ctx, s, conn, msg)
	}
}

func (m *Manager) handleMessage(ctx context.Context, s *Session, conn proto.Conn, msg proto.Message) {
	switch msg.Type {
	case proto.TypeRegister:
		if msg.Register == nil {
			_ = conn.WriteJSON(proto.Message{Type: proto.TypeError, Ref: msg.Ref, Error: "register without body"})
			return
		}
		p, err := msg.Register.Payload()
		if err != nil {
			resp := proto.RegisteredFrom("", event.RegisterFailed(event.StatusFromError(err)))
			_ = conn.WriteJSON(proto.Message{Type: proto.TypeRegistered, Ref: msg.Ref, Registered: resp})
			return
		}
		// Registrations of one session may overlap; each answers on its own.
		go func() {
			tunnel, resp := m.Register(ctx, s.ID, p)
			if err := conn.WriteJSON(proto.Message{Type: proto.TypeRegistered, Ref: msg.Ref, Registered: proto.RegisteredFrom(tunnel, resp)}); err != nil {
				obs.Error("control.registered.write", obs.Fields{"session": s.ID, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("control_write").Inc()
			}
		}()
	case proto.TypeUnregister:
		if msg.Unregister == nil {
			_ = conn.WriteJSON(proto.Message{Type: proto.TypeError, Ref: msg.Ref, Error: "unregister without body"})
			return
		}
		if err := m.Unregister(s.ID, msg.Unregister.Tunnel); err != nil {
			_ = conn.WriteJSON(proto.Message{Type: proto.TypeError, Ref: msg.Ref, Error: err.Error()})
		}
	case proto.TypePing:
		_ = conn.WriteJSON(proto.Message{Type: proto.TypePong, Ref: msg.Ref})
	default:
		_ = conn.WriteJSON(proto.Message{Type: proto.TypeError, Ref: msg.Ref, Error: "unknown message type " + msg.Type})
	}
}

// AcceptData serves client data connections from ln until ctx ends or ln is
// closed.
func (m *Manager) AcceptData(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.data.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go m.HandleData(c)
	}
}

// HandleData reads the data handshake from c and attaches it to the bridge it
// names.
func (m *Manager) HandleData(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(handshakeTimeout))
	rd := bufio.NewReader(c)
	line, err := rd.ReadString('\n')
	if err != nil {
		obs.Error("data.read", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("data_read").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	var data proto.Data
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &data); err != nil {
		obs.Error("data.json", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("data_json").Inc()
		_ = c.Close()
		return
	}
	if data.ID == "" || data.Session == "" {
		_ = c.Close()
		return
	}
	if err := m.Attach(data.Session, data.ID, withReader(c, rd)); err != nil {
		obs.Error("data.attach", obs.Fields{"session": data.Session, "id": data.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("no_pending").Inc()
	}
}
