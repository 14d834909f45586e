package proto

import (
	"github.com/matst80/portbroker/internal/event"
)

// Auth is sent by client to server as first line on control connection.
type Auth struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

// AuthOK server -> client acknowledgement. Session is echoed back on data
// connections.
type AuthOK struct {
	Msg     string `json:"msg"`
	Session string `json:"session,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Message types carried on an authenticated control connection.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeUnregister = "unregister"
	TypeRequest    = "request"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// Message is the envelope for every control line after authentication. Ref
// correlates a register with its registered answer.
type Message struct {
	Type       string      `json:"type"`
	Ref        string      `json:"ref,omitempty"`
	Register   *Register   `json:"register,omitempty"`
	Registered *Registered `json:"registered,omitempty"`
	Unregister *Unregister `json:"unregister,omitempty"`
	Request    *Request    `json:"request,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Register client -> server asking for a tunnel.
type Register struct {
	Kind            string `json:"kind"`
	Port            uint16 `json:"port,omitempty"`
	Subdomain       string `json:"subdomain,omitempty"`
	Domain          string `json:"domain,omitempty"`
	RandomSubdomain bool   `json:"random_subdomain,omitempty"`
}

// Registered server -> client answer. Code and Error are set on failure only.
type Registered struct {
	Tunnel     string   `json:"tunnel,omitempty"`
	Entrypoint []string `json:"entrypoint,omitempty"`
	Code       string   `json:"code,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Unregister client -> server closing one tunnel.
type Unregister struct {
	Tunnel string `json:"tunnel"`
}

// Request server -> client asking to open a data connection for an incoming public connection.
type Request struct {
	ID     string `json:"id"`
	Tunnel string `json:"tunnel"`
	Kind   string `json:"kind"`
	Remote string `json:"remote,omitempty"`
}

// Data is the handshake on the data connection containing the request ID.
type Data struct {
	Session string `json:"session"`
	ID      string `json:"id"`
}

// Payload converts a wire request into a registration payload.
func (r Register) Payload() (event.Payload, error) {
	switch event.Kind(r.Kind) {
	case event.KindTCP:
		return event.RegisterTCP{Port: r.Port}, nil
	case event.KindUDP:
		return event.RegisterUDP{Port: r.Port}, nil
	case event.KindHTTP:
		return event.RegisterHTTP{Port: r.Port, Subdomain: r.Subdomain, Domain: r.Domain, RandomSubdomain: r.RandomSubdomain}, nil
	default:
		return nil, event.Errorf(event.CodeInvalidArgument, "unknown tunnel kind %q", r.Kind)
	}
}

// RegisterFrom is the inverse of Register.Payload.
func RegisterFrom(p event.Payload) Register {
	switch p := p.(type) {
	case event.RegisterTCP:
		return Register{Kind: string(event.KindTCP), Port: p.Port}
	case event.RegisterUDP:
		return Register{Kind: string(event.KindUDP), Port: p.Port}
	case event.RegisterHTTP:
		return Register{Kind: string(event.KindHTTP), Port: p.Port, Subdomain: p.Subdomain, Domain: p.Domain, RandomSubdomain: p.RandomSubdomain}
	default:
		return Register{Kind: string(p.Kind())}
	}
}

// RegisteredFrom renders a registration response for the wire.
func RegisteredFrom(tunnel string, resp event.Response) *Registered {
	if resp.Status != nil {
		return &Registered{Code: resp.Status.Code.String(), Error: resp.Status.Message}
	}
	return &Registered{Tunnel: tunnel, Entrypoint: resp.Entrypoint}
}

// Response converts a wire answer back into a registration response.
func (r Registered) Response() event.Response {
	if r.Code != "" || r.Error != "" {
		return event.RegisterFailed(&event.Status{Code: event.ParseCode(r.Code), Message: r.Error})
	}
	return event.Registered(r.Entrypoint)
}
