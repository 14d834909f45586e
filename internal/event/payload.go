package event

import (
	"strings"
)

// Kind names the tunnel protocol requested by a Payload.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindUDP  Kind = "udp"
	KindHTTP Kind = "http"
)

// Payload is the registration request carried by a ClientEvent. The set of
// implementations is closed: RegisterTCP, RegisterUDP and RegisterHTTP.
type Payload interface {
	Kind() Kind
	isPayload()
}

// RegisterTCP asks for a TCP listener. Port 0 allocates any free port.
type RegisterTCP struct {
	Port uint16
}

// RegisterUDP asks for a UDP socket. Port 0 allocates any free port.
type RegisterUDP struct {
	Port uint16
}

// RegisterHTTP asks for a virtual-host route. Exactly one of Subdomain, Domain
// or RandomSubdomain must be provided. Port selects the HTTP listener; 0 means
// the broker default.
type RegisterHTTP struct {
	Port            uint16
	Subdomain       string
	Domain          string
	RandomSubdomain bool
}

func (RegisterTCP) Kind() Kind  { return KindTCP }
func (RegisterUDP) Kind() Kind  { return KindUDP }
func (RegisterHTTP) Kind() Kind { return KindHTTP }

func (RegisterTCP) isPayload()  {}
func (RegisterUDP) isPayload()  {}
func (RegisterHTTP) isPayload() {}

// Normalize trims and lowercases the requested names.
func (p RegisterHTTP) Normalize() RegisterHTTP {
	p.Subdomain = strings.ToLower(strings.TrimSpace(p.Subdomain))
	p.Domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(p.Domain), "."))
	return p
}

// AddressMode is the resolved addressing of an HTTP registration.
type AddressMode int

const (
	AddressSubdomain AddressMode = iota + 1
	AddressDomain
	AddressRandom
)

// Addressing validates the request and reports which addressing mode it uses.
// Zero or several modes, or a malformed name, yield CodeInvalidArgument.
func (p RegisterHTTP) Addressing() (AddressMode, error) {
	p = p.Normalize()
	sub, dom := p.Subdomain, p.Domain
	n := 0
	var mode AddressMode
	if sub != "" {
		n++
		mode = AddressSubdomain
	}
	if dom != "" {
		n++
		mode = AddressDomain
	}
	if p.RandomSubdomain {
		n++
		mode = AddressRandom
	}
	switch {
	case n == 0:
		return 0, Errorf(CodeInvalidArgument, "http registration needs one of subdomain, domain or random_subdomain")
	case n > 1:
		return 0, Errorf(CodeInvalidArgument, "http registration accepts only one of subdomain, domain or random_subdomain")
	}
	switch mode {
	case AddressSubdomain:
		if !ValidLabel(sub) {
			return 0, Errorf(CodeInvalidArgument, "invalid subdomain %q", sub)
		}
	case AddressDomain:
		if !ValidHostname(dom) {
			return 0, Errorf(CodeInvalidArgument, "invalid domain %q", dom)
		}
	}
	return mode, nil
}

// ValidLabel reports whether s is a single lowercase DNS label.
func ValidLabel(s string) bool {
	if len(s) == 0 || len(s) > 63 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return false
	}
	return true
}

// ValidHostname reports whether s is a dotted hostname made of valid labels.
func ValidHostname(s string) bool {
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !ValidLabel(l) {
			return false
		}
	}
	return true
}
