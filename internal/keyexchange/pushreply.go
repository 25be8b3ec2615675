package keyexchange

import (
	"errors"
	"strconv"
	"strings"
)

// ErrAuthFailed indicates the server responded to the push request
// with an AUTH_FAILED control message instead of PUSH_REPLY.
var ErrAuthFailed = errors.New("keyexchange: auth failed")

// ErrOptionsFormat indicates a malformed KM2 blob or PUSH_REPLY
// message.
var ErrOptionsFormat = errors.New("keyexchange: malformed options")

// Topology is the tunnel topology the server pushes.
type Topology int

const (
	TopologyUnknown Topology = iota
	TopologyNet30
	TopologyP2P
	TopologySubnet
)

func parseTopology(s string) Topology {
	switch s {
	case "net30":
		return TopologyNet30
	case "p2p":
		return TopologyP2P
	case "subnet":
		return TopologySubnet
	default:
		return TopologyUnknown
	}
}

func (t Topology) String() string {
	switch t {
	case TopologyNet30:
		return "net30"
	case TopologyP2P:
		return "p2p"
	case TopologySubnet:
		return "subnet"
	default:
		return "unknown"
	}
}

// PushReply is the structured record a PUSH_REPLY message is parsed
// into, covering every option spec.md §6 names. Unknown options are
// retained (not dropped) under Unknown, keyed by their literal option
// name.
type PushReply struct {
	RouteNoPull     bool
	RouteGateway    string
	Cipher          string
	TunMtu          int
	IfconfigIPv6    string
	Ping            int
	TunIPv6         bool
	ProtocolFlags   []string
	RedirectGateway []string
	PeerID          int
	HasPeerID       bool
	PingRestart     int
	Topology        Topology
	IfConfig        string

	Unknown map[string][]string
}

// TLSEkm reports whether the server's protocol-flags enabled RFC 5705
// exporter-based key derivation.
func (pr *PushReply) TLSEkm() bool {
	for _, f := range pr.ProtocolFlags {
		if f == "tls-ekm" {
			return true
		}
	}
	return false
}

// pushOptionField binds one recognized PUSH_REPLY option name to the
// function that applies its value onto a PushReply. This is the
// explicit registration table spec.md §9's design note calls for in
// place of reflection-driven struct tag binding.
type pushOptionField struct {
	key   string
	apply func(pr *PushReply, rest string) error
}

var pushOptionFields = []pushOptionField{
	{"route-nopull", func(pr *PushReply, rest string) error {
		pr.RouteNoPull = true
		return nil
	}},
	{"route-gateway", func(pr *PushReply, rest string) error {
		pr.RouteGateway = rest
		return nil
	}},
	{"cipher", func(pr *PushReply, rest string) error {
		pr.Cipher = rest
		return nil
	}},
	{"tun-mtu", func(pr *PushReply, rest string) error {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return ErrOptionsFormat
		}
		pr.TunMtu = n
		return nil
	}},
	{"ifconfig-ipv6", func(pr *PushReply, rest string) error {
		pr.IfconfigIPv6 = rest
		return nil
	}},
	{"ping", func(pr *PushReply, rest string) error {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return ErrOptionsFormat
		}
		pr.Ping = n
		return nil
	}},
	{"tun-ipv6", func(pr *PushReply, rest string) error {
		pr.TunIPv6 = true
		return nil
	}},
	{"protocol-flags", func(pr *PushReply, rest string) error {
		pr.ProtocolFlags = strings.Fields(rest)
		return nil
	}},
	{"redirect-gateway", func(pr *PushReply, rest string) error {
		pr.RedirectGateway = strings.Fields(rest)
		return nil
	}},
	{"peer-id", func(pr *PushReply, rest string) error {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return ErrOptionsFormat
		}
		pr.PeerID = n
		pr.HasPeerID = true
		return nil
	}},
	{"ping-restart", func(pr *PushReply, rest string) error {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return ErrOptionsFormat
		}
		pr.PingRestart = n
		return nil
	}},
	{"topology", func(pr *PushReply, rest string) error {
		pr.Topology = parseTopology(rest)
		return nil
	}},
	{"ifconfig", func(pr *PushReply, rest string) error {
		pr.IfConfig = rest
		return nil
	}},
}

func lookupPushOptionField(key string) (pushOptionField, bool) {
	for _, f := range pushOptionFields {
		if f.key == key {
			return f, true
		}
	}
	return pushOptionField{}, false
}

const pushReplyPrefix = "PUSH_REPLY,"

// ParsePushReply parses a server's "PUSH_REPLY,<comma-separated
// options>" message into a structured PushReply. A trailing NUL, if
// present, is ignored.
func ParsePushReply(raw string) (*PushReply, error) {
	raw = strings.TrimRight(raw, "\x00")
	if !strings.HasPrefix(raw, pushReplyPrefix) {
		return nil, ErrOptionsFormat
	}
	body := strings.TrimPrefix(raw, pushReplyPrefix)

	pr := &PushReply{Unknown: make(map[string][]string)}
	for _, tok := range strings.Split(body, ",") {
		if tok == "" {
			continue
		}
		key, rest, _ := strings.Cut(tok, " ")
		if field, ok := lookupPushOptionField(key); ok {
			if err := field.apply(pr, rest); err != nil {
				return nil, err
			}
			continue
		}
		pr.Unknown[key] = append(pr.Unknown[key], rest)
	}
	return pr, nil
}

// IsAuthFailedMessage reports whether a message received in reply to
// a push request is the server's AUTH_FAILED notice.
func IsAuthFailedMessage(raw string) bool {
	return strings.HasPrefix(strings.TrimRight(raw, "\x00"), "AUTH_FAILED")
}
