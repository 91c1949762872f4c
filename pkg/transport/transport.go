// Package transport defines the Node abstraction the Matilda dispatcher
// talks to, plus shared framing helpers used by the stream transports.
//
// A Node is an addressable send/receive primitive with two operating modes:
// a client has a single upstream peer, a server tracks multiple downstream
// peers identified by small integer ids. Nodes raise events for inbound data
// and for peer connect/disconnect; only data events carry bytes.
//
// Implementations live in subpackages (mem, tcp, udp, quic, winpipe).
package transport

// Mode selects client or server behavior for a Node.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "unknown"
	}
}

// EventKind tags a Node event.
type EventKind int

const (
	EventData EventKind = iota
	EventConnect
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// NoPeer addresses no specific peer: broadcast in server mode, ignored in
// client mode.
const NoPeer = -1

// Event is delivered to the Node's handler for every inbound message and
// peer lifecycle change. Peer is the originating peer id (always 0 for
// clients); Bytes is set only for EventData.
type Event struct {
	Kind  EventKind
	Peer  int
	Bytes []byte
}

// Handler receives Node events. It is invoked from the transport's receive
// goroutines; implementations must be safe for concurrent use.
type Handler func(Event)

// Node is a send/receive endpoint for opaque byte frames.
type Node interface {
	// Mode reports whether this node is a client or a server.
	Mode() Mode

	// Send hands one frame to the transport for best-effort delivery and
	// reports whether the transport accepted it. In server mode, peer selects
	// the target; NoPeer broadcasts to every connected peer. In client mode,
	// peer is ignored and the frame goes to the upstream peer.
	Send(b []byte, peer int) bool

	// Handle installs the event handler. Events raised before a handler is
	// installed are dropped.
	Handle(h Handler)

	// Close tears down the node and all its peers.
	Close() error
}
