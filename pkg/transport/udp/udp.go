// Package udp provides datagram-backed Matilda nodes. One datagram carries
// one frame; there is no connection state, so the server synthesizes peer ids
// from remote addresses and never raises disconnect events.
package udp

import (
	"net"
	"sync"

	"github.com/adrenak/Matilda/pkg/transport"
)

const maxDatagram = 64 * 1024

// Server is a server Node bound to a UDP address. Each distinct remote
// address becomes a peer on first datagram.
type Server struct {
	conn *net.UDPConn

	mu      sync.Mutex
	handler transport.Handler
	byAddr  map[string]int
	byID    map[int]*net.UDPAddr
	nextID  int
	started bool
	closed  bool
}

// Listen binds a UDP server node to address.
func Listen(address string) (*Server, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		conn:   c,
		byAddr: make(map[string]int),
		byID:   make(map[int]*net.UDPAddr),
	}, nil
}

// Addr returns the local bound address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

func (s *Server) Mode() transport.Mode { return transport.ModeServer }

func (s *Server) Handle(h transport.Handler) {
	s.mu.Lock()
	s.handler = h
	start := !s.started && !s.closed
	s.started = true
	s.mu.Unlock()
	if start {
		go s.readLoop()
	}
}

func (s *Server) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		key := raddr.String()
		s.mu.Lock()
		id, ok := s.byAddr[key]
		if !ok {
			id = s.nextID
			s.nextID++
			s.byAddr[key] = id
			s.byID[id] = raddr
		}
		s.mu.Unlock()
		if !ok {
			s.emit(transport.Event{Kind: transport.EventConnect, Peer: id})
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.emit(transport.Event{Kind: transport.EventData, Peer: id, Bytes: pkt})
	}
}

func (s *Server) Send(b []byte, peer int) bool {
	if len(b) > maxDatagram {
		return false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	var targets []*net.UDPAddr
	if peer == transport.NoPeer {
		targets = make([]*net.UDPAddr, 0, len(s.byID))
		for _, a := range s.byID {
			targets = append(targets, a)
		}
	} else {
		a, ok := s.byID[peer]
		if !ok {
			s.mu.Unlock()
			return false
		}
		targets = []*net.UDPAddr{a}
	}
	s.mu.Unlock()

	ok := true
	for _, a := range targets {
		if _, err := s.conn.WriteToUDP(b, a); err != nil {
			ok = false
		}
	}
	return ok
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Server) emit(ev transport.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Client is a client Node over a connected UDP socket.
type Client struct {
	conn *net.UDPConn

	mu      sync.Mutex
	handler transport.Handler
	started bool
	closed  bool
}

// Dial connects a client node to a UDP server at address.
func Dial(address string) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

func (c *Client) Mode() transport.Mode { return transport.ModeClient }

func (c *Client) Handle(h transport.Handler) {
	c.mu.Lock()
	c.handler = h
	start := !c.started && !c.closed
	c.started = true
	c.mu.Unlock()
	if start {
		go c.readLoop()
	}
}

func (c *Client) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		c.emit(transport.Event{Kind: transport.EventData, Peer: 0, Bytes: pkt})
	}
}

func (c *Client) Send(b []byte, _ int) bool {
	if len(b) > maxDatagram {
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	_, err := c.conn.Write(b)
	return err == nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) emit(ev transport.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
