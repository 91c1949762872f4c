// Package mem provides an in-process transport. Servers listen on a name
// inside a Network; clients dial that name. Frames travel over buffered
// channels, so sends never block: a full peer queue drops the frame and
// reports the send as not accepted.
//
// The package is the stand-in transport for tests and single-process wiring.
package mem

import (
	"errors"
	"sync"

	"github.com/adrenak/Matilda/pkg/transport"
)

const queueDepth = 64

// Network is an in-process fabric connecting clients to servers by name.
type Network struct {
	mu      sync.Mutex
	servers map[string]*Server
}

// NewNetwork creates an empty fabric.
func NewNetwork() *Network { return &Network{servers: make(map[string]*Server)} }

// Listen registers a server Node under name.
func (n *Network) Listen(name string) (*Server, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.servers[name]; ok {
		return nil, errors.New("mem: listener already exists: " + name)
	}
	s := &Server{net: n, name: name, peers: make(map[int]*pipe)}
	n.servers[name] = s
	return s, nil
}

// Dial connects a new client Node to the named server.
func (n *Network) Dial(name string) (*Client, error) {
	n.mu.Lock()
	s := n.servers[name]
	n.mu.Unlock()
	if s == nil {
		return nil, errors.New("mem: no such listener: " + name)
	}
	p := newPipe()
	c := &Client{p: p}
	go c.pump()
	s.attach(p)
	return c, nil
}

func (n *Network) drop(name string, s *Server) {
	n.mu.Lock()
	if n.servers[name] == s {
		delete(n.servers, name)
	}
	n.mu.Unlock()
}

// pipe is one client<->server link; each direction is a buffered queue.
type pipe struct {
	toServer chan []byte
	toClient chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newPipe() *pipe {
	return &pipe{
		toServer: make(chan []byte, queueDepth),
		toClient: make(chan []byte, queueDepth),
		closed:   make(chan struct{}),
	}
}

func (p *pipe) close() { p.once.Do(func() { close(p.closed) }) }

func (p *pipe) send(ch chan []byte, b []byte) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	cp := append([]byte(nil), b...)
	select {
	case ch <- cp:
		return true
	default:
		return false
	}
}

// Server is the server-mode mem Node.
type Server struct {
	net  *Network
	name string

	mu      sync.Mutex
	handler transport.Handler
	peers   map[int]*pipe
	nextID  int
	closed  bool
}

func (s *Server) Mode() transport.Mode { return transport.ModeServer }

func (s *Server) Handle(h transport.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Server) attach(p *pipe) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.close()
		return
	}
	id := s.nextID
	s.nextID++
	s.peers[id] = p
	s.mu.Unlock()
	s.emit(transport.Event{Kind: transport.EventConnect, Peer: id})
	go s.pump(id, p)
}

func (s *Server) pump(id int, p *pipe) {
	for {
		select {
		case <-p.closed:
			s.detach(id, p)
			return
		case b := <-p.toServer:
			s.emit(transport.Event{Kind: transport.EventData, Peer: id, Bytes: b})
		}
	}
}

func (s *Server) detach(id int, p *pipe) {
	s.mu.Lock()
	known := s.peers[id] == p
	if known {
		delete(s.peers, id)
	}
	closed := s.closed
	s.mu.Unlock()
	if known && !closed {
		s.emit(transport.Event{Kind: transport.EventDisconnect, Peer: id})
	}
}

func (s *Server) Send(b []byte, peer int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	var targets []*pipe
	if peer == transport.NoPeer {
		targets = make([]*pipe, 0, len(s.peers))
		for _, p := range s.peers {
			targets = append(targets, p)
		}
	} else {
		p, ok := s.peers[peer]
		if !ok {
			s.mu.Unlock()
			return false
		}
		targets = []*pipe{p}
	}
	s.mu.Unlock()

	ok := true
	for _, p := range targets {
		if !p.send(p.toClient, b) {
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
	peers := s.peers
	s.peers = make(map[int]*pipe)
	s.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	s.net.drop(s.name, s)
	return nil
}

func (s *Server) emit(ev transport.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Client is the client-mode mem Node. Its single upstream peer is peer 0.
type Client struct {
	p *pipe

	mu      sync.Mutex
	handler transport.Handler
	closed  bool
}

func (c *Client) Mode() transport.Mode { return transport.ModeClient }

func (c *Client) Handle(h transport.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) pump() {
	for {
		select {
		case <-c.p.closed:
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.emit(transport.Event{Kind: transport.EventDisconnect, Peer: 0})
			}
			return
		case b := <-c.p.toClient:
			c.emit(transport.Event{Kind: transport.EventData, Peer: 0, Bytes: b})
		}
	}
}

func (c *Client) Send(b []byte, _ int) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	return c.p.send(c.p.toServer, b)
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.p.close()
	return nil
}

func (c *Client) emit(ev transport.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
