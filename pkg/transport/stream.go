package transport

import (
	"bufio"
	"io"
	"sync"
)

// AcceptFunc yields the next inbound connection for a stream server. It
// blocks until a connection arrives or the listener is closed, in which case
// it returns an error.
type AcceptFunc func() (io.ReadWriteCloser, error)

// StreamServer implements Node over any accept-driven stream transport
// (TCP, QUIC streams, named pipes, in-process pipes). Frames are
// length-prefixed per frame.go. Receiving starts when Handle is installed.
type StreamServer struct {
	accept AcceptFunc
	stop   func() error

	mu      sync.Mutex
	handler Handler
	peers   map[int]*streamPeer
	nextID  int
	started bool
	closed  bool
}

type streamPeer struct {
	id int
	c  io.ReadWriteCloser
	wm sync.Mutex
	br *bufio.Reader
	bw *bufio.Writer
}

// NewStreamServer wraps an accept source into a server Node. stop is invoked
// on Close to unblock accept (typically the listener's Close).
func NewStreamServer(accept AcceptFunc, stop func() error) *StreamServer {
	return &StreamServer{
		accept: accept,
		stop:   stop,
		peers:  make(map[int]*streamPeer),
	}
}

func (s *StreamServer) Mode() Mode { return ModeServer }

func (s *StreamServer) Handle(h Handler) {
	s.mu.Lock()
	s.handler = h
	start := !s.started && !s.closed
	s.started = true
	s.mu.Unlock()
	if start {
		go s.acceptLoop()
	}
}

func (s *StreamServer) acceptLoop() {
	for {
		c, err := s.accept()
		if err != nil {
			return
		}
		p := &streamPeer{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		p.id = s.nextID
		s.nextID++
		s.peers[p.id] = p
		s.mu.Unlock()
		s.emit(Event{Kind: EventConnect, Peer: p.id})
		go s.readLoop(p)
	}
}

func (s *StreamServer) readLoop(p *streamPeer) {
	for {
		b, err := ReadFrame(p.br)
		if err != nil {
			s.dropPeer(p)
			return
		}
		s.emit(Event{Kind: EventData, Peer: p.id, Bytes: b})
	}
}

func (s *StreamServer) dropPeer(p *streamPeer) {
	s.mu.Lock()
	_, known := s.peers[p.id]
	delete(s.peers, p.id)
	closed := s.closed
	s.mu.Unlock()
	_ = p.c.Close()
	if known && !closed {
		s.emit(Event{Kind: EventDisconnect, Peer: p.id})
	}
}

// Send delivers b to the selected peer, or to every connected peer when
// peer == NoPeer. Unicast to an unknown peer is rejected.
func (s *StreamServer) Send(b []byte, peer int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	var targets []*streamPeer
	if peer == NoPeer {
		targets = make([]*streamPeer, 0, len(s.peers))
		for _, p := range s.peers {
			targets = append(targets, p)
		}
	} else {
		p, ok := s.peers[peer]
		if !ok {
			s.mu.Unlock()
			return false
		}
		targets = []*streamPeer{p}
	}
	s.mu.Unlock()

	ok := true
	for _, p := range targets {
		p.wm.Lock()
		err := WriteFrame(p.bw, b)
		p.wm.Unlock()
		if err != nil {
			ok = false
		}
	}
	return ok
}

func (s *StreamServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := s.peers
	s.peers = make(map[int]*streamPeer)
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.c.Close()
	}
	if s.stop != nil {
		return s.stop()
	}
	return nil
}

func (s *StreamServer) emit(ev Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// StreamClient implements Node over a single established stream connection.
// The upstream peer is always peer 0. Receiving starts when Handle is
// installed.
type StreamClient struct {
	c  io.ReadWriteCloser
	wm sync.Mutex
	br *bufio.Reader
	bw *bufio.Writer

	mu      sync.Mutex
	handler Handler
	started bool
	closed  bool
}

// NewStreamClient wraps an established connection into a client Node.
func NewStreamClient(c io.ReadWriteCloser) *StreamClient {
	return &StreamClient{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (s *StreamClient) Mode() Mode { return ModeClient }

func (s *StreamClient) Handle(h Handler) {
	s.mu.Lock()
	s.handler = h
	start := !s.started && !s.closed
	s.started = true
	s.mu.Unlock()
	if start {
		go s.readLoop()
	}
}

func (s *StreamClient) readLoop() {
	for {
		b, err := ReadFrame(s.br)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.emit(Event{Kind: EventDisconnect, Peer: 0})
			}
			return
		}
		s.emit(Event{Kind: EventData, Peer: 0, Bytes: b})
	}
}

// Send delivers b to the upstream peer. The peer argument is ignored; a
// client has exactly one peer.
func (s *StreamClient) Send(b []byte, _ int) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	s.wm.Lock()
	err := WriteFrame(s.bw, b)
	s.wm.Unlock()
	return err == nil
}

func (s *StreamClient) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.c.Close()
}

func (s *StreamClient) emit(ev Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
