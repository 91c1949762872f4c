// Package tcp provides TCP-backed Matilda nodes with length-prefixed frames
// (u32 LE).
package tcp

import (
	"io"
	"net"

	"github.com/adrenak/Matilda/pkg/transport"
)

// Server is a server Node listening on a TCP address.
type Server struct {
	*transport.StreamServer
	l net.Listener
}

// Listen starts a TCP server node on address.
func Listen(address string) (*Server, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	s := &Server{l: l}
	s.StreamServer = transport.NewStreamServer(s.accept, l.Close)
	return s, nil
}

// Addr returns the local listening address.
func (s *Server) Addr() net.Addr { return s.l.Addr() }

func (s *Server) accept() (io.ReadWriteCloser, error) {
	c, err := s.l.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

// Dial connects a client Node to a TCP server at address.
func Dial(address string) (*transport.StreamClient, error) {
	c, err := net.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return transport.NewStreamClient(c), nil
}
