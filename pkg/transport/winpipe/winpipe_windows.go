//go:build windows

// Package winpipe provides Windows named-pipe Matilda nodes with
// length-prefixed frames (u32 LE).
package winpipe

import (
	"context"
	"io"
	"net"

	"github.com/Microsoft/go-winio"

	"github.com/adrenak/Matilda/pkg/transport"
)

// Server is a server Node listening on a named pipe.
type Server struct {
	*transport.StreamServer
	l net.Listener
}

// Listen starts a named-pipe server node, e.g. `\\.\pipe\matilda`.
func Listen(pipeName string) (transport.Node, error) {
	l, err := winio.ListenPipe(pipeName, nil)
	if err != nil {
		return nil, err
	}
	s := &Server{l: l}
	s.StreamServer = transport.NewStreamServer(s.accept, l.Close)
	return s, nil
}

// Addr returns the local pipe address.
func (s *Server) Addr() net.Addr { return s.l.Addr() }

func (s *Server) accept() (io.ReadWriteCloser, error) {
	return s.l.Accept()
}

// Dial connects a client Node to a named pipe.
func Dial(ctx context.Context, pipeName string) (transport.Node, error) {
	c, err := winio.DialPipeContext(ctx, pipeName)
	if err != nil {
		return nil, err
	}
	return transport.NewStreamClient(c), nil
}
