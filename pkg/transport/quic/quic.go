// Package quic provides QUIC-backed Matilda nodes. Each connection uses one
// bidirectional control stream opened by the dialer; frames are
// length-prefixed (u32 LE) like the other stream transports.
//
// The listener uses an ephemeral self-signed certificate and dialers skip
// verification: payload authentication is out of scope for this layer, the
// TLS handshake here only satisfies QUIC's requirement for one.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/adrenak/Matilda/pkg/transport"
)

const alpnProto = "matilda"

// Server is a server Node listening on a QUIC address.
type Server struct {
	*transport.StreamServer
	l      *quicgo.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// Listen starts a QUIC server node on address (host:port, UDP underneath).
func Listen(address string) (*Server, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
		MinVersion:   tls.VersionTLS13,
	}
	l, err := quicgo.ListenAddr(address, tlsConf, &quicgo.Config{})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{l: l, ctx: ctx, cancel: cancel}
	s.StreamServer = transport.NewStreamServer(s.accept, s.stop)
	return s, nil
}

// Addr returns the local listening address.
func (s *Server) Addr() net.Addr { return s.l.Addr() }

func (s *Server) accept() (io.ReadWriteCloser, error) {
	conn, err := s.l.Accept(s.ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(s.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no control stream")
		return nil, err
	}
	return &connStream{conn: conn, st: st}, nil
}

func (s *Server) stop() error {
	s.cancel()
	return s.l.Close()
}

// Dial connects a client Node to a QUIC server at address.
func Dial(ctx context.Context, address string) (*transport.StreamClient, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quicgo.DialAddr(ctx, address, tlsConf, &quicgo.Config{})
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open control stream")
		return nil, err
	}
	return transport.NewStreamClient(&connStream{conn: conn, st: st}), nil
}

// connStream ties a control stream's lifetime to its connection: closing the
// stream also tears down the QUIC connection.
type connStream struct {
	conn quicgo.Connection
	st   quicgo.Stream
}

func (c *connStream) Read(p []byte) (int, error)  { return c.st.Read(p) }
func (c *connStream) Write(p []byte) (int, error) { return c.st.Write(p) }

func (c *connStream) Close() error {
	_ = c.st.Close()
	return c.conn.CloseWithError(0, "")
}

// selfSignedCert generates a short-lived self-signed TLS certificate.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
