package tcp

import (
	"bytes"
	"testing"
	"time"

	"github.com/adrenak/Matilda/pkg/transport"
)

const waitTime = 5 * time.Second

func recvEvent(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitTime):
		t.Fatalf("timed out waiting for event")
		return transport.Event{}
	}
}

func TestLoopbackRoundTrip(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer s.Close()
	events := make(chan transport.Event, 8)
	s.Handle(func(ev transport.Event) { events <- ev })

	c, err := Dial(s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	cliEvents := make(chan transport.Event, 8)
	c.Handle(func(ev transport.Event) { cliEvents <- ev })

	ev := recvEvent(t, events)
	if ev.Kind != transport.EventConnect {
		t.Fatalf("want connect, got %+v", ev)
	}
	peer := ev.Peer

	if !c.Send([]byte("ping"), 0) {
		t.Fatalf("client send rejected")
	}
	ev = recvEvent(t, events)
	if ev.Kind != transport.EventData || ev.Peer != peer || !bytes.Equal(ev.Bytes, []byte("ping")) {
		t.Fatalf("want ping data, got %+v", ev)
	}

	if !s.Send([]byte("pong"), peer) {
		t.Fatalf("server send rejected")
	}
	ev = recvEvent(t, cliEvents)
	if ev.Kind != transport.EventData || !bytes.Equal(ev.Bytes, []byte("pong")) {
		t.Fatalf("want pong data, got %+v", ev)
	}

	_ = c.Close()
	ev = recvEvent(t, events)
	if ev.Kind != transport.EventDisconnect || ev.Peer != peer {
		t.Fatalf("want disconnect, got %+v", ev)
	}
}

func TestEmptyAndLargeFrames(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer s.Close()
	events := make(chan transport.Event, 8)
	s.Handle(func(ev transport.Event) { events <- ev })

	c, err := Dial(s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	c.Handle(func(transport.Event) {})

	if ev := recvEvent(t, events); ev.Kind != transport.EventConnect {
		t.Fatalf("want connect, got %+v", ev)
	}

	if !c.Send(nil, 0) {
		t.Fatalf("empty frame rejected")
	}
	ev := recvEvent(t, events)
	if ev.Kind != transport.EventData || len(ev.Bytes) != 0 {
		t.Fatalf("want empty data frame, got %+v", ev)
	}

	big := bytes.Repeat([]byte{0xAB}, 256*1024)
	if !c.Send(big, 0) {
		t.Fatalf("large frame rejected")
	}
	ev = recvEvent(t, events)
	if ev.Kind != transport.EventData || !bytes.Equal(ev.Bytes, big) {
		t.Fatalf("large frame corrupted")
	}
}
