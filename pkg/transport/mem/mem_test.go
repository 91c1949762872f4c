package mem

import (
	"bytes"
	"testing"
	"time"

	"github.com/adrenak/Matilda/pkg/transport"
)

const waitTime = 2 * time.Second

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

func TestConnectSendDisconnect(t *testing.T) {
	n := NewNetwork()
	s, err := n.Listen("hub")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	events := make(chan transport.Event, 8)
	s.Handle(func(ev transport.Event) { events <- ev })

	c, err := n.Dial("hub")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if ev := recvEvent(t, events); ev.Kind != transport.EventConnect || ev.Peer != 0 {
		t.Fatalf("want connect for peer 0, got %+v", ev)
	}

	if !c.Send([]byte("hello"), 0) {
		t.Fatalf("client send rejected")
	}
	ev := recvEvent(t, events)
	if ev.Kind != transport.EventData || !bytes.Equal(ev.Bytes, []byte("hello")) {
		t.Fatalf("want data event, got %+v", ev)
	}

	cliEvents := make(chan transport.Event, 8)
	c.Handle(func(ev transport.Event) { cliEvents <- ev })
	if !s.Send([]byte("hi back"), 0) {
		t.Fatalf("server send rejected")
	}
	ev = recvEvent(t, cliEvents)
	if ev.Kind != transport.EventData || !bytes.Equal(ev.Bytes, []byte("hi back")) {
		t.Fatalf("want data event on client, got %+v", ev)
	}

	_ = c.Close()
	if ev := recvEvent(t, events); ev.Kind != transport.EventDisconnect || ev.Peer != 0 {
		t.Fatalf("want disconnect for peer 0, got %+v", ev)
	}
}

func TestDialUnknownName(t *testing.T) {
	n := NewNetwork()
	if _, err := n.Dial("nope"); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestDuplicateListen(t *testing.T) {
	n := NewNetwork()
	if _, err := n.Listen("hub"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := n.Listen("hub"); err == nil {
		t.Fatalf("expected duplicate listen error")
	}
}

func TestBroadcastAndUnicast(t *testing.T) {
	n := NewNetwork()
	s, err := n.Listen("hub")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.Handle(func(transport.Event) {})

	var clients []*Client
	var chans []chan transport.Event
	for i := 0; i < 2; i++ {
		c, err := n.Dial("hub")
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		ch := make(chan transport.Event, 8)
		c.Handle(func(ev transport.Event) { ch <- ev })
		clients = append(clients, c)
		chans = append(chans, ch)
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	if !s.Send([]byte("only-0"), 0) {
		t.Fatalf("unicast rejected")
	}
	if ev := recvEvent(t, chans[0]); !bytes.Equal(ev.Bytes, []byte("only-0")) {
		t.Fatalf("peer 0 got %q", ev.Bytes)
	}
	select {
	case ev := <-chans[1]:
		t.Fatalf("peer 1 received unicast: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if !s.Send([]byte("all"), transport.NoPeer) {
		t.Fatalf("broadcast rejected")
	}
	for i, ch := range chans {
		if ev := recvEvent(t, ch); !bytes.Equal(ev.Bytes, []byte("all")) {
			t.Fatalf("peer %d got %q", i, ev.Bytes)
		}
	}

	if s.Send([]byte("x"), 99) {
		t.Fatalf("send to unknown peer was accepted")
	}
}

func TestClosedServerRejectsSends(t *testing.T) {
	n := NewNetwork()
	s, err := n.Listen("hub")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_ = s.Close()
	if s.Send([]byte("x"), transport.NoPeer) {
		t.Fatalf("closed server accepted send")
	}
	// The name is released on close.
	if _, err := n.Listen("hub"); err != nil {
		t.Fatalf("relisten after close: %v", err)
	}
}
