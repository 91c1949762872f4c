package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adrenak/Matilda/pkg/codec"
	"github.com/adrenak/Matilda/pkg/transport"
	"github.com/adrenak/Matilda/pkg/transport/mem"
	"github.com/adrenak/Matilda/pkg/wire"
)

const waitTime = 2 * time.Second

// pair wires a server and a client dispatcher over an in-process network.
func pair(t *testing.T, opts ...Option) (*Dispatcher, *Dispatcher) {
	t.Helper()
	n := mem.NewNetwork()
	sn, err := n.Listen("test")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(sn, codec.JSON(), opts...)
	cn, err := n.Dial("test")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cli := New(cn, codec.JSON(), opts...)
	t.Cleanup(func() { _ = cli.Close(); _ = srv.Close() })
	return srv, cli
}

func recvInt(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTime):
		t.Fatalf("timed out waiting for value")
		return 0
	}
}

func recvString(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTime):
		t.Fatalf("timed out waiting for value")
		return ""
	}
}

func TestPublishSubscribe(t *testing.T) {
	srv, cli := pair(t)

	got := make(chan int, 1)
	srv.Subscribe("score", func(msg Message) {
		var v int
		if err := msg.Decode(&v); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		got <- v
	})

	if !cli.Publish("score", 42) {
		t.Fatalf("publish not accepted")
	}
	if v := recvInt(t, got); v != 42 {
		t.Fatalf("want 42, got %d", v)
	}
	select {
	case v := <-got:
		t.Fatalf("unexpected second invocation: %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribersFireInRegistrationOrder(t *testing.T) {
	srv, cli := pair(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 1)
	for i := 1; i <= 3; i++ {
		i := i
		srv.Subscribe("tick", func(Message) {
			mu.Lock()
			order = append(order, i)
			last := len(order) == 3
			mu.Unlock()
			if last {
				done <- struct{}{}
			}
		})
	}

	cli.Publish("tick", nil)
	select {
	case <-done:
	case <-time.After(waitTime):
		t.Fatalf("timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("listeners out of order: %v", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	srv, cli := pair(t)

	var removedFired bool
	sub := srv.Subscribe("news", func(Message) { removedFired = true })
	kept := make(chan int, 1)
	srv.Subscribe("news", func(msg Message) {
		var v int
		_ = msg.Decode(&v)
		kept <- v
	})

	srv.Unsubscribe(sub)
	cli.Publish("news", 7)
	if v := recvInt(t, kept); v != 7 {
		t.Fatalf("kept listener got %d", v)
	}
	if removedFired {
		t.Fatalf("unsubscribed listener was invoked")
	}

	// Unsubscribing twice, or a foreign subscription, is a no-op.
	srv.Unsubscribe(sub)
	srv.Unsubscribe(nil)
}

func TestResponderReplacement(t *testing.T) {
	srv, cli := pair(t)

	srv.Respond("who", func(Message) (any, error) { return "first", nil })
	srv.Respond("who", func(Message) (any, error) { return "second", nil })

	got := make(chan string, 1)
	cli.Request("who", nil, func(resp Message, err error) {
		if err != nil {
			t.Errorf("request: %v", err)
			return
		}
		var s string
		_ = resp.Decode(&s)
		got <- s
	})
	if s := recvString(t, got); s != "second" {
		t.Fatalf("want reply from replacement responder, got %q", s)
	}
}

func TestRequestRespond(t *testing.T) {
	srv, cli := pair(t)

	type args struct{ A, B int }
	srv.Respond("add", func(req Message) (any, error) {
		var a args
		if err := req.Decode(&a); err != nil {
			return nil, err
		}
		return a.A + a.B, nil
	})

	got := make(chan int, 1)
	ok := cli.Request("add", args{A: 2, B: 3}, func(resp Message, err error) {
		if err != nil {
			t.Errorf("request: %v", err)
			return
		}
		var v int
		_ = resp.Decode(&v)
		got <- v
	})
	if !ok {
		t.Fatalf("request not accepted")
	}
	if v := recvInt(t, got); v != 5 {
		t.Fatalf("want 5, got %d", v)
	}
}

func TestBackToBackRequestsKeepTheirReplies(t *testing.T) {
	srv, cli := pair(t)

	srv.Respond("echo", func(req Message) (any, error) {
		var s string
		if err := req.Decode(&s); err != nil {
			return nil, err
		}
		return s, nil
	})

	gotX := make(chan string, 1)
	gotY := make(chan string, 1)
	cli.Request("echo", "x", func(resp Message, err error) {
		var s string
		_ = resp.Decode(&s)
		gotX <- s
	})
	cli.Request("echo", "y", func(resp Message, err error) {
		var s string
		_ = resp.Decode(&s)
		gotY <- s
	})

	if s := recvString(t, gotX); s != "x" {
		t.Fatalf("first request got %q", s)
	}
	if s := recvString(t, gotY); s != "y" {
		t.Fatalf("second request got %q", s)
	}
}

// Replies are matched by correlation token, not arrival order: a raw peer
// collects two requests and answers them in reverse.
func TestReversedRepliesCorrelate(t *testing.T) {
	n := mem.NewNetwork()
	sn, err := n.Listen("test")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := codec.JSON()

	type pendingReq struct {
		peer int
		inv  wire.Invocation
	}
	reqs := make(chan pendingReq, 2)
	sn.Handle(func(ev transport.Event) {
		if ev.Kind != transport.EventData {
			return
		}
		tr, err := wire.DecodeTransmission(c, ev.Bytes)
		if err != nil || tr.ID != wire.TagRequest {
			return
		}
		inv, err := wire.DecodeInvocation(c, tr.Bytes)
		if err != nil {
			return
		}
		reqs <- pendingReq{peer: ev.Peer, inv: inv}
	})

	cn, err := n.Dial("test")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cli := New(cn, c)
	defer cli.Close()

	gotX := make(chan string, 1)
	gotY := make(chan string, 1)
	cli.Request("slow", "x", func(resp Message, err error) {
		var s string
		_ = resp.Decode(&s)
		gotX <- s
	})
	cli.Request("slow", "y", func(resp Message, err error) {
		var s string
		_ = resp.Decode(&s)
		gotY <- s
	})

	var collected []pendingReq
	for len(collected) < 2 {
		select {
		case r := <-reqs:
			collected = append(collected, r)
		case <-time.After(waitTime):
			t.Fatalf("timed out collecting requests")
		}
	}

	// Answer in reverse order, echoing each request's own payload.
	for i := len(collected) - 1; i >= 0; i-- {
		r := collected[i]
		repb, err := wire.EncodeInvocation(c, wire.Invocation{
			Method:   r.inv.Method,
			InvokeID: r.inv.InvokeID,
			Obj:      r.inv.Obj,
		})
		if err != nil {
			t.Fatalf("encode reply: %v", err)
		}
		trb, err := wire.EncodeTransmission(c, wire.Transmission{ID: wire.TagRespond, Bytes: repb})
		if err != nil {
			t.Fatalf("encode transmission: %v", err)
		}
		if !sn.Send(trb, r.peer) {
			t.Fatalf("send reply")
		}
	}

	if s := recvString(t, gotX); s != "x" {
		t.Fatalf("request x got reply %q", s)
	}
	if s := recvString(t, gotY); s != "y" {
		t.Fatalf("request y got reply %q", s)
	}
}

func TestUnknownChannelAndMalformedInputAreDropped(t *testing.T) {
	n := mem.NewNetwork()
	sn, err := n.Listen("test")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := codec.JSON()
	srv := New(sn, c)
	defer srv.Close()

	got := make(chan int, 1)
	srv.Subscribe("known", func(msg Message) {
		var v int
		_ = msg.Decode(&v)
		got <- v
	})

	raw, err := n.Dial("test")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	// Garbage bytes, then a valid transmission on an unregistered channel,
	// then a request for a method nobody answers.
	raw.Send([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0)
	unknown, _ := wire.EncodeTransmission(c, wire.Transmission{ID: "nobody-listens", Bytes: []byte(`1`)})
	raw.Send(unknown, 0)
	orphan, _ := wire.EncodeInvocation(c, wire.Invocation{Method: "missing", InvokeID: wire.NewInvokeID()})
	orphanTr, _ := wire.EncodeTransmission(c, wire.Transmission{ID: wire.TagRequest, Bytes: orphan})
	raw.Send(orphanTr, 0)

	// A well-formed message afterwards is still processed.
	payload, _ := c.Marshal(9)
	valid, _ := wire.EncodeTransmission(c, wire.Transmission{ID: "known", Bytes: payload})
	raw.Send(valid, 0)

	if v := recvInt(t, got); v != 9 {
		t.Fatalf("want 9, got %d", v)
	}
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	srv, cli := pair(t)

	got := make(chan int, 2)
	srv.Subscribe("boom", func(Message) { panic("listener fault") })
	srv.Subscribe("boom", func(msg Message) {
		var v int
		_ = msg.Decode(&v)
		got <- v
	})

	cli.Publish("boom", 1)
	if v := recvInt(t, got); v != 1 {
		t.Fatalf("second listener did not run, got %d", v)
	}

	// Dispatch of subsequent messages survives the fault.
	cli.Publish("boom", 2)
	if v := recvInt(t, got); v != 2 {
		t.Fatalf("dispatch loop broken after panic, got %d", v)
	}
}

func TestResponderPanicYieldsTimeoutNotCrash(t *testing.T) {
	srv, cli := pair(t, WithRequestTimeout(100*time.Millisecond))

	srv.Respond("explode", func(Message) (any, error) { panic("responder fault") })

	errCh := make(chan error, 1)
	cli.Request("explode", nil, func(_ Message, err error) { errCh <- err })
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("want ErrRequestTimeout, got %v", err)
		}
	case <-time.After(waitTime):
		t.Fatalf("timed out waiting for callback")
	}

	// The dispatcher still answers later requests.
	srv.Respond("fine", func(Message) (any, error) { return 1, nil })
	got := make(chan int, 1)
	cli.Request("fine", nil, func(resp Message, err error) {
		var v int
		_ = resp.Decode(&v)
		got <- v
	})
	if v := recvInt(t, got); v != 1 {
		t.Fatalf("dispatcher broken after responder panic")
	}
}

func TestRequestTimeout(t *testing.T) {
	_, cli := pair(t, WithRequestTimeout(50*time.Millisecond))

	errCh := make(chan error, 1)
	ok := cli.Request("nobody-answers", nil, func(_ Message, err error) { errCh <- err })
	if !ok {
		t.Fatalf("request not accepted")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("want ErrRequestTimeout, got %v", err)
		}
	case <-time.After(waitTime):
		t.Fatalf("timeout callback never fired")
	}
}

func TestCloseCancelsPendingRequests(t *testing.T) {
	n := mem.NewNetwork()
	sn, err := n.Listen("test")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sn.Close()
	cn, err := n.Dial("test")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cli := New(cn, codec.JSON())

	errCh := make(chan error, 1)
	cli.Request("never", nil, func(_ Message, err error) { errCh <- err })
	if err := cli.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(waitTime):
		t.Fatalf("pending callback not cancelled")
	}
}

func TestPublishOnReservedTagRejected(t *testing.T) {
	_, cli := pair(t)
	if cli.Publish(wire.TagRequest, 1) || cli.Publish(wire.TagRespond, 1) {
		t.Fatalf("publish on reserved tag was accepted")
	}
}

func TestServerTargetedAndBroadcastPublish(t *testing.T) {
	n := mem.NewNetwork()
	sn, err := n.Listen("test")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := codec.JSON()
	srv := New(sn, c)
	defer srv.Close()

	newClient := func() (*Dispatcher, chan int) {
		cn, err := n.Dial("test")
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		d := New(cn, c)
		t.Cleanup(func() { _ = d.Close() })
		got := make(chan int, 4)
		d.Subscribe("note", func(msg Message) {
			var v int
			_ = msg.Decode(&v)
			got <- v
		})
		return d, got
	}
	_, got0 := newClient() // peer 0
	_, got1 := newClient() // peer 1

	if !srv.PublishTo("note", 10, 0) {
		t.Fatalf("targeted publish not accepted")
	}
	if v := recvInt(t, got0); v != 10 {
		t.Fatalf("peer 0 got %d", v)
	}
	select {
	case v := <-got1:
		t.Fatalf("peer 1 received targeted publish: %d", v)
	case <-time.After(100 * time.Millisecond):
	}

	if !srv.Publish("note", 20) {
		t.Fatalf("broadcast publish not accepted")
	}
	if v := recvInt(t, got0); v != 20 {
		t.Fatalf("peer 0 broadcast got %d", v)
	}
	if v := recvInt(t, got1); v != 20 {
		t.Fatalf("peer 1 broadcast got %d", v)
	}
}

// In server mode the reply to a request is unicast to the peer that sent it.
func TestServerRepliesUnicastToRequester(t *testing.T) {
	n := mem.NewNetwork()
	sn, err := n.Listen("test")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := codec.JSON()
	srv := New(sn, c)
	defer srv.Close()
	srv.Respond("whoami", func(req Message) (any, error) { return req.Peer, nil })

	dial := func() *Dispatcher {
		cn, err := n.Dial("test")
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		d := New(cn, c)
		t.Cleanup(func() { _ = d.Close() })
		return d
	}
	cli0 := dial()
	cli1 := dial()

	got0 := make(chan int, 1)
	got1 := make(chan int, 1)
	cli0.Request("whoami", nil, func(resp Message, err error) {
		var v int
		_ = resp.Decode(&v)
		got0 <- v
	})
	cli1.Request("whoami", nil, func(resp Message, err error) {
		var v int
		_ = resp.Decode(&v)
		got1 <- v
	})

	if v := recvInt(t, got0); v != 0 {
		t.Fatalf("client 0 saw peer id %d", v)
	}
	if v := recvInt(t, got1); v != 1 {
		t.Fatalf("client 1 saw peer id %d", v)
	}
}
