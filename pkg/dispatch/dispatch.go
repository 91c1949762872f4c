// Package dispatch is Matilda's protocol core. A Dispatcher multiplexes
// three kinds of traffic over one transport Node: fire-and-forget publishes
// on named channels, method requests expecting a correlated reply, and the
// replies themselves.
//
// Inbound bytes are decoded into the outer wire envelope and routed by its
// tag: reserved tags carry request/respond invocations, anything else fans
// out to channel subscribers. Malformed input and unknown routes are dropped
// without error; a faulting handler never breaks dispatch of other handlers
// or later messages.
//
// Request correlation uses a table from correlation token to the single
// pending callback, removed on first match and evicted on timeout. Replies
// carrying unknown tokens are ignored.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adrenak/Matilda/pkg/codec"
	"github.com/adrenak/Matilda/pkg/transport"
	"github.com/adrenak/Matilda/pkg/wire"
)

// DefaultRequestTimeout bounds how long a request waits for its reply before
// the callback fires with ErrRequestTimeout.
const DefaultRequestTimeout = 10 * time.Second

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for handler faults and dropped traffic.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithRequestTimeout overrides DefaultRequestTimeout. A non-positive value
// disables eviction entirely: a request whose reply never arrives then stays
// pending for the life of the process.
func WithRequestTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// Dispatcher owns the handler tables and the request correlator for one
// transport Node. All methods are safe for concurrent use.
type Dispatcher struct {
	node    transport.Node
	codec   codec.Codec
	log     *zap.Logger
	timeout time.Duration

	mu         sync.Mutex
	nextSub    uint64
	subs       map[string][]*Subscription
	responders map[string]Responder
	pending    map[string]*pendingCall
	closed     bool
}

type pendingCall struct {
	cb    Callback
	timer *time.Timer
}

// New attaches a Dispatcher to node, decoding payloads with c. The node's
// event handler is installed immediately; only data events reach the
// dispatch tables.
func New(node transport.Node, c codec.Codec, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		node:       node,
		codec:      c,
		log:        zap.NewNop(),
		timeout:    DefaultRequestTimeout,
		subs:       make(map[string][]*Subscription),
		responders: make(map[string]Responder),
		pending:    make(map[string]*pendingCall),
	}
	for _, o := range opts {
		o(d)
	}
	node.Handle(d.onEvent)
	return d
}

// Publish encodes obj and sends it on channel, untargeted (broadcast in
// server mode, upstream in client mode). Returns whether the transport
// accepted the send; delivery is best-effort and unacknowledged. A nil obj
// publishes an empty payload. Reserved wire tags are rejected.
func (d *Dispatcher) Publish(channel string, obj any) bool {
	return d.PublishTo(channel, obj, transport.NoPeer)
}

// PublishTo is Publish targeted at one peer. The target is honored only when
// the node is in server mode; a client has a single upstream peer.
func (d *Dispatcher) PublishTo(channel string, obj any, peer int) bool {
	if wire.Reserved(channel) {
		d.log.Warn("publish on reserved tag rejected", zap.String("channel", channel))
		return false
	}
	b, err := d.codec.Marshal(obj)
	if err != nil {
		d.log.Warn("publish payload encode failed", zap.String("channel", channel), zap.Error(err))
		return false
	}
	return d.send(channel, b, peer)
}

// Subscribe appends fn to channel's listener list. Listeners fire in
// registration order on every matching inbound transmission; a listener may
// be registered more than once and each registration is invoked.
func (d *Dispatcher) Subscribe(channel string, fn Listener) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	sub := &Subscription{id: d.nextSub, channel: channel, fn: fn}
	d.subs[channel] = append(d.subs[channel], sub)
	return sub
}

// Unsubscribe removes sub from its channel. No-op when the subscription is
// unknown or already removed. The listener receives no further invocations
// once Unsubscribe returns.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[sub.channel]
	for i, s := range list {
		if s.id == sub.id {
			d.subs[sub.channel] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(d.subs[sub.channel]) == 0 {
		delete(d.subs, sub.channel)
	}
}

// Respond installs fn as the sole responder for method, silently replacing
// any prior responder.
func (d *Dispatcher) Respond(method string, fn Responder) {
	d.mu.Lock()
	d.responders[method] = fn
	d.mu.Unlock()
}

// StopResponding removes the responder for method, if any.
func (d *Dispatcher) StopResponding(method string) {
	d.mu.Lock()
	delete(d.responders, method)
	d.mu.Unlock()
}

// Request encodes obj, mints a correlation token and sends an invocation of
// method, untargeted. cb fires exactly once: with the reply, or with
// ErrRequestTimeout / ErrClosed. Returns whether the transport accepted the
// send; a rejected send registers nothing and cb never fires.
func (d *Dispatcher) Request(method string, obj any, cb Callback) bool {
	return d.RequestTo(method, obj, cb, transport.NoPeer)
}

// RequestTo is Request targeted at one peer (server mode only).
func (d *Dispatcher) RequestTo(method string, obj any, cb Callback, peer int) bool {
	objb, err := d.codec.Marshal(obj)
	if err != nil {
		d.log.Warn("request payload encode failed", zap.String("method", method), zap.Error(err))
		return false
	}
	token := wire.NewInvokeID()
	invb, err := wire.EncodeInvocation(d.codec, wire.Invocation{Method: method, InvokeID: token, Obj: objb})
	if err != nil {
		d.log.Warn("invocation encode failed", zap.String("method", method), zap.Error(err))
		return false
	}

	pc := &pendingCall{cb: cb}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.pending[token] = pc
	if d.timeout > 0 {
		pc.timer = time.AfterFunc(d.timeout, func() { d.expire(token) })
	}
	d.mu.Unlock()

	if !d.send(wire.TagRequest, invb, peer) {
		d.mu.Lock()
		delete(d.pending, token)
		d.mu.Unlock()
		if pc.timer != nil {
			pc.timer.Stop()
		}
		return false
	}
	return true
}

// Close cancels all in-flight requests with ErrClosed and closes the
// underlying node.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]*pendingCall)
	d.mu.Unlock()

	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		d.safeCallback(pc.cb, Message{Peer: transport.NoPeer, c: d.codec}, ErrClosed)
	}
	return d.node.Close()
}

func (d *Dispatcher) send(id string, payload []byte, peer int) bool {
	b, err := wire.EncodeTransmission(d.codec, wire.Transmission{ID: id, Bytes: payload})
	if err != nil {
		d.log.Warn("transmission encode failed", zap.String("id", id), zap.Error(err))
		return false
	}
	return d.node.Send(b, peer)
}

func (d *Dispatcher) onEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventData:
		d.dispatch(ev.Peer, ev.Bytes)
	case transport.EventConnect:
		d.log.Debug("peer connected", zap.Int("peer", ev.Peer))
	case transport.EventDisconnect:
		d.log.Debug("peer disconnected", zap.Int("peer", ev.Peer))
	}
}

func (d *Dispatcher) dispatch(peer int, b []byte) {
	t, err := wire.DecodeTransmission(d.codec, b)
	if err != nil {
		d.log.Debug("dropping undecodable transmission", zap.Int("peer", peer), zap.Error(err))
		return
	}
	switch t.ID {
	case wire.TagRequest:
		d.dispatchRequest(peer, t.Bytes)
	case wire.TagRespond:
		d.dispatchReply(peer, t.Bytes)
	default:
		d.dispatchPublish(peer, t.ID, t.Bytes)
	}
}

func (d *Dispatcher) dispatchRequest(peer int, b []byte) {
	inv, err := wire.DecodeInvocation(d.codec, b)
	if err != nil {
		d.log.Debug("dropping undecodable invocation", zap.Int("peer", peer), zap.Error(err))
		return
	}
	d.mu.Lock()
	fn := d.responders[inv.Method]
	d.mu.Unlock()
	if fn == nil {
		d.log.Debug("no responder for method", zap.String("method", inv.Method))
		return
	}

	result, err := d.safeRespond(fn, Message{Peer: peer, Data: inv.Obj, c: d.codec})
	if err != nil {
		// The requester sees silence (and eventually its timeout); the fault
		// is surfaced locally only.
		d.log.Error("responder failed", zap.String("method", inv.Method), zap.Error(err))
		return
	}
	resb, err := d.codec.Marshal(result)
	if err != nil {
		d.log.Error("reply encode failed", zap.String("method", inv.Method), zap.Error(err))
		return
	}
	repb, err := wire.EncodeInvocation(d.codec, wire.Invocation{Method: inv.Method, InvokeID: inv.InvokeID, Obj: resb})
	if err != nil {
		d.log.Error("reply invocation encode failed", zap.String("method", inv.Method), zap.Error(err))
		return
	}
	// Unicast back to the peer that sent the request; clients ignore the
	// target and reply upstream.
	d.send(wire.TagRespond, repb, peer)
}

func (d *Dispatcher) dispatchReply(peer int, b []byte) {
	inv, err := wire.DecodeInvocation(d.codec, b)
	if err != nil {
		d.log.Debug("dropping undecodable reply", zap.Int("peer", peer), zap.Error(err))
		return
	}
	d.mu.Lock()
	pc := d.pending[inv.InvokeID]
	delete(d.pending, inv.InvokeID)
	d.mu.Unlock()
	if pc == nil {
		// Unknown token: reply for a timed-out or foreign request.
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	d.safeCallback(pc.cb, Message{Peer: peer, Data: inv.Obj, c: d.codec}, nil)
}

func (d *Dispatcher) dispatchPublish(peer int, channel string, payload []byte) {
	d.mu.Lock()
	list := d.subs[channel]
	snapshot := make([]*Subscription, len(list))
	copy(snapshot, list)
	d.mu.Unlock()

	msg := Message{Peer: peer, Data: payload, c: d.codec}
	for _, sub := range snapshot {
		d.safeInvoke(channel, sub.fn, msg)
	}
}

func (d *Dispatcher) expire(token string) {
	d.mu.Lock()
	pc := d.pending[token]
	delete(d.pending, token)
	d.mu.Unlock()
	if pc == nil {
		return
	}
	d.safeCallback(pc.cb, Message{Peer: transport.NoPeer, c: d.codec}, ErrRequestTimeout)
}

func (d *Dispatcher) safeInvoke(channel string, fn Listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("listener panicked", zap.String("channel", channel), zap.Any("panic", r))
		}
	}()
	fn(msg)
}

func (d *Dispatcher) safeRespond(fn Responder, req Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &panicError{value: r}
		}
	}()
	return fn(req)
}

func (d *Dispatcher) safeCallback(cb Callback, msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("request callback panicked", zap.Any("panic", r))
		}
	}()
	cb(msg, err)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("responder panicked: %v", e.value) }
