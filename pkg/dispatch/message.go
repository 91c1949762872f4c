package dispatch

import "github.com/adrenak/Matilda/pkg/codec"

// Message is what listeners, responders and reply callbacks receive. Data
// holds the payload-codec bytes; callers decode into the type they expect at
// the call site. Peer is the originating peer id (0 for clients, NoPeer when
// no peer is associated, e.g. a timed-out request).
type Message struct {
	Peer int
	Data []byte

	c codec.Codec
}

// Decode unmarshals the payload into v using the dispatcher's payload codec.
func (m Message) Decode(v any) error { return m.c.Unmarshal(m.Data, v) }

// Listener handles publishes on a subscribed channel.
type Listener func(msg Message)

// Responder handles a method request and produces the reply value. A non-nil
// error suppresses the reply; the requester sees a timeout, not the error.
type Responder func(req Message) (any, error)

// Callback receives a request's reply, or a non-nil error when the request
// failed locally (timeout, dispatcher closed).
type Callback func(resp Message, err error)

// Subscription identifies one registered listener so it can be removed
// independently of other listeners on the same channel.
type Subscription struct {
	id      uint64
	channel string
	fn      Listener
}

// Channel returns the channel this subscription is registered on.
func (s *Subscription) Channel() string { return s.channel }
