// Package wire defines Matilda's two-layer wire format. The outer record
// (Transmission) pairs a channel tag with an opaque payload; the inner record
// (Invocation) is used only for request/respond traffic and carries a method
// name, a correlation token, and the encoded call argument or result.
//
// Both records are serialized through a payload codec; the outer record's
// payload bytes are embedded as-is (base64 under the JSON codec). Endpoints
// must agree on the codec and on the reserved tags below for request/respond
// traffic to interoperate.
package wire

import (
	"errors"

	"github.com/google/uuid"

	"github.com/adrenak/Matilda/pkg/codec"
)

// Reserved channel tags. These are part of the wire contract and must never
// collide with an application channel name.
const (
	TagRequest = "__request__"
	TagRespond = "__respond__"
)

// Reserved reports whether id is one of the reserved request/respond tags.
func Reserved(id string) bool { return id == TagRequest || id == TagRespond }

// Transmission is the outer envelope for every message on the channel.
// ID is either an application channel name or a reserved tag; Bytes is the
// payload-codec encoding of either an application value or an Invocation.
type Transmission struct {
	ID    string `json:"id"`
	Bytes []byte `json:"bytes,omitempty"`
}

// Invocation is the inner record for request/respond traffic. InvokeID is a
// process-unique correlation token minted by the requester and echoed back
// verbatim in the reply; Obj holds the encoded call argument (requests) or
// result (replies).
type Invocation struct {
	Method   string `json:"method"`
	InvokeID string `json:"invokeId"`
	Obj      []byte `json:"obj,omitempty"`
}

// ErrEmpty is returned when decoding zero-length input.
var ErrEmpty = errors.New("wire: empty input")

// NewInvokeID mints a fresh correlation token. Tokens are 128-bit random
// UUIDs, collision-free for any realistic process lifetime.
func NewInvokeID() string { return uuid.NewString() }

// EncodeTransmission serializes t with c.
func EncodeTransmission(c codec.Codec, t Transmission) ([]byte, error) {
	return c.Marshal(&t)
}

// DecodeTransmission parses an outer envelope. Malformed input yields an
// error and a zero Transmission; callers are expected to drop the message
// rather than propagate the failure.
func DecodeTransmission(c codec.Codec, b []byte) (Transmission, error) {
	if len(b) == 0 {
		return Transmission{}, ErrEmpty
	}
	var t Transmission
	if err := c.Unmarshal(b, &t); err != nil {
		return Transmission{}, err
	}
	return t, nil
}

// EncodeInvocation serializes inv with c.
func EncodeInvocation(c codec.Codec, inv Invocation) ([]byte, error) {
	return c.Marshal(&inv)
}

// DecodeInvocation parses an inner record. Same soft-failure contract as
// DecodeTransmission.
func DecodeInvocation(c codec.Codec, b []byte) (Invocation, error) {
	if len(b) == 0 {
		return Invocation{}, ErrEmpty
	}
	var inv Invocation
	if err := c.Unmarshal(b, &inv); err != nil {
		return Invocation{}, err
	}
	return inv, nil
}
