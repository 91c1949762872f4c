// Package codec provides payload serialization for Matilda. A Codec turns an
// arbitrary in-memory value into bytes and back; the dispatcher treats the
// result as opaque. JSON is the default so independently written endpoints
// can interoperate without coordination; CBOR and Protobuf are available for
// tighter encodings.
package codec

import "encoding/json"

// Codec marshals typed values for cross-endpoint exchange.
// Implementations must be deterministic enough that both endpoints of a
// channel agree on the encoded form.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Well-known content types.
const (
	ContentJSON  = "application/json"
	ContentCBOR  = "application/cbor"
	ContentProto = "application/x-protobuf"
)

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with all built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	r.Register(Proto())
	return r
}

// Register adds a codec, replacing any prior codec for the same content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Default returns the codec used when nothing else is configured.
func Default() Codec { return JSON() }

type jsonCodec struct{}

// JSON returns a JSON codec (RFC 8259).
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string              { return ContentJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)    { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
