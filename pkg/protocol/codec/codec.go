package codec

import (
	"fmt"
	"slices"
	"strings"
)

// Codec turns job values into payload bytes and back. Unmarshal targets are
// pointers; *any receives a generic value tree.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	ContentPickle = "application/x-python-pickle"
	ContentJSON   = "application/json"
	ContentCBOR   = "application/cbor"
	ContentProto  = "application/x-protobuf"
)

// DefaultName is the codec worker processes speak natively.
const DefaultName = "pickle"

// SerializationError wraps a codec failure.
type SerializationError struct {
	Codec string
	Op    string // "marshal" or "unmarshal"
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("codec %s: %s: %v", e.Codec, e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Registry maps codec names to codecs.
type Registry struct{ byName map[string]Codec }

// NewRegistry returns a registry holding pickle, json, cbor and proto.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register("pickle", Pickle())
	r.Register("json", JSON())
	r.Register("cbor", CBOR())
	r.Register("proto", Proto())
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(name string, c Codec) { r.byName[strings.ToLower(name)] = c }

// Get returns a codec by name, or nil.
func (r *Registry) Get(name string) Codec { return r.byName[strings.ToLower(name)] }

// Lookup is Get with an error for unknown names.
func (r *Registry) Lookup(name string) (Codec, error) {
	if c := r.Get(name); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("unknown codec %q (have %s)", name, strings.Join(r.Names(), ", "))
}

// Names lists registered codec names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
