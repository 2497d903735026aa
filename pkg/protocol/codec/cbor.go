package codec

import (
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	// Generic targets get string-keyed maps so values stay JSON-like.
	opts := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}
	if cborDec, err = opts.DecMode(); err != nil {
		panic(err)
	}
}

// CBOR returns a deterministic CBOR codec (RFC 8949, canonical encoding).
func CBOR() Codec { return cborCodec{enc: cborEnc, dec: cborDec} }

func (c cborCodec) ContentType() string { return ContentCBOR }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	b, err := c.enc.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Codec: "cbor", Op: "marshal", Err: err}
	}
	return b, nil
}

func (c cborCodec) Unmarshal(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return &SerializationError{Codec: "cbor", Op: "unmarshal", Err: err}
	}
	return nil
}
