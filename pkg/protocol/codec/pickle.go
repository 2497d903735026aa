package codec

import (
	"bytes"
	"fmt"

	pickle "github.com/kisielk/og-rek"
)

type pickleCodec struct{ protocol int }

// Pickle returns a Python pickle codec writing protocol 2, the format worker
// processes load jobs with. Unmarshal only fills *any targets.
func Pickle() Codec { return pickleCodec{protocol: 2} }

func (pickleCodec) ContentType() string { return ContentPickle }

func (p pickleCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := pickle.NewEncoderWithConfig(&buf, &pickle.EncoderConfig{Protocol: p.protocol})
	if err := enc.Encode(v); err != nil {
		return nil, &SerializationError{Codec: "pickle", Op: "marshal", Err: err}
	}
	return buf.Bytes(), nil
}

func (pickleCodec) Unmarshal(data []byte, v any) error {
	out, ok := v.(*any)
	if !ok {
		return &SerializationError{Codec: "pickle", Op: "unmarshal", Err: fmt.Errorf("unsupported target %T", v)}
	}
	val, err := pickle.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return &SerializationError{Codec: "pickle", Op: "unmarshal", Err: err}
	}
	*out = val
	return nil
}
