package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
// Values that are not proto messages travel as google.protobuf.Value.
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (p protoCodec) ContentType() string { return ContentProto }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		val, err := structpb.NewValue(v)
		if err != nil {
			return nil, &SerializationError{Codec: "proto", Op: "marshal", Err: err}
		}
		msg = val
	}
	b, err := p.mo.Marshal(msg)
	if err != nil {
		return nil, &SerializationError{Codec: "proto", Op: "marshal", Err: err}
	}
	return b, nil
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case proto.Message:
		if err := p.uo.Unmarshal(data, t); err != nil {
			return &SerializationError{Codec: "proto", Op: "unmarshal", Err: err}
		}
	case *any:
		var val structpb.Value
		if err := p.uo.Unmarshal(data, &val); err != nil {
			return &SerializationError{Codec: "proto", Op: "unmarshal", Err: err}
		}
		*t = val.AsInterface()
	default:
		return &SerializationError{Codec: "proto", Op: "unmarshal", Err: fmt.Errorf("unsupported target %T", v)}
	}
	return nil
}
