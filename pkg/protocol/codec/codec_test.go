package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	b, err := c.Marshal(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	var out any
	require.NoError(t, c.Unmarshal(b, &out))
	assert.Equal(t, map[string]any{"a": float64(1), "b": "x"}, out)

	_, err = c.Marshal(math.Inf(1))
	var se *SerializationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "marshal", se.Op)
}

func TestCBORCodecGenericMaps(t *testing.T) {
	c := CBOR()
	b, err := c.Marshal(map[string]any{"n": 42, "nested": map[string]any{"k": "v"}})
	require.NoError(t, err)
	var out any
	require.NoError(t, c.Unmarshal(b, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok, "maps decode with string keys, got %T", out)
	assert.EqualValues(t, 42, m["n"])
	assert.Equal(t, map[string]any{"k": "v"}, m["nested"])
}

func TestProtoCodec(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	require.NoError(t, err)
	b, err := c.Marshal(s)
	require.NoError(t, err)
	var msg structpb.Struct
	require.NoError(t, c.Unmarshal(b, &msg))
	assert.Equal(t, "v", msg.Fields["k"].GetStringValue())

	b, err = c.Marshal(map[string]any{"list": []any{"a", 2.5}})
	require.NoError(t, err)
	var out any
	require.NoError(t, c.Unmarshal(b, &out))
	assert.Equal(t, map[string]any{"list": []any{"a", 2.5}}, out)

	_, err = c.Marshal(make(chan int))
	var se *SerializationError
	assert.ErrorAs(t, err, &se)
}

func TestPickleCodec(t *testing.T) {
	c := Pickle()
	b, err := c.Marshal([]any{int64(7), "job"})
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), b[0], "protocol marker")
	assert.Equal(t, byte(2), b[1])

	var out any
	require.NoError(t, c.Unmarshal(b, &out))
	assert.Equal(t, []any{int64(7), "job"}, out)

	var s string
	err = c.Unmarshal(b, &s)
	var se *SerializationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "pickle", se.Codec)

	err = c.Unmarshal([]byte("not a pickle"), &out)
	assert.True(t, errors.As(err, &se))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"cbor", "json", "pickle", "proto"}, r.Names())
	c, err := r.Lookup("JSON")
	require.NoError(t, err)
	assert.Equal(t, ContentJSON, c.ContentType())
	assert.Equal(t, ContentPickle, r.Get(DefaultName).ContentType())
	_, err = r.Lookup("avro")
	assert.Error(t, err)
}
