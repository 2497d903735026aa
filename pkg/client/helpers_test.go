package client

import (
	"bytes"
	"io"

	"jobmux/pkg/protocol"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func encode(env protocol.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := env.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
