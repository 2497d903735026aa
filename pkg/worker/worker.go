// Package worker serves jobs on the worker side of a channel. It backs the
// jobmux-echo binary and the client's end-to-end tests.
package worker

import (
	"bytes"
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"jobmux/pkg/core/netstack"
	"jobmux/pkg/protocol"
	"jobmux/pkg/protocol/codec"
	"jobmux/pkg/protocol/stream"
	"jobmux/pkg/transport"
)

// Handler turns one request message into one response message.
type Handler func(ctx context.Context, req []byte) ([]byte, error)

// Echo answers every message with its own bytes.
func Echo(_ context.Context, req []byte) ([]byte, error) { return req, nil }

// Apply decodes each job envelope with c, runs fn on the value and answers
// with the result under the same correlation id and compression.
func Apply(c codec.Codec, fn func(any) (any, error)) Handler {
	return func(_ context.Context, req []byte) ([]byte, error) {
		var in protocol.Envelope
		if _, err := in.ReadFrom(bytes.NewReader(req)); err != nil {
			return nil, err
		}
		var v any
		if err := c.Unmarshal(in.Payload, &v); err != nil {
			return nil, err
		}
		res, err := fn(v)
		if err != nil {
			return nil, err
		}
		payload, err := c.Marshal(res)
		if err != nil {
			return nil, err
		}
		out := protocol.Envelope{Header: in.Header, Payload: payload}
		var buf bytes.Buffer
		if _, err := out.WriteTo(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

// Serve handles every channel accepted on l with h until ctx ends or l
// closes.
func Serve(ctx context.Context, l transport.Listener, h Handler) error {
	zap.L().Info("worker listening", zap.String("addr", l.Addr().String()))
	return netstack.Serve(ctx, l, func(ctx context.Context, ch transport.Channel) {
		defer ch.Close()
		if err := ServeChannel(ctx, ch, h); err != nil {
			zap.L().Debug("channel done", zap.Stringer("endpoint", ch.Endpoint()), zap.Error(err))
		}
	})
}

// ServeChannel answers messages on ch one at a time. It returns when the
// channel fails or ctx ends; a failing handler only drops that message.
func ServeChannel(ctx context.Context, ch transport.Channel, h Handler) error {
	for ctx.Err() == nil {
		req, err := io.ReadAll(stream.NewReader(ch))
		if err != nil {
			if errors.Is(err, stream.ErrTruncated) {
				return nil
			}
			return err
		}
		resp, err := h(ctx, req)
		if err != nil {
			zap.L().Warn("job failed", zap.Int("bytes", len(req)), zap.Error(err))
			continue
		}
		w := stream.NewWriter(ch)
		if _, err := w.Write(resp); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	return ctx.Err()
}
