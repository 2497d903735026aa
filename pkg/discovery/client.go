package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// terminator ends both the request and the response. A coordinator that
// closes the connection instead ends the response as well.
var terminator = []byte("\r\n")

// DefaultTimeout bounds a round trip when the context has no deadline.
const DefaultTimeout = 10 * time.Second

type request struct {
	Query    string `json:"query"`
	Workflow string `json:"workflow"`
}

// Client asks a coordinator for the nodes of a workflow over a fresh TCP
// connection per request.
type Client struct {
	Addr    string
	Timeout time.Duration
	// Log receives debug output; nil means zap.L().
	Log    *zap.Logger
	dialer net.Dialer
}

func NewClient(addr string) *Client { return &Client{Addr: addr, Timeout: DefaultTimeout} }

func (c *Client) Nodes(ctx context.Context, workflow string) (Topology, error) {
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, &Error{Op: "connect", Addr: c.Addr, Err: err}
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	req, err := json.Marshal(request{Query: "nodes", Workflow: workflow})
	if err != nil {
		return nil, &Error{Op: "write", Addr: c.Addr, Err: err}
	}
	if _, err := conn.Write(append(req, terminator...)); err != nil {
		return nil, &Error{Op: "write", Addr: c.Addr, Err: err}
	}
	resp, err := readResponse(conn)
	if err != nil {
		return nil, &Error{Op: "read", Addr: c.Addr, Err: err}
	}
	log := logger(c.Log)
	log.Debug("discovery response", zap.String("addr", c.Addr), zap.String("workflow", workflow), zap.Int("bytes", len(resp)))
	topo, err := parseResponse(resp, log)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			de.Addr = c.Addr
		}
		return nil, err
	}
	return topo, nil
}

// readResponse accumulates reads until the terminator arrives or the peer
// closes. The terminator is stripped.
func readResponse(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if bytes.HasSuffix(buf.Bytes(), terminator) {
			return bytes.TrimSuffix(buf.Bytes(), terminator), nil
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
