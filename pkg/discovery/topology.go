// Package discovery fetches the node topology of a workflow from the
// coordinator and turns it into transport endpoints.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"jobmux/pkg/transport"
)

// endpointsKey names the data item that lists a node's loader endpoints.
const endpointsKey = "ZmqLoaderEndpoints"

// Topology maps node ids to their endpoints. It is rebuilt on every refresh.
type Topology map[string][]transport.Endpoint

// NodeIDs returns the node ids in sorted order.
func (t Topology) NodeIDs() []string {
	ids := maps.Keys(t)
	slices.Sort(ids)
	return ids
}

// Endpoints returns every endpoint, grouped by node in NodeIDs order.
func (t Topology) Endpoints() []transport.Endpoint {
	var out []transport.Endpoint
	for _, id := range t.NodeIDs() {
		out = append(out, t[id]...)
	}
	return out
}

// Len counts endpoints across all nodes.
func (t Topology) Len() int {
	n := 0
	for _, eps := range t {
		n += len(eps)
	}
	return n
}

// Source produces a fresh Topology for a workflow.
type Source interface {
	Nodes(ctx context.Context, workflow string) (Topology, error)
}

var (
	ErrEmptyResponse = errors.New("empty response")
	ErrMalformed     = errors.New("malformed response")
)

// Error is returned for every discovery failure.
type Error struct {
	Op   string // connect, write, read, parse
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("discovery %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func malformed(format string, args ...any) error {
	return &Error{Op: "parse", Err: fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)}
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.L()
	}
	return l
}

// ParseResponse decodes a raw coordinator response.
func ParseResponse(b []byte) (Topology, error) { return parseResponse(b, zap.L()) }

func parseResponse(b []byte, log *zap.Logger) (Topology, error) {
	if len(b) == 0 {
		return nil, &Error{Op: "read", Err: ErrEmptyResponse}
	}
	var tree map[string]any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, &Error{Op: "parse", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return parse(tree, log)
}

// Parse builds a Topology from a decoded response of the form
//
//	{"<node>": {"host": "h", "data": [..., {"ZmqLoaderEndpoints": {"tcp": ["connect", "tcp://*:5000"]}}]}}
//
// The first data item carrying ZmqLoaderEndpoints wins. Endpoint kinds the
// client does not know are skipped. Within a node endpoints are ordered by
// kind.
func Parse(tree map[string]any) (Topology, error) { return parse(tree, zap.L()) }

func parse(tree map[string]any, log *zap.Logger) (Topology, error) {
	topo := make(Topology, len(tree))
	for nodeID, raw := range tree {
		node, ok := raw.(map[string]any)
		if !ok {
			return nil, malformed("node %q is %T", nodeID, raw)
		}
		host, ok := node["host"].(string)
		if !ok {
			return nil, malformed("node %q has no host", nodeID)
		}
		data, _ := node["data"].([]any)
		var declared map[string]any
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if eps, ok := m[endpointsKey].(map[string]any); ok {
				declared = eps
				break
			}
		}
		eps := make([]transport.Endpoint, 0, len(declared))
		for kindName, v := range declared {
			kind := transport.ParseKind(kindName)
			if kind == transport.KindUnknown {
				log.Debug("skipping endpoint of unknown kind", zap.String("node", nodeID), zap.String("kind", kindName))
				continue
			}
			pair, ok := v.([]any)
			if !ok || len(pair) < 2 {
				return nil, malformed("node %q endpoint %q is not a [direction, uri] pair", nodeID, kindName)
			}
			uri, ok := pair[1].(string)
			if !ok {
				return nil, malformed("node %q endpoint %q uri is %T", nodeID, kindName, pair[1])
			}
			eps = append(eps, transport.NewEndpoint(nodeID, host, kind, uri))
		}
		slices.SortFunc(eps, func(a, b transport.Endpoint) int { return int(a.Kind) - int(b.Kind) })
		topo[nodeID] = eps
	}
	return topo, nil
}
