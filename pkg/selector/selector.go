// Package selector picks the nearest endpoint of a topology.
package selector

import (
	"errors"
	"math/rand/v2"
	"os"

	"go.uber.org/zap"

	"jobmux/pkg/discovery"
	"jobmux/pkg/transport"
)

// Threshold is the largest usable distance.
const Threshold = 1.0

// Unreachable is the distance of endpoints that cannot be used at all.
const Unreachable = 2.0

// ErrNoReachableEndpoint is returned when no endpoint is within Threshold.
var ErrNoReachableEndpoint = errors.New("selector: no reachable endpoint")

// Metric measures the distance from localHost to ep.
type Metric interface {
	Distance(ep transport.Endpoint, localHost string) float64
}

// MetricFunc adapts a function to Metric.
type MetricFunc func(ep transport.Endpoint, localHost string) float64

func (f MetricFunc) Distance(ep transport.Endpoint, localHost string) float64 { return f(ep, localHost) }

// SameHost is the default metric. Local sockets win on the same host, network
// kinds are the only way across hosts, and inproc endpoints are never usable
// because they live in another process.
var SameHost = MetricFunc(func(ep transport.Endpoint, localHost string) float64 {
	if ep.Host != localHost {
		if ep.Kind.Network() {
			return 1
		}
		return Unreachable
	}
	switch ep.Kind {
	case transport.KindIPC:
		return 0
	case transport.KindInproc:
		return Unreachable
	default:
		return 0.5
	}
})

// Selector chooses one endpoint from a topology.
type Selector struct {
	Metric    Metric
	LocalHost string
	// Rand breaks ties; nil uses the global source.
	Rand *rand.Rand
	// Log receives the selection at debug level; nil means zap.L().
	Log *zap.Logger
}

// New returns a Selector using m (SameHost when nil) and the machine's host
// name.
func New(m Metric) *Selector {
	if m == nil {
		m = SameHost
	}
	host, _ := os.Hostname()
	return &Selector{Metric: m, LocalHost: host}
}

// Select returns an endpoint of minimal distance, chosen uniformly at random
// among ties. Endpoints farther than Threshold are discarded.
func (s *Selector) Select(topo discovery.Topology) (transport.Endpoint, error) {
	var (
		best    []transport.Endpoint
		nearest float64
		found   bool
	)
	for _, nodeID := range topo.NodeIDs() {
		for _, ep := range topo[nodeID] {
			d := s.Metric.Distance(ep, s.LocalHost)
			if d > Threshold {
				continue
			}
			switch {
			case !found || d < nearest:
				best = append(best[:0], ep)
				nearest = d
				found = true
			case d == nearest:
				best = append(best, ep)
			}
		}
	}
	if !found {
		return transport.Endpoint{}, ErrNoReachableEndpoint
	}
	ep := best[s.intN(len(best))]
	s.logger().Debug("endpoint selected", zap.Stringer("endpoint", ep), zap.Float64("distance", nearest), zap.Int("candidates", len(best)))
	return ep, nil
}

func (s *Selector) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.L()
}

func (s *Selector) intN(n int) int {
	if s.Rand != nil {
		return s.Rand.IntN(n)
	}
	return rand.IntN(n)
}
