package discovery

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KV is the subset of the etcd client used by EtcdSource.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdSource reads the coordinator's node document for a workflow from the
// etcd key "<prefix>/<workflow>".
type EtcdSource struct {
	// Log receives debug output; nil means zap.L().
	Log *zap.Logger

	kv     KV
	prefix string
}

func NewEtcdSource(kv KV, prefix string) *EtcdSource {
	return &EtcdSource{kv: kv, prefix: strings.TrimSuffix(prefix, "/")}
}

// DialEtcd connects an etcd client suitable for NewEtcdSource.
func DialEtcd(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: timeout})
	if err != nil {
		return nil, &Error{Op: "connect", Addr: strings.Join(endpoints, ","), Err: err}
	}
	return cli, nil
}

func (s *EtcdSource) Key(workflow string) string { return s.prefix + "/" + workflow }

func (s *EtcdSource) Nodes(ctx context.Context, workflow string) (Topology, error) {
	key := s.Key(workflow)
	resp, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, &Error{Op: "read", Addr: key, Err: err}
	}
	if len(resp.Kvs) == 0 {
		return nil, &Error{Op: "read", Addr: key, Err: ErrEmptyResponse}
	}
	return parseResponse(resp.Kvs[0].Value, logger(s.Log))
}
