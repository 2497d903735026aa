package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"jobmux/pkg/config"
	"jobmux/pkg/core/netstack"
	"jobmux/pkg/protocol"
	"jobmux/pkg/protocol/codec"
	"jobmux/pkg/worker"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("JOBMUX_CONFIG", "")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", writeConfig(t)}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	p := filepath.Join(t.TempDir(), "jobmux.yaml")
	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: error\n"), 0o644))
	return p
}

// fakeCoordinator answers every node query with one node whose tcp endpoint
// is workerAddr's port.
func fakeCoordinator(t *testing.T, workerAddr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(workerAddr)
	require.NoError(t, err)
	resp := fmt.Sprintf(`{"w1": {"host": "127.0.0.1", "data": [{"ZmqLoaderEndpoints": {"tcp": ["connect", "tcp://*:%s"], "grpc": ["connect", "x"]}}]}}`, port)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
					return
				}
				_, _ = conn.Write([]byte(resp + "\r\n"))
			}()
		}
	}()
	return l.Addr().String()
}

// startWorker serves h over the native backend.
func startWorker(t *testing.T, h worker.Handler) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l, err := netstack.Listen(ctx, netstack.BackendNative, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() { _ = worker.Serve(ctx, l, h) }()
	return l.Addr().String()
}

func upper(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("want string, got %T", v)
	}
	if s == "fail" {
		return nil, fmt.Errorf("refused")
	}
	return strings.ToUpper(s), nil
}

func clusterArgs(t *testing.T, h worker.Handler) []string {
	coord := fakeCoordinator(t, startWorker(t, h))
	return []string{"--coordinator", coord, "--workflow", "wf", "--backend", "native", "--codec", "json", "--timeout", "10s"}
}

func TestExecuteCommand(t *testing.T) {
	args := clusterArgs(t, worker.Apply(codec.JSON(), upper))
	out, err := run(t, "", append(args, "--compression", "gzip", "execute", "hello", "world")...)
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD\n", out)
}

func TestSubmitCommand(t *testing.T) {
	args := clusterArgs(t, worker.Apply(codec.JSON(), upper))
	out, err := run(t, "a\n\nb\nc\n", append(args, "submit", "--window", "2")...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var values []string
	for _, l := range lines {
		id, v, ok := strings.Cut(l, "\t")
		require.True(t, ok, l)
		assert.Len(t, id, 36)
		values = append(values, v)
	}
	assert.ElementsMatch(t, []string{"A", "B", "C"}, values)
}

func TestSubmitCommandReportsFailedJobs(t *testing.T) {
	// "fail" comes back with a payload the client cannot decode
	h := func(_ context.Context, req []byte) ([]byte, error) {
		var env protocol.Envelope
		if _, err := env.ReadFrom(bytes.NewReader(req)); err != nil {
			return nil, err
		}
		if string(env.Payload) == `"fail"` {
			env.Payload = []byte("{")
		}
		var buf bytes.Buffer
		_, err := env.WriteTo(&buf)
		return buf.Bytes(), err
	}
	args := clusterArgs(t, h)
	out, err := run(t, "ok\nfail\n", append(args, "submit")...)
	assert.ErrorContains(t, err, "1 of 2 jobs failed")
	assert.Contains(t, out, "\tok\n")
	assert.Contains(t, out, "\terror: ")
}

func TestNodesCommand(t *testing.T) {
	args := clusterArgs(t, worker.Echo)
	out, err := run(t, "", append(args, "nodes")...)
	require.NoError(t, err)
	assert.Contains(t, out, "NODE")
	assert.Contains(t, out, "w1")
	assert.Contains(t, out, "tcp://127.0.0.1:")
	assert.NotContains(t, out, "grpc")
	assert.Contains(t, out, "*")
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, "", "--workflow", "abc", "--compression", "lzma2", "config")
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "abc", cfg.Workflow)
	assert.Equal(t, "lzma2", cfg.Compression)
	assert.Equal(t, 100, cfg.RefreshInterval)
	assert.Equal(t, "zmq", cfg.Transport.Backend)
}

func TestChecksumCommand(t *testing.T) {
	p := filepath.Join(t.TempDir(), "workflow.py")
	require.NoError(t, os.WriteFile(p, []byte("hello\n"), 0o644))
	out, err := run(t, "", "checksum", p)
	require.NoError(t, err)
	assert.Equal(t, "f572d396fae9206628714fb2ce00f72e94f2258f  "+p+"\n", out)
}

func TestCommandErrors(t *testing.T) {
	_, err := run(t, "", "execute", "x")
	assert.ErrorContains(t, err, "no workflow")

	_, err = run(t, "", "--coordinator", "nohost", "config")
	assert.Error(t, err)

	_, err = run(t, "", "--workflow", "wf", "--compression", "brotli", "execute", "x")
	assert.Error(t, err)

	_, err = run(t, "", "submit", "--window", "0")
	assert.ErrorContains(t, err, "--window")
}
