package tcp

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmux/pkg/transport"
)

func exchange(t *testing.T, ctx context.Context, l transport.Listener, ep transport.Endpoint) {
	t.Helper()
	cli, err := New().Dial(ctx, ep)
	require.NoError(t, err)
	defer cli.Close()
	srv, err := l.Accept(ctx)
	require.NoError(t, err)
	defer srv.Close()

	require.NoError(t, cli.SendFrame([]byte("job"), true))
	require.NoError(t, cli.SendFrame(nil, false))

	f, more, err := srv.RecvFrame()
	require.NoError(t, err)
	assert.Equal(t, "job", string(f))
	assert.True(t, more)
	_, more, err = srv.RecvFrame()
	require.NoError(t, err)
	assert.False(t, more)
}

func TestTCPLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := New().Listen(ctx, transport.KindTCP, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	ep := transport.NewEndpoint("n", "127.0.0.1", transport.KindTCP, "tcp://"+l.Addr().String())
	exchange(t, ctx, l, ep)
}

func TestIPCLoopback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("named pipes are covered by the windows build")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := filepath.Join(t.TempDir(), "jobmux.sock")
	l, err := New().Listen(ctx, transport.KindIPC, path)
	require.NoError(t, err)
	defer l.Close()

	exchange(t, ctx, l, transport.NewEndpoint("n", "h", transport.KindIPC, "ipc://"+path))
}

func TestDialUnsupportedKind(t *testing.T) {
	_, err := New().Dial(context.Background(), transport.NewEndpoint("n", "h", transport.KindInproc, "inproc://x"))
	assert.ErrorIs(t, err, transport.ErrUnsupportedKind)
}
