//go:build !windows

package tcp

import (
	"context"
	"net"
)

func dialIPC(ctx context.Context, path string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, "unix", path)
}

func listenIPC(path string) (net.Listener, error) { return net.Listen("unix", path) }
