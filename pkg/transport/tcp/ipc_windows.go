//go:build windows

package tcp

import (
	"context"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

// ipc endpoints map to named pipes on Windows: "/tmp/x" becomes
// `\\.\pipe\tmp\x`.
func pipeName(path string) string {
	if strings.HasPrefix(path, `\\.\pipe\`) {
		return path
	}
	return `\\.\pipe\` + strings.ReplaceAll(strings.TrimLeft(path, "/"), "/", `\`)
}

func dialIPC(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, pipeName(path))
}

func listenIPC(path string) (net.Listener, error) { return winio.ListenPipe(pipeName(path), nil) }
