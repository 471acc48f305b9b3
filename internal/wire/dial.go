package wire

import (
	"context"
	"net"

	"github.com/TheBerg/apppool/internal/poolerrors"
)

// Dial connects to a pool server listening on a Unix domain socket.
func Dial(ctx context.Context, socketPath string) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, poolerrors.IOException("dial pool socket").WithCause(err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, poolerrors.Runtime("dialed connection is not a unix socket")
	}
	return New(unixConn)
}
