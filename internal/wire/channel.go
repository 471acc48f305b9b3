// Package wire implements the length-prefixed framing and
// out-of-band file descriptor passing used between the pool server
// and its clients.
//
// A message is either a "vector" — a 16-bit big-endian length prefix
// followed by that many bytes of NUL-terminated fields — or a
// "scalar" — a 32-bit big-endian length prefix followed by that many
// raw bytes. File descriptors travel one at a time as SCM_RIGHTS
// ancillary data attached to a one-byte payload.
package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/TheBerg/apppool/internal/poolerrors"
)

const (
	maxVectorLen = 1<<16 - 1 // body byte count is u16-length-prefixed on the wire
	maxScalarLen = 128 * 1024 * 1024
	fdPayload    = 1
)

// Channel is a framed, FD-capable connection to a peer. Every
// operation holds one mutex for its whole duration, so calls from
// several goroutines are serialized: a blocked read also holds up
// writes until it returns.
type Channel struct {
	conn *net.UnixConn
	raw  *os.File // underlying fd, kept for SCM_RIGHTS syscalls

	mu     sync.Mutex
	reader *bufio.Reader

	readDeadline  time.Duration
	writeDeadline time.Duration
}

// New wraps an already-connected Unix domain socket.
func New(conn *net.UnixConn) (*Channel, error) {
	raw, err := conn.File()
	if err != nil {
		return nil, poolerrors.IOException("obtain raw fd from connection").WithCause(err)
	}
	return &Channel{conn: conn, raw: raw, reader: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection. Safe to call more than
// once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw != nil {
		_ = c.raw.Close()
		c.raw = nil
	}
	return c.conn.Close()
}

// SetReadTimeout bounds every subsequent read. Zero disables the
// deadline.
func (c *Channel) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	c.readDeadline = d
	c.mu.Unlock()
}

// SetWriteTimeout bounds every subsequent write. Zero disables the
// deadline.
func (c *Channel) SetWriteTimeout(d time.Duration) {
	c.mu.Lock()
	c.writeDeadline = d
	c.mu.Unlock()
}

func (c *Channel) applyDeadline(ctx context.Context, write bool) error {
	d := c.readDeadline
	if write {
		d = c.writeDeadline
	}
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if deadline.IsZero() || ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
	}
	if deadline.IsZero() {
		return nil
	}
	if write {
		return c.conn.SetWriteDeadline(deadline)
	}
	return c.conn.SetReadDeadline(deadline)
}

func interruptedOrIO(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return poolerrors.Interrupted("deadline exceeded").WithCause(err)
	}
	return poolerrors.IOException("channel i/o").WithCause(err)
}

// WriteVector writes a vector message: each field NUL-terminated,
// concatenated, prefixed with a 16-bit big-endian byte count.
func (c *Channel) WriteVector(ctx context.Context, fields []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range fields {
		if strings.IndexByte(f, 0) >= 0 {
			return poolerrors.Runtime("vector field contains NUL byte")
		}
	}
	var body []byte
	for _, f := range fields {
		body = append(body, f...)
		body = append(body, 0)
	}
	if len(body) > maxVectorLen {
		return poolerrors.Runtime("vector message too large").WithContext("len", len(body))
	}
	if err := c.applyDeadline(ctx, true); err != nil {
		return interruptedOrIO(err)
	}
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(body)))
	if _, err := c.conn.Write(header); err != nil {
		return interruptedOrIO(err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := c.conn.Write(body); err != nil {
		return interruptedOrIO(err)
	}
	return nil
}

// ReadVector reads one vector message and splits it into its
// NUL-terminated fields. Returns io.EOF-wrapping IOException on a
// clean peer close.
func (c *Channel) ReadVector(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyDeadline(ctx, false); err != nil {
		return nil, interruptedOrIO(err)
	}
	header := make([]byte, 2)
	if _, err := readFull(c.reader, header); err != nil {
		return nil, interruptedOrIO(err)
	}
	n := binary.BigEndian.Uint16(header)
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := readFull(c.reader, body); err != nil {
		return nil, interruptedOrIO(err)
	}
	if body[len(body)-1] != 0 {
		return nil, poolerrors.IOException("vector message not NUL-terminated")
	}
	parts := strings.Split(string(body[:len(body)-1]), "\x00")
	return parts, nil
}

// WriteScalar writes a length-prefixed (32-bit BE) raw payload.
func (c *Channel) WriteScalar(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(payload) > maxScalarLen {
		return poolerrors.Runtime("scalar message too large")
	}
	if err := c.applyDeadline(ctx, true); err != nil {
		return interruptedOrIO(err)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := c.conn.Write(header); err != nil {
		return interruptedOrIO(err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := c.conn.Write(payload); err != nil {
		return interruptedOrIO(err)
	}
	return nil
}

// ReadScalar reads one length-prefixed raw payload.
func (c *Channel) ReadScalar(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyDeadline(ctx, false); err != nil {
		return nil, interruptedOrIO(err)
	}
	header := make([]byte, 4)
	if _, err := readFull(c.reader, header); err != nil {
		return nil, interruptedOrIO(err)
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 {
		return []byte{}, nil
	}
	if n > maxScalarLen {
		return nil, poolerrors.IOException("peer announced oversized scalar")
	}
	payload := make([]byte, n)
	if _, err := readFull(c.reader, payload); err != nil {
		return nil, interruptedOrIO(err)
	}
	return payload, nil
}

// SendFD sends a single open file descriptor as SCM_RIGHTS ancillary
// data attached to a one-byte placeholder payload.
func (c *Channel) SendFD(f *os.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw == nil {
		return poolerrors.IOException("channel closed")
	}
	rights := unix.UnixRights(int(f.Fd()))
	err := unix.Sendmsg(int(c.raw.Fd()), []byte{fdPayload}, rights, nil, 0)
	if err != nil {
		return poolerrors.IOException("sendmsg SCM_RIGHTS").WithCause(err)
	}
	return nil
}

// RecvFD receives a single file descriptor sent with SendFD.
func (c *Channel) RecvFD() (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw == nil {
		return nil, poolerrors.IOException("channel closed")
	}
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(int(c.raw.Fd()), buf, oob, 0)
	if err != nil {
		return nil, poolerrors.IOException("recvmsg SCM_RIGHTS").WithCause(err)
	}
	if n == 0 {
		return nil, poolerrors.IOException("peer closed connection during fd transfer")
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, poolerrors.IOException("parse control message").WithCause(err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return os.NewFile(uintptr(fds[0]), "wire-fd"), nil
		}
	}
	return nil, poolerrors.IOException("no file descriptor received")
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("short read at %d/%d bytes: %w", total, len(buf), err)
		}
	}
	return total, nil
}
