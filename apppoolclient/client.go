// Package apppoolclient is the out-of-process client stub for an
// apppool server, mirroring internal/pool.Pool's exported surface
// over the wire protocol.
package apppoolclient

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/TheBerg/apppool/internal/poolerrors"
	"github.com/TheBerg/apppool/internal/wire"
)

// GetOptions identifies the application a Get call wants a session
// from.
type GetOptions struct {
	AppRoot      string
	MinProcesses int
	MaxProcesses int
}

func (o GetOptions) toFields() []string {
	fields := []string{"appRoot", o.AppRoot}
	if o.MinProcesses > 0 {
		fields = append(fields, "minProcesses", strconv.Itoa(o.MinProcesses))
	}
	if o.MaxProcesses > 0 {
		fields = append(fields, "maxProcesses", strconv.Itoa(o.MaxProcesses))
	}
	return fields
}

// sharedChannel refcounts a *wire.Channel so it outlives whichever of
// Client or Session drops it first, closing only once both are gone.
type sharedChannel struct {
	ch   *wire.Channel
	refs int32
}

func (s *sharedChannel) retain() { atomic.AddInt32(&s.refs, 1) }

func (s *sharedChannel) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		_ = s.ch.Close()
	}
}

// Client connects to an apppool server. It is not safe for concurrent
// use by multiple goroutines; each goroutine should create its own
// Client.
type Client struct {
	shared *sharedChannel
}

// Connect dials socketPath and authenticates as username/password.
// May only be called once per Client.
func Connect(ctx context.Context, socketPath, username, password string) (*Client, error) {
	ch, err := wire.Dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	c := &Client{shared: &sharedChannel{ch: ch, refs: 1}}
	if err := c.authenticate(ctx, username, password); err != nil {
		ch.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, username, password string) error {
	ch := c.shared.ch
	if err := ch.WriteScalar(ctx, []byte(username)); err != nil {
		return err
	}
	if err := ch.WriteScalar(ctx, []byte(password)); err != nil {
		return err
	}
	reply, err := ch.ReadVector(ctx)
	if err != nil {
		return err
	}
	if len(reply) == 0 {
		return poolerrors.IOException("empty authentication reply")
	}
	if reply[0] == "SecurityException" {
		msg := "authentication failed"
		if len(reply) > 1 {
			msg = reply[1]
		}
		return poolerrors.SecurityException(msg)
	}
	if reply[0] != "ok" {
		c.disconnect()
		return poolerrors.IOException("unexpected authentication reply").WithContext("reply", reply)
	}
	return nil
}

// checkSecurityResponse reads one reply vector and interprets it as
// the security envelope every authenticated command is followed by.
func (c *Client) checkSecurityResponse(ctx context.Context) error {
	reply, err := c.shared.ch.ReadVector(ctx)
	if err != nil {
		c.disconnect()
		return err
	}
	if len(reply) == 0 {
		c.disconnect()
		return poolerrors.IOException("empty security response")
	}
	if reply[0] == "SecurityException" {
		msg := "security check failed"
		if len(reply) > 1 {
			msg = reply[1]
		}
		// A SecurityException never disconnects.
		return poolerrors.SecurityException(msg)
	}
	if reply[0] != "Passed security" {
		c.disconnect()
		return poolerrors.IOException("expected security envelope").WithContext("reply", reply)
	}
	return nil
}

func (c *Client) disconnect() {
	c.shared.release()
}

// Session is the caller's handle to a checked-out worker connection.
type Session struct {
	shared    *sharedChannel
	pid       int
	sessionID uint64
}

// GetPid returns the worker process id that served this session.
func (s *Session) GetPid() int { return s.pid }

// Close releases this Session's reference to the underlying
// connection, best-effort notifying the server with a "close
// <sessionId>" command before doing so. A write failure (the
// connection may already be dead) never prevents the local reference
// from being released. Idempotent.
func (s *Session) Close(ctx context.Context) {
	if s.shared == nil {
		return
	}
	_ = s.shared.ch.WriteVector(ctx, []string{"close", strconv.FormatUint(s.sessionID, 10)})
	s.shared.release()
	s.shared = nil
}

// Get requests a session for opts.AppRoot, handling the lazy
// getEnvironmentVariables exchange the server may interleave before
// its final reply (see SPEC_FULL.md §10).
func (c *Client) Get(ctx context.Context, opts GetOptions) (*Session, error) {
	ch := c.shared.ch
	fields := append([]string{"get"}, opts.toFields()...)
	if err := ch.WriteVector(ctx, fields); err != nil {
		c.disconnect()
		return nil, err
	}
	if err := c.checkSecurityResponse(ctx); err != nil {
		return nil, err
	}

	for {
		reply, err := ch.ReadVector(ctx)
		if err != nil {
			c.disconnect()
			return nil, err
		}
		if len(reply) == 0 {
			c.disconnect()
			return nil, poolerrors.IOException("empty get reply")
		}

		switch reply[0] {
		case "getEnvironmentVariables":
			// The server may ask for environment variables more than
			// once per Get; keep answering until a different reply
			// arrives.
			if err := ch.WriteScalar(ctx, []byte{}); err != nil {
				c.disconnect()
				return nil, err
			}
			continue
		case "ok":
			return c.finishGet(ctx, reply)
		case "SpawnException":
			msg := "spawn failed"
			if len(reply) > 1 {
				msg = reply[1]
			}
			err := poolerrors.SpawnException(msg)
			if len(reply) > 2 && reply[2] == "true" {
				page, rerr := ch.ReadScalar(ctx)
				if rerr == nil {
					err = err.WithContext("error_page", string(page))
				}
			}
			c.disconnect()
			return nil, err
		case "BusyException":
			msg := "pool busy"
			if len(reply) > 1 {
				msg = reply[1]
			}
			c.disconnect()
			return nil, poolerrors.Busy(msg)
		case "IOException":
			msg := "io error"
			if len(reply) > 1 {
				msg = reply[1]
			}
			c.disconnect()
			return nil, poolerrors.IOException(msg)
		default:
			c.disconnect()
			return nil, poolerrors.IOException("unexpected get reply").WithContext("reply", reply)
		}
	}
}

func (c *Client) finishGet(ctx context.Context, reply []string) (*Session, error) {
	if len(reply) < 3 {
		c.disconnect()
		return nil, poolerrors.IOException("ok reply missing pid or sessionId")
	}
	pid, err := strconv.Atoi(reply[1])
	if err != nil {
		c.disconnect()
		return nil, poolerrors.IOException("ok reply has non-numeric pid").WithCause(err)
	}
	sessionID, err := strconv.ParseUint(reply[2], 10, 64)
	if err != nil {
		c.disconnect()
		return nil, poolerrors.IOException("ok reply has non-numeric sessionId").WithCause(err)
	}
	c.shared.retain()
	return &Session{shared: c.shared, pid: pid, sessionID: sessionID}, nil
}

// Clear destroys every application supergroup on the server.
func (c *Client) Clear(ctx context.Context) error {
	ch := c.shared.ch
	if err := ch.WriteVector(ctx, []string{"clear"}); err != nil {
		c.disconnect()
		return err
	}
	return c.checkSecurityResponse(ctx)
}

// SetMax changes the server's hard cap on total worker processes
// across every application.
func (c *Client) SetMax(ctx context.Context, max int) error {
	return c.writeSetCommand(ctx, "setMax", max)
}

// SetMaxPerApp changes the server's default per-application process
// ceiling.
func (c *Client) SetMaxPerApp(ctx context.Context, max int) error {
	return c.writeSetCommand(ctx, "setMaxPerApp", max)
}

// SetMaxIdleTime changes, in seconds, how long a process may sit idle
// before the garbage collector may reclaim it.
func (c *Client) SetMaxIdleTime(ctx context.Context, seconds int) error {
	return c.writeSetCommand(ctx, "setMaxIdleTime", seconds)
}

func (c *Client) writeSetCommand(ctx context.Context, cmd string, n int) error {
	ch := c.shared.ch
	if err := ch.WriteVector(ctx, []string{cmd, strconv.Itoa(n)}); err != nil {
		c.disconnect()
		return err
	}
	return c.checkSecurityResponse(ctx)
}

func (c *Client) readIntCommand(ctx context.Context, cmd string) (int, error) {
	ch := c.shared.ch
	if err := ch.WriteVector(ctx, []string{cmd}); err != nil {
		c.disconnect()
		return 0, err
	}
	if err := c.checkSecurityResponse(ctx); err != nil {
		return 0, err
	}
	reply, err := ch.ReadVector(ctx)
	if err != nil {
		c.disconnect()
		return 0, err
	}
	if len(reply) == 0 {
		c.disconnect()
		return 0, poolerrors.IOException("empty reply")
	}
	n, err := strconv.Atoi(reply[0])
	if err != nil {
		c.disconnect()
		return 0, poolerrors.IOException("non-numeric reply").WithCause(err)
	}
	return n, nil
}

// GetActive returns the number of currently open sessions.
func (c *Client) GetActive(ctx context.Context) (int, error) {
	return c.readIntCommand(ctx, "getActive")
}

// GetCount returns the total number of workers across every
// application, the quantity the server's max actually bounds.
func (c *Client) GetCount(ctx context.Context) (int, error) {
	return c.readIntCommand(ctx, "getCount")
}

// Close disconnects the client.
func (c *Client) Close() {
	c.disconnect()
}
