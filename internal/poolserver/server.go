// Package poolserver accepts connections on a Unix domain socket and
// dispatches the wire protocol commands against a *pool.Pool.
package poolserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/TheBerg/apppool/internal/auth"
	"github.com/TheBerg/apppool/internal/group"
	"github.com/TheBerg/apppool/internal/pool"
	"github.com/TheBerg/apppool/internal/poolerrors"
	"github.com/TheBerg/apppool/internal/session"
	"github.com/TheBerg/apppool/internal/wire"
)

// Server accepts pool connections and serves the wire protocol.
type Server struct {
	pool *pool.Pool
	auth auth.Authenticator
	log  *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New builds a Server around p, authenticating peers with a.
func New(p *pool.Pool, a auth.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pool: p, auth: a, log: logger}
}

// Listen binds socketPath (removing any stale socket file first) with
// mode 0600.
func (s *Server) Listen(socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return poolerrors.IOException("bind pool socket").WithContext("path", socketPath).WithCause(err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return poolerrors.IOException("chmod pool socket").WithCause(err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until ctx is canceled or Close is called.
// Each connection is handled on its own goroutine, mirroring the
// teacher's one-goroutine-per-entity shape applied here per
// connection.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			return poolerrors.IOException("accept pool connection").WithCause(err)
		}
		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, unixConn)
		}()
	}
}

// Close stops accepting new connections. In-flight connections are
// allowed to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// connState tracks the sessions opened over one connection, keyed by
// the sessionId handed back in each "get" reply, so a later "close
// <sessionId>" can find and close the right one. Only the connection's
// own goroutine ever touches it, so it needs no lock.
type connState struct {
	sessions map[uint64]*session.Session
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	ch, err := wire.New(conn)
	if err != nil {
		conn.Close()
		return
	}
	defer ch.Close()

	for {
		err := s.authenticate(ctx, ch)
		if err == nil {
			break
		}
		s.log.Warn("authentication failed", "error", err)
		if poolerrors.Disconnects(err) {
			return
		}
	}

	state := &connState{sessions: make(map[uint64]*session.Session)}
	defer func() {
		for _, sess := range state.sessions {
			_ = sess.Close(context.Background())
		}
	}()

	for {
		req, err := ch.ReadVector(ctx)
		if err != nil {
			return
		}
		if len(req) == 0 {
			continue
		}
		if err := s.dispatch(ctx, ch, state, req); err != nil {
			if poolerrors.Disconnects(err) {
				s.log.Warn("command failed, disconnecting", "command", req[0], "error", err)
				return
			}
			s.log.Warn("command failed", "command", req[0], "error", err)
		}
	}
}

func (s *Server) authenticate(ctx context.Context, ch *wire.Channel) error {
	username, err := ch.ReadScalar(ctx)
	if err != nil {
		return err
	}
	password, err := ch.ReadScalar(ctx)
	if err != nil {
		return err
	}
	if err := s.auth.Authenticate(string(username), string(password)); err != nil {
		_ = ch.WriteVector(ctx, []string{"SecurityException", "authentication failed"})
		return err
	}
	return ch.WriteVector(ctx, []string{"ok"})
}

// sendSecurityPassed writes the envelope every authenticated command
// reply is preceded by.
func sendSecurityPassed(ctx context.Context, ch *wire.Channel) error {
	return ch.WriteVector(ctx, []string{"Passed security"})
}

func (s *Server) dispatch(ctx context.Context, ch *wire.Channel, state *connState, req []string) error {
	cmd := req[0]
	switch cmd {
	case "get":
		return s.handleGet(ctx, ch, state, req[1:])
	case "close":
		return s.handleClose(ctx, state, req[1:])
	case "clear":
		if err := sendSecurityPassed(ctx, ch); err != nil {
			return err
		}
		return s.pool.Clear(ctx)
	case "setMax":
		return s.handleSetInt(ctx, ch, req[1:], func(n int) { s.pool.SetMax(n) })
	case "setMaxPerApp":
		return s.handleSetInt(ctx, ch, req[1:], func(n int) { s.pool.SetMaxPerApp(n) })
	case "setMaxIdleTime":
		return s.handleSetInt(ctx, ch, req[1:], func(n int) { s.pool.SetMaxIdleTime(time.Duration(n) * time.Second) })
	case "getActive":
		return s.handleGetInt(ctx, ch, s.pool.GetActive())
	case "getCount":
		return s.handleGetInt(ctx, ch, s.pool.GetCount())
	case "inspect":
		return s.handleInspect(ctx, ch)
	case "reinheritAgentSocket", "oobw":
		// Accepted but not implemented: see SPEC_FULL.md §10.
		return sendSecurityPassed(ctx, ch)
	default:
		return poolerrors.IOException("unknown command").WithContext("command", cmd)
	}
}

// handleClose services "close <sessionId>": it ends the tracked
// session and, per the wire protocol's command table, sends no reply
// at all — unlike every other command. An unknown or already-closed
// sessionId is silently ignored, since the client may have already
// dropped its own reference.
func (s *Server) handleClose(ctx context.Context, state *connState, args []string) error {
	if len(args) != 1 {
		return poolerrors.IOException("missing sessionId argument")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return poolerrors.IOException("invalid sessionId argument").WithCause(err)
	}
	sess, ok := state.sessions[id]
	if !ok {
		return nil
	}
	delete(state.sessions, id)
	return sess.Close(ctx)
}

func (s *Server) handleSetInt(ctx context.Context, ch *wire.Channel, args []string, apply func(int)) error {
	if len(args) != 1 {
		return poolerrors.IOException("missing argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return poolerrors.IOException("invalid integer argument").WithCause(err)
	}
	if err := sendSecurityPassed(ctx, ch); err != nil {
		return err
	}
	apply(n)
	return nil
}

func (s *Server) handleGetInt(ctx context.Context, ch *wire.Channel, value int) error {
	if err := sendSecurityPassed(ctx, ch); err != nil {
		return err
	}
	return ch.WriteVector(ctx, []string{strconv.Itoa(value)})
}

func (s *Server) handleGet(ctx context.Context, ch *wire.Channel, state *connState, args []string) error {
	opts := group.GetOptions{Environment: map[string]string{}}
	for i := 0; i+1 < len(args); i += 2 {
		switch args[i] {
		case "appRoot":
			opts.AppRoot = args[i+1]
		case "minProcesses":
			if n, err := strconv.Atoi(args[i+1]); err == nil {
				opts.MinProcesses = n
			}
		case "maxProcesses":
			if n, err := strconv.Atoi(args[i+1]); err == nil {
				opts.MaxProcesses = n
			}
		}
	}

	if err := sendSecurityPassed(ctx, ch); err != nil {
		return err
	}

	sess, err := s.pool.Get(ctx, opts)
	if err != nil {
		return s.replyGetError(ctx, ch, err)
	}
	state.sessions[sess.SessionID()] = sess

	if err := ch.WriteVector(ctx, []string{"ok", strconv.Itoa(sess.GetPid()), strconv.FormatUint(sess.SessionID(), 10)}); err != nil {
		return err
	}
	stream := sess.DiscardStream()
	if stream == nil {
		return nil
	}
	defer stream.Close()
	return ch.SendFD(stream)
}

func (s *Server) replyGetError(ctx context.Context, ch *wire.Channel, err error) error {
	code, _ := poolerrors.CodeOf(err)
	switch code {
	case poolerrors.KindBusy:
		return ch.WriteVector(ctx, []string{"BusyException", err.Error()})
	case poolerrors.KindSpawnException:
		return ch.WriteVector(ctx, []string{"SpawnException", err.Error(), "false"})
	default:
		return ch.WriteVector(ctx, []string{"IOException", fmt.Sprintf("%v", err)})
	}
}

func (s *Server) handleInspect(ctx context.Context, ch *wire.Channel) error {
	if err := sendSecurityPassed(ctx, ch); err != nil {
		return err
	}
	report := s.pool.Inspect()
	fields := []string{"ok", strconv.Itoa(report.ApplicationCount), strconv.Itoa(report.ActiveSessions)}
	for _, app := range report.Applications {
		fields = append(fields, app.Name, app.State, strconv.Itoa(len(app.Processes)))
	}
	return ch.WriteVector(ctx, fields)
}
