// Package session implements the handle a caller receives from a
// successful Get: a duplex stream to a worker process plus the
// bookkeeping needed to notify that worker when the session ends.
package session

import (
	"context"
	"log"
	"os"
	"runtime"
	"sync"

	"github.com/TheBerg/apppool/internal/poolerrors"
)

// notifier is the minimal surface a Session needs from its owning
// process to report closure; workerproc.Process satisfies it.
type notifier interface {
	CloseSession() (idle bool)
}

// Session pairs a worker process with the stream FD handed to the
// caller. It holds a plain pointer to the process and never shuts the
// process down: Close only decrements the process's session count,
// runs the OnClose callbacks and closes the local stream.
type Session struct {
	process notifier
	pid     int
	id      uint64

	mu       sync.Mutex
	stream   *os.File
	closed   bool
	notified bool
	onClose  []func()
}

// New wraps stream as a Session belonging to process, identified by
// pid/sessionID (as reported by the worker on the wire).
func New(process notifier, pid int, sessionID uint64, stream *os.File) *Session {
	s := &Session{process: process, pid: pid, id: sessionID, stream: stream}
	runtime.SetFinalizer(s, finalize)
	return s
}

func finalize(s *Session) {
	if !s.isClosed() {
		log.Printf("session: leaked session pid=%d id=%d never closed explicitly", s.pid, s.id)
		_ = s.Close(context.Background())
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// GetStream returns the underlying duplex file, or nil if the stream
// has already been closed or discarded.
func (s *Session) GetStream() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// GetPid returns the PID of the worker process that served this
// session.
func (s *Session) GetPid() int { return s.pid }

// SessionID returns the per-process id this session was assigned when
// opened, as reported to the wire client in the "ok" reply's third
// field.
func (s *Session) SessionID() uint64 { return s.id }

// OnClose registers a callback invoked when Close runs, after the
// owning process's session count has been decremented, in
// registration order. Used by internal/group to re-dispatch its
// waitlist and by internal/pool to record closure metrics, without
// session depending on either package.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// ShutdownReader half-closes the stream for reading.
func (s *Session) ShutdownReader() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	return shutdownHalf(s.stream, true)
}

// ShutdownWriter half-closes the stream for writing.
func (s *Session) ShutdownWriter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	return shutdownHalf(s.stream, false)
}

// CloseStream closes the underlying fd. Idempotent: closing an
// already-closed or discarded stream is a no-op, matching the
// original RemoteSession's fd=-1 sentinel behavior.
func (s *Session) CloseStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	if err != nil {
		return poolerrors.IOException("close session stream").WithCause(err)
	}
	return nil
}

// DiscardStream hands the caller the raw fd and forgets about it
// without closing it — the caller now owns its lifetime. Used when a
// session's stream is handed off to something else (e.g. reattached
// to another handler) rather than consumed to completion.
func (s *Session) DiscardStream() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.stream
	s.stream = nil
	return f
}

// Close ends the session: best-effort notifies the worker that the
// session is done, then closes the local stream if still open. A
// failure to notify the worker never prevents the local stream from
// being closed, and Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stream := s.stream
	s.stream = nil
	notified := s.notified
	s.notified = true
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	if !notified && s.process != nil {
		// Best-effort: the process may already be gone, or the
		// caller detached the stream before calling Close.
		s.process.CloseSession()
	}

	for _, fn := range onClose {
		fn()
	}

	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		return poolerrors.IOException("close session stream").WithCause(err)
	}
	return nil
}
