// Package workerproc models a single worker process: its control
// channel, session bookkeeping, and lifecycle state machine.
package workerproc

import (
	"context"
	"sync"
	"time"

	"github.com/TheBerg/apppool/internal/poolerrors"
	"github.com/TheBerg/apppool/internal/spawner"
	"github.com/TheBerg/apppool/internal/wire"
)

// Role is the group-membership role of a process, mirroring the
// enabled/disabling/disabled states a group cycles workers through.
type Role int

const (
	RoleSpawning Role = iota
	RoleEnabled
	RoleDisabling
	RoleDisabled
	RoleDetached
)

func (r Role) String() string {
	switch r {
	case RoleSpawning:
		return "spawning"
	case RoleEnabled:
		return "enabled"
	case RoleDisabling:
		return "disabling"
	case RoleDisabled:
		return "disabled"
	case RoleDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// State is the coarse lifecycle state of the underlying OS process,
// derived the same way procmgr derives ProcessState: from which
// lifecycle timestamp is non-zero, most-terminal first.
type State int

const (
	StateSpawning State = iota
	StateAlive
	StateShuttingDown
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateAlive:
		return "alive"
	case StateShuttingDown:
		return "shutting_down"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Process is a handle to one worker: its control channel, open
// session count, and lifecycle bookkeeping. A Process is always
// created and owned by exactly one Group.
type Process struct {
	PID     int
	Handle  *spawner.Handle
	Channel *wire.Channel

	Concurrency int // 0 means unlimited

	mu               sync.Mutex
	role             Role
	sessions         int
	lastUsed         time.Time
	sessionIDCounter uint64

	aliveAt    time.Time
	shutdownAt time.Time
	deadAt     time.Time
}

// New wraps a freshly spawned handle as a Process in the spawning
// role; the caller transitions it to enabled once the group accepts
// it.
func New(h *spawner.Handle) *Process {
	now := time.Now()
	return &Process{
		PID:      h.PID,
		Handle:   h,
		Channel:  h.ControlChannel,
		role:     RoleSpawning,
		lastUsed: now,
		aliveAt:  now,
	}
}

// State reports the coarse lifecycle state, derived purely from which
// timestamp has been set; never cached, so it always reflects the
// latest transition.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Process) stateLocked() State {
	switch {
	case !p.deadAt.IsZero():
		return StateDead
	case !p.shutdownAt.IsZero():
		return StateShuttingDown
	case !p.aliveAt.IsZero():
		return StateAlive
	default:
		return StateSpawning
	}
}

// Role reports the process's current group-membership role.
func (p *Process) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// SetRole transitions the process to a new role. Callers are
// expected to hold their own (group-level) lock around the broader
// state change this participates in; this just guards the field.
func (p *Process) SetRole(r Role) {
	p.mu.Lock()
	p.role = r
	p.mu.Unlock()
}

// Sessions reports the number of currently open sessions.
func (p *Process) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions
}

// LastUsed reports when the process last had a session close (or was
// created, if it has never served one).
func (p *Process) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// Busy reports whether the process has no spare capacity for one more
// session; it is always false when Concurrency is 0 (unlimited).
func (p *Process) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Concurrency > 0 && p.sessions >= p.Concurrency
}

// Utilization reports a load figure for external reporting only —
// selection always uses the raw Sessions() count, never this value.
// Returns 0 when idle; otherwise the session count scaled to
// Concurrency out of 1000, or the raw session count if Concurrency is
// unlimited.
func (p *Process) Utilization() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions == 0 {
		return 0
	}
	if p.Concurrency > 0 {
		return int(float64(p.sessions) / float64(p.Concurrency) * 1000)
	}
	return p.sessions
}

// nextSessionID returns a new id for this process, monotonically
// increasing; ids are scoped to the process, not global.
func (p *Process) nextSessionID() uint64 {
	p.sessionIDCounter++
	return p.sessionIDCounter
}

// OpenSession increments the session count and returns a new session
// id. Must only be called while the caller holds the group lock that
// serializes process selection.
func (p *Process) OpenSession() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions++
	id := p.nextSessionID()
	return id
}

// CloseSession decrements the session count and updates lastUsed; it
// reports whether the process is now idle (sessions == 0), which the
// group uses to decide eligibility for garbage collection.
func (p *Process) CloseSession() (idle bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions > 0 {
		p.sessions--
	}
	p.lastUsed = time.Now()
	return p.sessions == 0
}

// MarkShuttingDown records the shutdown timestamp, transitioning
// State() to StateShuttingDown.
func (p *Process) MarkShuttingDown() {
	p.mu.Lock()
	if p.shutdownAt.IsZero() {
		p.shutdownAt = time.Now()
	}
	p.mu.Unlock()
}

// MarkDead records the death timestamp, transitioning State() to
// StateDead. Idempotent.
func (p *Process) MarkDead() {
	p.mu.Lock()
	if p.deadAt.IsZero() {
		p.deadAt = time.Now()
	}
	p.mu.Unlock()
}

// Shutdown asks the worker to exit: SIGTERM via its spawner, then
// SIGKILL if it has not exited within grace. This is called with no
// locks held by the caller.
func (p *Process) Shutdown(ctx context.Context, sp spawner.Spawner, grace time.Duration) error {
	p.MarkShuttingDown()
	if p.Channel != nil {
		_ = p.Channel.Close()
	}
	if err := sp.Signal(p.Handle, spawner.SignalTerm); err != nil {
		return poolerrors.IOException("send terminate signal").WithCause(err)
	}

	done := make(chan error, 1)
	go func() { done <- sp.Wait(p.Handle) }()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		p.MarkDead()
		return err
	case <-timer.C:
		_ = sp.Signal(p.Handle, spawner.SignalKill)
		<-done
		p.MarkDead()
		return nil
	case <-ctx.Done():
		_ = sp.Signal(p.Handle, spawner.SignalKill)
		p.MarkDead()
		return poolerrors.Interrupted("shutdown canceled").WithCause(ctx.Err())
	}
}
