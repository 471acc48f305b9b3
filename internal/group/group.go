// Package group implements the Group and SuperGroup layers of the
// pool hierarchy: admission, worker selection, the per-group
// waitlist, and spawn/detach/restart lifecycle.
package group

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/TheBerg/apppool/internal/poolerrors"
	"github.com/TheBerg/apppool/internal/session"
	"github.com/TheBerg/apppool/internal/spawner"
	"github.com/TheBerg/apppool/internal/workerproc"
)

// getWaiter is a queued Get call waiting for capacity.
type getWaiter struct {
	opts     GetOptions
	deadline time.Time
	result   chan getResult
}

type getResult struct {
	session *session.Session
	err     error
}

// Group owns one application's pool of worker processes.
type Group struct {
	Name     string
	options  Options
	spawner  spawner.Spawner
	capacity PoolCapacity

	mu         sync.Mutex
	processes  []*workerproc.Process
	preloader  *workerproc.Process
	waitlist   []*getWaiter
	spawning   int
	restarting bool
	destroying bool
}

// New creates a Group with no pool-wide capacity gate; every spawn it
// admits is bounded only by options.MaxProcesses. Used directly by
// tests that exercise group-level admission in isolation.
func New(opts Options, sp spawner.Spawner) *Group {
	return NewWithCapacity(opts, sp, nil)
}

// NewWithCapacity creates a Group whose spawns also reserve a slot
// from capacity before proceeding, so the pool's total-worker cap is
// enforced regardless of how many distinct applications are asking.
// A nil capacity behaves like New (no pool-wide gate).
func NewWithCapacity(opts Options, sp spawner.Spawner, capacity PoolCapacity) *Group {
	return &Group{Name: opts.AppRoot, options: opts, spawner: sp, capacity: capacity}
}

// Options returns the group's current configuration.
func (g *Group) Options() Options {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.options
}

// ProcessCount returns the number of non-detached processes.
func (g *Group) ProcessCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.processes)
}

// EnabledCount returns the number of processes in the enabled role.
func (g *Group) EnabledCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.processes {
		if p.Role() == workerproc.RoleEnabled {
			n++
		}
	}
	return n
}

// Get admits a request to this group: fast path picks an existing
// process with spare capacity; slow path spawns, bounded both by
// MaxProcesses and by the pool-wide capacity gate; beyond that the
// request waits on the group's FIFO waitlist until capacity frees up
// or its deadline expires. If the group itself has room but the
// pool-wide gate is exhausted, Get returns a PoolCapacity error
// instead of queuing locally — the caller (internal/pool) queues such
// requests on the pool's own waitlist, since freeing a slot may come
// from any group, not just this one.
func (g *Group) Get(ctx context.Context, opts GetOptions) (*session.Session, error) {
	g.EnsurePreloader(ctx)

	g.mu.Lock()
	if g.destroying {
		g.mu.Unlock()
		return nil, poolerrors.Busy("group is being destroyed").WithContext("group", g.Name)
	}

	if p := g.pickProcessLocked(); p != nil {
		g.mu.Unlock()
		return g.openSession(ctx, p)
	}

	if !g.canSpawnMoreLocked() {
		return g.enqueueWaiter(ctx, opts)
	}
	g.mu.Unlock()

	if !g.reserveCapacity() {
		return nil, poolerrors.PoolCapacity("pool-wide worker capacity exhausted").WithContext("group", g.Name)
	}

	g.mu.Lock()
	g.spawning++
	g.mu.Unlock()
	p, err := g.spawnProcess(ctx)
	g.mu.Lock()
	g.spawning--
	if err != nil {
		g.mu.Unlock()
		g.releaseCapacity()
		return nil, err
	}
	g.processes = append(g.processes, p)
	p.SetRole(workerproc.RoleEnabled)
	g.mu.Unlock()
	return g.openSession(ctx, p)
}

// enqueueWaiter parks opts on the group's FIFO waitlist until
// DispatchWaitlist serves it or its deadline/ctx expires. Must be
// called with g.mu held; unlocks it before blocking.
func (g *Group) enqueueWaiter(ctx context.Context, opts GetOptions) (*session.Session, error) {
	w := &getWaiter{opts: opts, result: make(chan getResult, 1)}
	if opts.Timeout > 0 {
		w.deadline = time.Now().Add(opts.Timeout)
	}
	g.waitlist = append(g.waitlist, w)
	g.mu.Unlock()

	var timerC <-chan time.Time
	if !w.deadline.IsZero() {
		timer := time.NewTimer(time.Until(w.deadline))
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case res := <-w.result:
		return res.session, res.err
	case <-timerC:
		g.removeWaiter(w)
		return nil, poolerrors.Busy("timed out waiting for group capacity").WithContext("group", g.Name)
	case <-ctx.Done():
		g.removeWaiter(w)
		return nil, poolerrors.Interrupted("get canceled while queued").WithCause(ctx.Err())
	}
}

// reserveCapacity claims a pool-wide worker slot, or reports true
// unconditionally if this group has no capacity gate (unit tests).
func (g *Group) reserveCapacity() bool {
	if g.capacity == nil {
		return true
	}
	return g.capacity.TryReserve()
}

// releaseCapacity returns a slot previously claimed by
// reserveCapacity. Safe to call even when no gate is configured.
func (g *Group) releaseCapacity() {
	if g.capacity != nil {
		g.capacity.Release()
	}
}

func (g *Group) removeWaiter(target *getWaiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waitlist {
		if w == target {
			g.waitlist = append(g.waitlist[:i], g.waitlist[i+1:]...)
			return
		}
	}
}

// pickProcessLocked selects the best enabled worker with spare
// capacity: lowest session count, tie-broken by oldest lastUsed, then
// by registration order. Must be called with g.mu held.
func (g *Group) pickProcessLocked() *workerproc.Process {
	var candidates []*workerproc.Process
	for _, p := range g.processes {
		if p.Role() == workerproc.RoleEnabled && !p.Busy() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].Sessions(), candidates[j].Sessions()
		if si != sj {
			return si < sj
		}
		return candidates[i].LastUsed().Before(candidates[j].LastUsed())
	})
	return candidates[0]
}

func (g *Group) canSpawnMoreLocked() bool {
	max := g.options.MaxProcesses
	if max == 0 {
		return true
	}
	return len(g.processes)+g.spawning < max
}

// spawnProcess spawns one worker, retrying with exponential backoff up
// to options.SpawnRetries times on failure. A ctx cancellation aborts
// retrying immediately.
func (g *Group) spawnProcess(ctx context.Context) (*workerproc.Process, error) {
	spec := g.options.toSpawnSpec()
	retries := g.options.SpawnRetries

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(spawnBackoff(attempt-1, spawnBackoffBase, spawnBackoffMax))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, poolerrors.Interrupted("spawn retry canceled").WithCause(ctx.Err())
			}
		}
		h, err := g.spawner.Spawn(ctx, spec)
		if err == nil {
			return workerproc.New(h), nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// openSession asks p for a new session over its control channel and
// wraps the resulting fd. If p has no control channel (as in unit
// tests that exercise selection/admission without a live wire
// protocol), a session with no stream is returned.
func (g *Group) openSession(ctx context.Context, p *workerproc.Process) (*session.Session, error) {
	id := p.OpenSession()
	if p.Channel == nil {
		sess := session.New(p, p.PID, id, nil)
		sess.OnClose(func() { g.onSessionClosed(p) })
		return sess, nil
	}
	if err := p.Channel.WriteVector(ctx, []string{"get"}); err != nil {
		p.CloseSession()
		return nil, err
	}
	reply, err := p.Channel.ReadVector(ctx)
	if err != nil {
		p.CloseSession()
		return nil, err
	}
	if len(reply) == 0 || reply[0] != "ok" {
		p.CloseSession()
		return nil, poolerrors.SpawnException("worker rejected get request").WithContext("reply", reply)
	}
	var stream *os.File
	stream, err = p.Channel.RecvFD()
	if err != nil {
		p.CloseSession()
		return nil, err
	}
	sess := session.New(p, p.PID, id, stream)
	sess.OnClose(func() { g.onSessionClosed(p) })
	return sess, nil
}

// onSessionClosed runs whenever any session against p ends: it
// completes a deferred disable-drain if p was waiting to reach
// sessions==0 (see Restart/DisableExcess), then re-dispatches the
// group's waitlist in case the closure freed capacity.
func (g *Group) onSessionClosed(p *workerproc.Process) {
	if p.Role() == workerproc.RoleDisabling && p.Sessions() == 0 {
		var actions []func()
		g.Detach(p, &actions)
		for _, a := range actions {
			a()
		}
	}
	g.DispatchWaitlist(context.Background())
}

// Detach removes process from the group's active set. Any cleanup
// work (closing the control channel, signalling shutdown) is
// appended to actions so the caller can run it outside the group
// lock, matching the garbage collector's two-pass detach-then-act
// shape.
func (g *Group) Detach(process *workerproc.Process, actions *[]func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, p := range g.processes {
		if p == process {
			g.processes = append(g.processes[:i], g.processes[i+1:]...)
			process.SetRole(workerproc.RoleDetached)
			sp := g.spawner
			grace := g.options.ShutdownGrace
			capacity := g.capacity
			*actions = append(*actions, func() {
				_ = process.Shutdown(context.Background(), sp, grace)
				if capacity != nil {
					capacity.Release()
				}
			})
			return
		}
	}
}

// disableProcess transitions process to the disabling role: it stops
// being selected for new sessions (pickProcessLocked filters by
// RoleEnabled) but keeps counting toward capacity until it drains. A
// process that is already idle detaches immediately instead of
// waiting for a close that will never come.
func (g *Group) disableProcess(process *workerproc.Process, actions *[]func()) {
	process.SetRole(workerproc.RoleDisabling)
	if process.Sessions() == 0 {
		g.Detach(process, actions)
	}
}

// Restart transitions every current process to disabling: idle ones
// detach immediately, busy ones drain on their next session close
// (see onSessionClosed). New sessions are served by whatever
// replacement the caller installs in place of this group (see
// SuperGroup.Restart) rather than by this Group, which keeps existing
// processes around only long enough to finish their in-flight work.
func (g *Group) Restart(actions *[]func()) {
	g.mu.Lock()
	procs := make([]*workerproc.Process, len(g.processes))
	copy(procs, g.processes)
	g.mu.Unlock()

	for _, p := range procs {
		g.disableProcess(p, actions)
	}
}

// DisableExcess marks up to excess enabled processes as disabling, so
// a lowered capacity (SetMax/SetMaxPerApp) drains extra workers
// instead of killing in-flight requests. Idle processes are preferred
// and detach immediately; busy ones are marked and drain on their next
// close. Returns how many were marked.
func (g *Group) DisableExcess(excess int, actions *[]func()) int {
	if excess <= 0 {
		return 0
	}
	g.mu.Lock()
	var idle, busy []*workerproc.Process
	for _, p := range g.processes {
		if p.Role() != workerproc.RoleEnabled {
			continue
		}
		if p.Sessions() == 0 {
			idle = append(idle, p)
		} else {
			busy = append(busy, p)
		}
	}
	g.mu.Unlock()

	marked := 0
	for _, p := range idle {
		if marked >= excess {
			return marked
		}
		g.disableProcess(p, actions)
		marked++
	}
	for _, p := range busy {
		if marked >= excess {
			return marked
		}
		g.disableProcess(p, actions)
		marked++
	}
	return marked
}

// EnsurePreloader lazily spawns the group's preloader helper if
// options.PreloaderCommand is configured and none is currently
// running. Workers are still spawned directly through spawnProcess;
// the preloader here is tracked for its own idle lifetime and
// CleanupSpawner rather than used to fork workers (see DESIGN.md).
func (g *Group) EnsurePreloader(ctx context.Context) {
	if g.options.PreloaderCommand == "" {
		return
	}
	g.mu.Lock()
	if g.preloader != nil {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	spec := spawner.Spec{
		GroupName:   g.options.AppRoot + "-preloader",
		Executable:  g.options.PreloaderCommand,
		Args:        g.options.Args,
		Environment: g.options.Environment,
	}
	h, err := g.spawner.Spawn(ctx, spec)
	if err != nil {
		return
	}
	preloader := workerproc.New(h)
	preloader.SetRole(workerproc.RoleEnabled)

	g.mu.Lock()
	if g.preloader != nil {
		// Lost a race with a concurrent EnsurePreloader; shut down the
		// duplicate and keep the one already installed.
		g.mu.Unlock()
		_ = preloader.Shutdown(context.Background(), g.spawner, g.options.ShutdownGrace)
		return
	}
	g.preloader = preloader
	g.mu.Unlock()
}

// CleanupSpawner shuts down the group's preloader once it has sat idle
// past options.MaxPreloaderIdleTime, appending its shutdown to actions
// the same way Detach does for workers. A future Get transparently
// spawns a fresh one via EnsurePreloader. Returns the time the
// preloader will become due if it isn't yet, so the garbage collector
// can factor it into its next wake-up.
func (g *Group) CleanupSpawner(now time.Time, actions *[]func()) time.Time {
	g.mu.Lock()
	p := g.preloader
	if p == nil || g.options.MaxPreloaderIdleTime <= 0 {
		g.mu.Unlock()
		return time.Time{}
	}
	dueAt := p.LastUsed().Add(g.options.MaxPreloaderIdleTime)
	if now.Before(dueAt) {
		g.mu.Unlock()
		return dueAt
	}
	g.preloader = nil
	sp := g.spawner
	grace := g.options.ShutdownGrace
	g.mu.Unlock()

	*actions = append(*actions, func() {
		_ = p.Shutdown(context.Background(), sp, grace)
	})
	return time.Time{}
}

// ProcessesSnapshot returns a copy of the group's current process
// list, safe to range over without holding the group lock.
func (g *Group) ProcessesSnapshot() []*workerproc.Process {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*workerproc.Process, len(g.processes))
	copy(out, g.processes)
	return out
}

// IdleEnabledProcesses returns enabled processes with zero open
// sessions, for the garbage collector to consider.
func (g *Group) IdleEnabledProcesses() []*workerproc.Process {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*workerproc.Process
	for _, p := range g.processes {
		if p.Role() == workerproc.RoleEnabled && p.Sessions() == 0 {
			out = append(out, p)
		}
	}
	return out
}

// MinProcesses returns the configured floor below which the group's
// process count must never fall during garbage collection.
func (g *Group) MinProcesses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.options.MinProcesses
}

// DispatchWaitlist attempts to serve queued waiters now that capacity
// may have changed: it first tries an idle enabled process, then a
// fresh spawn if MaxProcesses and pool-wide capacity still allow one.
// Called by onSessionClosed whenever a session against one of the
// group's processes closes.
func (g *Group) DispatchWaitlist(ctx context.Context) {
	for {
		g.mu.Lock()
		if len(g.waitlist) == 0 || g.destroying {
			g.mu.Unlock()
			return
		}
		if p := g.pickProcessLocked(); p != nil {
			w := g.waitlist[0]
			g.waitlist = g.waitlist[1:]
			g.mu.Unlock()

			sess, err := g.openSession(ctx, p)
			w.result <- getResult{session: sess, err: err}
			continue
		}
		if !g.canSpawnMoreLocked() {
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()

		if !g.reserveCapacity() {
			return
		}
		g.mu.Lock()
		g.spawning++
		g.mu.Unlock()
		p, err := g.spawnProcess(ctx)
		g.mu.Lock()
		g.spawning--
		if err != nil {
			g.mu.Unlock()
			g.releaseCapacity()
			return
		}
		g.processes = append(g.processes, p)
		p.SetRole(workerproc.RoleEnabled)
		if len(g.waitlist) == 0 {
			g.mu.Unlock()
			return
		}
		w := g.waitlist[0]
		g.waitlist = g.waitlist[1:]
		g.mu.Unlock()

		sess, err := g.openSession(ctx, p)
		w.result <- getResult{session: sess, err: err}
	}
}

// VerifyInvariants checks the structural invariants this group must
// always satisfy; returns an error describing the first violation
// found. Intended for use under pool.DebugInvariants.
func (g *Group) VerifyInvariants() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.options.MaxProcesses > 0 && len(g.processes) > g.options.MaxProcesses {
		return poolerrors.Runtime("group has more processes than its configured maximum").
			WithContext("group", g.Name).
			WithContext("count", len(g.processes)).
			WithContext("max", g.options.MaxProcesses)
	}
	return nil
}
