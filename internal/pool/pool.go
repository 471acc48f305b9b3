// Package pool implements the top-level Pool: the supergroup
// registry, admission across applications, and the garbage collector
// (see gc.go).
package pool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/TheBerg/apppool/internal/group"
	"github.com/TheBerg/apppool/internal/metrics"
	"github.com/TheBerg/apppool/internal/poolerrors"
	"github.com/TheBerg/apppool/internal/session"
	"github.com/TheBerg/apppool/internal/spawner"
	"github.com/TheBerg/apppool/internal/telemetry"
)

// DebugInvariants gates the extra verifyInvariants() calls at the
// entry and exit of Get. Set via APPPOOL_DEBUG_INVARIANTS=1 or by the
// caller directly; off by default since the checks walk the whole
// pool.
var DebugInvariants = os.Getenv("APPPOOL_DEBUG_INVARIANTS") == "1"

// Config configures a Pool at construction time.
type Config struct {
	Max         int // hard cap on total worker processes across every application; 0 is unlimited
	MaxPerApp   int
	MaxIdleTime time.Duration // 0 disables idle-process collection
	Spawner     spawner.Spawner
	Metrics     metrics.Collector
	Telemetry   *telemetry.Manager // optional; spans are skipped if nil
}

// Pool is the top-level scheduler: it owns every SuperGroup and
// admits Get requests against them, spawning new supergroups the
// first time an application is requested.
type Pool struct {
	spawner   spawner.Spawner
	metrics   metrics.Collector
	telemetry *telemetry.Manager

	mu           sync.Mutex
	max          int
	maxPerApp    int
	maxIdleTime  time.Duration
	superGroups  map[string]*group.SuperGroup
	totalWorkers int
	waitlist     []*poolWaiter

	gcCond   *sync.Cond
	gcWake   chan struct{}
	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

// poolWaiter is a Get call queued because the pool-wide worker cap was
// exhausted even though its target group had room of its own; see
// poolerrors.KindPoolCapacity and dispatchPoolWaitlist.
type poolWaiter struct {
	ctx      context.Context
	opts     group.GetOptions
	result   chan poolWaitResult
	deadline time.Time
}

type poolWaitResult struct {
	session *session.Session
	err     error
}

// TryReserve implements group.PoolCapacity: it claims one worker slot
// pool-wide, enforcing Pool.max as a cap on total workers rather than
// on the number of distinct applications.
func (p *Pool) TryReserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.max > 0 && p.totalWorkers >= p.max {
		return false
	}
	p.totalWorkers++
	return true
}

// Release implements group.PoolCapacity: it returns a slot previously
// claimed by TryReserve (a spawn failed, or a worker was detached) and
// wakes the pool's own waitlist in case a queued request can now
// proceed.
func (p *Pool) Release() {
	p.mu.Lock()
	if p.totalWorkers > 0 {
		p.totalWorkers--
	}
	p.mu.Unlock()
	p.dispatchPoolWaitlist()
}

// New constructs a Pool and starts its garbage collector.
func New(cfg Config) *Pool {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}
	p := &Pool{
		spawner:     cfg.Spawner,
		metrics:     cfg.Metrics,
		telemetry:   cfg.Telemetry,
		max:         cfg.Max,
		maxPerApp:   cfg.MaxPerApp,
		maxIdleTime: cfg.MaxIdleTime,
		superGroups: make(map[string]*group.SuperGroup),
		gcWake:      make(chan struct{}, 1),
		gcDone:      make(chan struct{}),
	}
	p.gcCond = sync.NewCond(&sync.Mutex{})

	ctx, cancel := context.WithCancel(context.Background())
	p.gcCancel = cancel
	go p.gcLoop(ctx)
	return p
}

// Get admits a request: resolves (creating if necessary) the
// supergroup for opts.Name() and delegates to it. Blocks, subject to
// ctx and opts.Timeout, if the pool itself is at capacity.
func (p *Pool) Get(ctx context.Context, opts group.GetOptions) (*session.Session, error) {
	p.verifyInvariants("Get:enter")
	defer p.verifyInvariants("Get:exit")

	if p.telemetry != nil {
		var span trace.Span
		ctx, span = p.telemetry.StartSpan(ctx, "pool.Get", attribute.String("group", opts.Name()))
		defer span.End()
	}

	sg, err := p.resolveSuperGroup(opts)
	if err != nil {
		return nil, err
	}
	sess, err := sg.Get(ctx, opts)
	if err != nil {
		if code, ok := poolerrors.CodeOf(err); ok && code == poolerrors.KindPoolCapacity {
			sess, err = p.queueForCapacity(ctx, opts)
		}
	}
	if err == nil {
		name := opts.Name()
		p.metrics.RecordSessionOpened(name)
		sess.OnClose(func() { p.metrics.RecordSessionClosed(name) })
		p.wakeGC()
	}
	return sess, err
}

// queueForCapacity parks a request that a group could otherwise admit
// on the pool's own waitlist, since the pool-wide worker cap — not
// this group's own ceiling — is what's exhausted. It is served in
// FIFO order by dispatchPoolWaitlist whenever a worker anywhere in the
// pool is detached or the cap is raised (spec's "pool's getWaitlist").
func (p *Pool) queueForCapacity(ctx context.Context, opts group.GetOptions) (*session.Session, error) {
	w := &poolWaiter{ctx: ctx, opts: opts, result: make(chan poolWaitResult, 1)}
	if opts.Timeout > 0 {
		w.deadline = time.Now().Add(opts.Timeout)
	}
	p.mu.Lock()
	p.waitlist = append(p.waitlist, w)
	p.mu.Unlock()

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
		p.removeWaiter(w)
		return nil, poolerrors.Busy("timed out waiting for pool-wide worker capacity").WithContext("pool", true)
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, poolerrors.Interrupted("get canceled while queued for pool capacity").WithCause(ctx.Err())
	}
}

func (p *Pool) removeWaiter(target *poolWaiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waitlist {
		if w == target {
			p.waitlist = append(p.waitlist[:i], p.waitlist[i+1:]...)
			return
		}
	}
}

// popWaiterIfMatches removes target from the head of the waitlist if
// it's still there, reporting whether it did. Used so a concurrent
// timeout/cancellation and a dispatch attempt never both deliver a
// result to the same waiter.
func (p *Pool) popWaiterIfMatches(target *poolWaiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waitlist) == 0 || p.waitlist[0] != target {
		return false
	}
	p.waitlist = p.waitlist[1:]
	return true
}

// dispatchPoolWaitlist retries queued requests in FIFO order now that
// pool-wide capacity may have changed. It stops at the first waiter
// that still can't be admitted rather than skipping ahead, preserving
// FIFO order.
func (p *Pool) dispatchPoolWaitlist() {
	for {
		p.mu.Lock()
		if len(p.waitlist) == 0 {
			p.mu.Unlock()
			return
		}
		w := p.waitlist[0]
		p.mu.Unlock()

		sg, err := p.resolveSuperGroup(w.opts)
		if err != nil {
			if p.popWaiterIfMatches(w) {
				w.result <- poolWaitResult{err: err}
			}
			continue
		}
		sess, err := sg.Get(w.ctx, w.opts)
		if err != nil {
			if code, ok := poolerrors.CodeOf(err); ok && code == poolerrors.KindPoolCapacity {
				// Still no room pool-wide; stop rather than let a
				// later, smaller waiter jump the queue.
				return
			}
		}
		if !p.popWaiterIfMatches(w) {
			// The waiter already timed out or was canceled; undo the
			// admission we just granted on its behalf.
			if err == nil {
				_ = sess.Close(context.Background())
			}
			continue
		}
		// Metrics and OnClose registration happen once the result
		// reaches queueForCapacity's caller, in Pool.Get's shared tail
		// — not here, to avoid double-counting.
		w.result <- poolWaitResult{session: sess, err: err}
	}
}

// AsyncGet runs Get in a new goroutine and invokes cb with the
// result; cb runs on that goroutine, never on the caller's.
func (p *Pool) AsyncGet(ctx context.Context, opts group.GetOptions, cb func(*session.Session, error)) {
	go func() {
		sess, err := p.Get(ctx, opts)
		cb(sess, err)
	}()
}

func (p *Pool) resolveSuperGroup(opts group.GetOptions) (*group.SuperGroup, error) {
	name := opts.Name()
	if name == "" {
		return nil, poolerrors.Runtime("get request has no application identity")
	}

	p.mu.Lock()
	if sg, ok := p.superGroups[name]; ok {
		p.mu.Unlock()
		return sg, nil
	}

	groupOpts := group.Options{
		AppRoot:      opts.AppRoot,
		Executable:   opts.AppRoot,
		Environment:  opts.Environment,
		MinProcesses: opts.MinProcesses,
		MaxProcesses: p.resolveMaxPerAppLocked(opts.MaxProcesses),
	}
	sg := group.NewSuperGroup(groupOpts, p.spawner, p)
	p.superGroups[name] = sg
	p.mu.Unlock()
	return sg, nil
}

func (p *Pool) resolveMaxPerAppLocked(requested int) int {
	if requested > 0 {
		return requested
	}
	return p.maxPerApp
}

// Clear destroys every supergroup immediately, including any with
// requests still on their waitlists; those requests fail with Busy
// (Open Question #1, see DESIGN.md) rather than being silently
// dropped or left to hang.
func (p *Pool) Clear(ctx context.Context) error {
	p.mu.Lock()
	sgs := p.superGroups
	p.superGroups = make(map[string]*group.SuperGroup)
	waiters := p.waitlist
	p.waitlist = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.result <- poolWaitResult{err: poolerrors.Busy("pool cleared while request was queued").WithContext("pool", true)}
	}

	var actions []func()
	for _, sg := range sgs {
		sg.Destroy(&actions)
	}
	for _, a := range actions {
		a()
	}
	return nil
}

// SetMax changes the pool-wide hard cap on total workers. Raising it
// wakes the pool's waitlist so queued requests can retry immediately;
// lowering it below the current worker count disables the excess so
// capacity drains down to the new cap instead of killing in-flight
// requests. Groups are visited in no particular order; within each
// group, idle processes are disabled before busy ones.
func (p *Pool) SetMax(n int) {
	p.mu.Lock()
	raised := p.max == 0 || n == 0 || n > p.max
	lowered := n > 0 && (p.max == 0 || n < p.max)
	p.max = n
	over := p.totalWorkers - n
	sgs := make([]*group.SuperGroup, 0, len(p.superGroups))
	for _, sg := range p.superGroups {
		sgs = append(sgs, sg)
	}
	p.mu.Unlock()

	if lowered && over > 0 {
		var actions []func()
		remaining := over
		for _, sg := range sgs {
			for _, g := range sg.Groups() {
				if remaining <= 0 {
					break
				}
				remaining -= g.DisableExcess(remaining, &actions)
			}
		}
		for _, a := range actions {
			a()
		}
	}
	if raised {
		p.dispatchPoolWaitlist()
	}
}

// SetMaxPerApp changes the default per-application process ceiling
// applied to supergroups created after this call.
func (p *Pool) SetMaxPerApp(n int) {
	p.mu.Lock()
	p.maxPerApp = n
	p.mu.Unlock()
}

// SetMaxIdleTime changes the idle duration after which the garbage
// collector may detach a process; zero disables idle collection.
func (p *Pool) SetMaxIdleTime(d time.Duration) {
	p.mu.Lock()
	p.maxIdleTime = d
	p.mu.Unlock()
	p.wakeGC()
}

// GetCount returns the total number of workers across every
// application, the quantity Pool.max actually bounds.
func (p *Pool) GetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalWorkers
}

// ApplicationCount returns the number of distinct applications
// currently registered, a separate figure from GetCount (total
// workers).
func (p *Pool) ApplicationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.superGroups)
}

// GetActive returns the total number of open sessions across every
// process in the pool.
func (p *Pool) GetActive() int {
	p.mu.Lock()
	sgs := make([]*group.SuperGroup, 0, len(p.superGroups))
	for _, sg := range p.superGroups {
		sgs = append(sgs, sg)
	}
	p.mu.Unlock()

	total := 0
	for _, sg := range sgs {
		for _, g := range sg.Groups() {
			for _, proc := range g.ProcessesSnapshot() {
				total += proc.Sessions()
			}
		}
	}
	return total
}

// InspectReport is a point-in-time snapshot of the pool, rendered by
// Inspect for the observability surface.
type InspectReport struct {
	ApplicationCount int
	ActiveSessions   int
	Applications     []InspectApplication
}

// InspectApplication describes one supergroup in an InspectReport.
type InspectApplication struct {
	Name      string
	State     string
	Processes []InspectProcess
}

// InspectProcess describes one worker process in an InspectReport.
type InspectProcess struct {
	PID         int
	Role        string
	State       string
	Sessions    int
	Utilization int
	LastUsed    time.Time
}

// Inspect returns a structural snapshot of the pool suitable for the
// `inspect` operator command.
func (p *Pool) Inspect() InspectReport {
	p.mu.Lock()
	names := make([]string, 0, len(p.superGroups))
	sgs := make(map[string]*group.SuperGroup, len(p.superGroups))
	for name, sg := range p.superGroups {
		names = append(names, name)
		sgs[name] = sg
	}
	p.mu.Unlock()

	report := InspectReport{ApplicationCount: len(names)}
	for _, name := range names {
		sg := sgs[name]
		app := InspectApplication{Name: name, State: sg.State().String()}
		for _, g := range sg.Groups() {
			for _, proc := range g.ProcessesSnapshot() {
				app.Processes = append(app.Processes, InspectProcess{
					PID:         proc.PID,
					Role:        proc.Role().String(),
					State:       proc.State().String(),
					Sessions:    proc.Sessions(),
					Utilization: proc.Utilization(),
					LastUsed:    proc.LastUsed(),
				})
				report.ActiveSessions += proc.Sessions()
			}
		}
		report.Applications = append(report.Applications, app)
	}
	return report
}

// Shutdown stops the garbage collector and destroys every supergroup.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.gcCancel()
	select {
	case <-p.gcDone:
	case <-ctx.Done():
	}
	return p.Clear(ctx)
}

func (p *Pool) wakeGC() {
	select {
	case p.gcWake <- struct{}{}:
	default:
	}
}

func (p *Pool) verifyInvariants(where string) {
	if !DebugInvariants {
		return
	}
	p.mu.Lock()
	sgs := make([]*group.SuperGroup, 0, len(p.superGroups))
	for _, sg := range p.superGroups {
		sgs = append(sgs, sg)
	}
	max := p.max
	workers := p.totalWorkers
	p.mu.Unlock()

	if max > 0 && workers > max {
		panic(fmt.Sprintf("pool invariant violated at %s: %d workers exceeds max %d", where, workers, max))
	}
	for _, sg := range sgs {
		if err := sg.VerifyInvariants(); err != nil {
			panic(fmt.Sprintf("pool invariant violated at %s: %v", where, err))
		}
	}
}
