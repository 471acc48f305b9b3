package group

import (
	"context"
	"sync"

	"github.com/TheBerg/apppool/internal/poolerrors"
	"github.com/TheBerg/apppool/internal/session"
	"github.com/TheBerg/apppool/internal/spawner"
)

// SuperGroup is a thin router in front of the (usually single) Group
// backing an application; it owns the restart/destroy lifecycle that
// spans a group's individual worker processes.
type SuperGroup struct {
	Name string

	mu       sync.Mutex
	state    SuperGroupState
	groups   []*Group
	capacity PoolCapacity
}

// NewSuperGroup creates a SuperGroup with a single Group built from
// opts. capacity, when non-nil, is the pool-wide worker admission gate
// every group under this supergroup (including ones installed by a
// later Restart) will consult before spawning.
func NewSuperGroup(opts Options, sp spawner.Spawner, capacity PoolCapacity) *SuperGroup {
	return &SuperGroup{
		Name:     opts.AppRoot,
		state:    SuperGroupReady,
		capacity: capacity,
		groups:   []*Group{NewWithCapacity(opts, sp, capacity)},
	}
}

// State returns the supergroup's current lifecycle state.
func (sg *SuperGroup) State() SuperGroupState {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return sg.state
}

// Groups returns the supergroup's current groups.
func (sg *SuperGroup) Groups() []*Group {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	out := make([]*Group, len(sg.groups))
	copy(out, sg.groups)
	return out
}

// Get resolves to the supergroup's (sole, in this implementation)
// group and delegates.
func (sg *SuperGroup) Get(ctx context.Context, opts GetOptions) (*session.Session, error) {
	sg.mu.Lock()
	if sg.state == SuperGroupDestroying || sg.state == SuperGroupDestroyed {
		sg.mu.Unlock()
		return nil, poolerrors.Busy("supergroup is being destroyed").WithContext("supergroup", sg.Name)
	}
	g := sg.groups[0]
	sg.mu.Unlock()
	return g.Get(ctx, opts)
}

// Restart replaces the supergroup's groups with freshly configured
// ones built from newOpts. Replacement processes are spawned on
// demand by the new group exactly as any fresh group would be; old
// processes are transitioned to disabling and detached individually
// as each reaches zero sessions (Group.Restart), so in-flight requests
// finish undisturbed and capacity never transiently drops to zero
// (Open Question #2, see DESIGN.md).
func (sg *SuperGroup) Restart(newOpts Options, sp spawner.Spawner, actions *[]func()) {
	sg.mu.Lock()
	sg.state = SuperGroupRestarting

	old := sg.groups
	fresh := NewWithCapacity(newOpts, sp, sg.capacity)
	sg.groups = []*Group{fresh}
	sg.state = SuperGroupReady
	sg.mu.Unlock()

	for _, g := range old {
		g.mu.Lock()
		g.destroying = true
		g.mu.Unlock()
		g.Restart(actions)
	}
}

// Destroy marks the supergroup as draining: its groups stay
// resolvable (so in-flight sessions still find them) but admit no new
// requests; requests still queued on a group's waitlist fail with
// Busy. Destroyed is reached once every process is gone.
func (sg *SuperGroup) Destroy(actions *[]func()) {
	sg.mu.Lock()
	sg.state = SuperGroupDestroying
	groups := sg.groups
	sg.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		g.destroying = true
		waiters := g.waitlist
		g.waitlist = nil
		g.mu.Unlock()
		for _, w := range waiters {
			w.result <- getResult{err: poolerrors.Busy("group destroyed while request was queued").WithContext("group", g.Name)}
		}
		for _, p := range g.ProcessesSnapshot() {
			g.Detach(p, actions)
		}
	}

	sg.mu.Lock()
	sg.state = SuperGroupDestroyed
	sg.mu.Unlock()
}

// VerifyInvariants checks every owned group's invariants.
func (sg *SuperGroup) VerifyInvariants() error {
	for _, g := range sg.Groups() {
		if err := g.VerifyInvariants(); err != nil {
			return err
		}
	}
	return nil
}
