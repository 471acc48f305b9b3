package spawner

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/TheBerg/apppool/internal/poolerrors"
	"github.com/TheBerg/apppool/internal/wire"
)

// FakeSpawner is an in-memory Spawner for tests. Each Spawn call
// returns a Handle with a nil ControlChannel by default; tests that
// need a live channel should set ChannelFactory.
type FakeSpawner struct {
	mu        sync.Mutex
	nextPID   int32
	spawned   []Spec
	failNext  bool
	signals   []SignalKind
	waitCount int

	// ChannelFactory, if set, is invoked per Spawn to produce a
	// control channel; tests typically wire it to one end of an
	// in-process socket pair created with the wire package's test
	// helpers.
	ChannelFactory func() *wire.Channel
}

// NewFakeSpawner returns a ready-to-use FakeSpawner.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{}
}

// FailNextSpawn causes the next Spawn call to return a SpawnException.
func (f *FakeSpawner) FailNextSpawn() {
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
}

func (f *FakeSpawner) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, spec)
	if f.failNext {
		f.failNext = false
		return nil, poolerrors.SpawnException("fake spawner forced failure").
			WithContext("group", spec.GroupName)
	}
	pid := int(atomic.AddInt32(&f.nextPID, 1))
	var ch *wire.Channel
	if f.ChannelFactory != nil {
		ch = f.ChannelFactory()
	}
	return &Handle{PID: pid, ControlChannel: ch}, nil
}

func (f *FakeSpawner) Signal(h *Handle, sig SignalKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *FakeSpawner) Wait(h *Handle) error {
	f.mu.Lock()
	f.waitCount++
	f.mu.Unlock()
	return nil
}

// Spawned returns the specs passed to Spawn, in order.
func (f *FakeSpawner) Spawned() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Spec, len(f.spawned))
	copy(out, f.spawned)
	return out
}

// Signals returns the signals sent so far, in order.
func (f *FakeSpawner) Signals() []SignalKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SignalKind, len(f.signals))
	copy(out, f.signals)
	return out
}

var _ Spawner = (*FakeSpawner)(nil)
