package group

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheBerg/apppool/internal/poolerrors"
	"github.com/TheBerg/apppool/internal/spawner"
)

func testOptions() Options {
	return Options{
		AppRoot:       "/srv/app",
		Executable:    "/srv/app/start",
		MinProcesses:  1,
		MaxProcesses:  2,
		ShutdownGrace: 10 * time.Millisecond,
	}
}

func TestGetSpawnsUpToMax(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	g := New(testOptions(), fs)

	s1, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.NotNil(t, s1)

	// The first process has unlimited concurrency by default
	// (Concurrency==0); cap it so the second Get has to spawn.
	g.ProcessesSnapshot()[0].Concurrency = 1

	s2, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.NotNil(t, s2)

	assert.Equal(t, 2, g.ProcessCount())
	assert.Len(t, fs.Spawned(), 2)
}

func TestGetReusesIdleProcessBeforeSpawning(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	g := New(testOptions(), fs)

	s1, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.NoError(t, s1.Close(context.Background()))

	_, err = g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)

	assert.Equal(t, 1, g.ProcessCount())
	assert.Len(t, fs.Spawned(), 1)
}

func TestGetQueuesOnWaitlistWhenFull(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	opts := testOptions()
	opts.MaxProcesses = 1
	g := New(opts, fs)

	s1, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.NotNil(t, s1)

	// process has unlimited concurrency by default (Concurrency==0),
	// so force it busy to exercise the waitlist path.
	procs := g.ProcessesSnapshot()
	require.Len(t, procs, 1)
	procs[0].Concurrency = 1

	waitDone := make(chan struct{})
	go func() {
		s2, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app", Timeout: time.Second})
		require.NoError(t, err)
		require.NotNil(t, s2)
		close(waitDone)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s1.Close(context.Background()))
	g.DispatchWaitlist(context.Background())

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("waiter was never served")
	}
}

func TestGetWaitlistTimeout(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	opts := testOptions()
	opts.MaxProcesses = 1
	g := New(opts, fs)

	s1, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	procs := g.ProcessesSnapshot()
	procs[0].Concurrency = 1

	_, err = g.Get(context.Background(), GetOptions{AppRoot: "/srv/app", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	require.NoError(t, s1.Close(context.Background()))
}

func TestSpawnFailurePropagates(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	fs.FailNextSpawn()
	g := New(testOptions(), fs)

	_, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.Error(t, err)
}

func TestDetachRemovesProcess(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	g := New(testOptions(), fs)

	_, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	procs := g.ProcessesSnapshot()
	require.Len(t, procs, 1)

	var actions []func()
	g.Detach(procs[0], &actions)
	assert.Equal(t, 0, g.ProcessCount())

	for _, a := range actions {
		a()
	}
}

// fakeCapacity is a trivial group.PoolCapacity used to exercise the
// pool-wide gating a Group consults before spawning, without pulling
// in internal/pool.
type fakeCapacity struct {
	mu    sync.Mutex
	limit int
	used  int
}

func (f *fakeCapacity) TryReserve() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used >= f.limit {
		return false
	}
	f.used++
	return true
}

func (f *fakeCapacity) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used > 0 {
		f.used--
	}
}

func TestGetReturnsPoolCapacityWhenGateExhausted(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	cap := &fakeCapacity{limit: 0}
	g := NewWithCapacity(testOptions(), fs, cap)

	_, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.Error(t, err)
	code, ok := poolerrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, poolerrors.KindPoolCapacity, code)
}

func TestDetachReleasesPoolCapacity(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	cap := &fakeCapacity{limit: 1}
	g := NewWithCapacity(testOptions(), fs, cap)

	s1, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	assert.Equal(t, 1, cap.used)

	procs := g.ProcessesSnapshot()
	require.Len(t, procs, 1)
	var actions []func()
	g.Detach(procs[0], &actions)
	for _, a := range actions {
		a()
	}

	assert.Equal(t, 0, cap.used)
	require.NoError(t, s1.Close(context.Background()))
}

func TestRestartDetachesIdleImmediatelyAndDrainsBusyOnClose(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	opts := testOptions()
	opts.MaxProcesses = 2
	g := New(opts, fs)

	idle, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	// Force this process busy so the next Get spawns a second one
	// instead of reusing it.
	g.ProcessesSnapshot()[0].Concurrency = 1

	busy, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.Equal(t, 2, g.ProcessCount())

	require.NoError(t, idle.Close(context.Background()))

	var actions []func()
	g.Restart(&actions)
	for _, a := range actions {
		a()
	}

	// The idle process detached immediately; the busy one is still
	// present (draining) until its session closes.
	assert.Equal(t, 1, g.ProcessCount())

	require.NoError(t, busy.Close(context.Background()))
	assert.Equal(t, 0, g.ProcessCount())
}

func TestDisableExcessPrefersIdleOverBusy(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	opts := testOptions()
	opts.MaxProcesses = 3
	g := New(opts, fs)

	busy, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	g.ProcessesSnapshot()[0].Concurrency = 1

	idle1, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.NoError(t, idle1.Close(context.Background()))
	require.Equal(t, 2, g.ProcessCount())

	var actions []func()
	marked := g.DisableExcess(1, &actions)
	assert.Equal(t, 1, marked)
	for _, a := range actions {
		a()
	}

	// The idle process was detached, leaving only the busy one.
	assert.Equal(t, 1, g.ProcessCount())
	require.NoError(t, busy.Close(context.Background()))
}

func TestEnsurePreloaderAndCleanupSpawner(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	opts := testOptions()
	opts.PreloaderCommand = "/srv/app/preload"
	opts.MaxPreloaderIdleTime = 10 * time.Millisecond
	g := New(opts, fs)

	g.EnsurePreloader(context.Background())
	g.EnsurePreloader(context.Background())
	assert.Len(t, fs.Spawned(), 1, "a second EnsurePreloader must not spawn a duplicate")

	var actions []func()
	due := g.CleanupSpawner(time.Now(), &actions)
	assert.False(t, due.IsZero(), "preloader should not be due yet")
	assert.Empty(t, actions)

	due = g.CleanupSpawner(time.Now().Add(time.Hour), &actions)
	assert.True(t, due.IsZero())
	require.Len(t, actions, 1)
	for _, a := range actions {
		a()
	}
}

func TestVerifyInvariantsCatchesOverflow(t *testing.T) {
	fs := spawner.NewFakeSpawner()
	opts := testOptions()
	opts.MaxProcesses = 1
	g := New(opts, fs)
	_, err := g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.NoError(t, g.VerifyInvariants())

	// Two processes against a ceiling of one is an overflow.
	g.ProcessesSnapshot()[0].Concurrency = 1
	g.options.MaxProcesses = 2
	_, err = g.Get(context.Background(), GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	g.options.MaxProcesses = 1
	require.Error(t, g.VerifyInvariants())
}
