package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheBerg/apppool/internal/group"
	"github.com/TheBerg/apppool/internal/poolerrors"
	"github.com/TheBerg/apppool/internal/spawner"
)

func testPool(t *testing.T, cfg Config) (*Pool, *spawner.FakeSpawner) {
	t.Helper()
	fs := spawner.NewFakeSpawner()
	cfg.Spawner = fs
	p := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p, fs
}

func TestGetCreatesSuperGroup(t *testing.T) {
	p, _ := testPool(t, Config{Max: 10, MaxPerApp: 2})

	sess, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 1, p.GetCount())
}

// Pool.max is a hard cap on total workers, not on the number of
// distinct applications: a second application queues on the pool's
// waitlist rather than being rejected outright, and times out with
// Busy once its deadline passes.
func TestGetQueuesBeyondPoolMaxThenTimesOut(t *testing.T) {
	p, _ := testPool(t, Config{Max: 1, MaxPerApp: 2})

	s1, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.GetCount())

	_, err = p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app-b", Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	code, ok := poolerrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, poolerrors.KindBusy, code)

	require.NoError(t, s1.Close(context.Background()))
}

// Application count is unbounded; only the sum of workers across every
// application is capped.
func TestGetAllowsMultipleApplicationsUnderWorkerCap(t *testing.T) {
	p, _ := testPool(t, Config{Max: 10, MaxPerApp: 2})

	_, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app-a"})
	require.NoError(t, err)
	_, err = p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app-b"})
	require.NoError(t, err)

	assert.Equal(t, 2, p.GetCount())
	assert.Equal(t, 2, p.ApplicationCount())
}

// A request parked on the pool's waitlist because the pool-wide cap
// was exhausted is dispatched as soon as SetMax raises the cap, rather
// than waiting for its own timeout.
func TestPoolWaitlistDispatchesWhenMaxRaised(t *testing.T) {
	p, _ := testPool(t, Config{Max: 1, MaxPerApp: 2})

	s1, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app-a"})
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app-b", Timeout: 5 * time.Second})
		waitErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.SetMax(2)

	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("queued waiter was never dispatched after the pool cap was raised")
	}

	assert.Equal(t, 2, p.GetCount())
	require.NoError(t, s1.Close(context.Background()))
}

func TestGetActiveCountsSessions(t *testing.T) {
	p, _ := testPool(t, Config{Max: 10, MaxPerApp: 2})

	s1, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	s2, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)

	assert.Equal(t, 2, p.GetActive())

	require.NoError(t, s1.Close(context.Background()))
	require.NoError(t, s2.Close(context.Background()))
	assert.Equal(t, 0, p.GetActive())
}

func TestClearFailsQueuedWaitersWithBusy(t *testing.T) {
	p, _ := testPool(t, Config{Max: 10, MaxPerApp: 1})

	s1, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	procs := p.Inspect().Applications[0]
	require.Len(t, procs.Processes, 1)
	// The process has unlimited concurrency by default; cap it so the
	// second Get has to queue on the group's waitlist.
	p.superGroups["/srv/app"].Groups()[0].ProcessesSnapshot()[0].Concurrency = 1

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app", Timeout: 2 * time.Second})
		waitErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Clear(context.Background()))

	select {
	case err := <-waitErr:
		require.Error(t, err)
		code, ok := poolerrors.CodeOf(err)
		require.True(t, ok)
		assert.Equal(t, poolerrors.KindBusy, code)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not failed by Clear")
	}
	_ = s1
}

func TestInspectReportsProcesses(t *testing.T) {
	p, _ := testPool(t, Config{Max: 10, MaxPerApp: 2})
	_, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)

	report := p.Inspect()
	require.Len(t, report.Applications, 1)
	assert.Equal(t, "/srv/app", report.Applications[0].Name)
	require.Len(t, report.Applications[0].Processes, 1)
}

func TestGCDetachesIdleProcessAboveMin(t *testing.T) {
	p, fs := testPool(t, Config{Max: 10, MaxPerApp: 5, MaxIdleTime: 10 * time.Millisecond})
	_ = fs

	s1, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app", MinProcesses: 0})
	require.NoError(t, err)
	require.NoError(t, s1.Close(context.Background()))

	p.wakeGC()
	require.Eventually(t, func() bool {
		return p.Inspect().Applications[0].Processes == nil ||
			len(p.Inspect().Applications[0].Processes) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGCRespectsMinProcesses(t *testing.T) {
	p, _ := testPool(t, Config{Max: 10, MaxPerApp: 5, MaxIdleTime: 10 * time.Millisecond})

	s1, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app", MinProcesses: 1})
	require.NoError(t, err)
	require.NoError(t, s1.Close(context.Background()))

	p.wakeGC()
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, p.Inspect().Applications[0].Processes, 1)
}

func TestSetMaxIdleTimeWakesGC(t *testing.T) {
	p, _ := testPool(t, Config{Max: 10, MaxPerApp: 5})
	p.SetMaxIdleTime(5 * time.Millisecond)

	s1, err := p.Get(context.Background(), group.GetOptions{AppRoot: "/srv/app"})
	require.NoError(t, err)
	require.NoError(t, s1.Close(context.Background()))

	require.Eventually(t, func() bool {
		return len(p.Inspect().Applications[0].Processes) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
