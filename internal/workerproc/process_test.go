package workerproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheBerg/apppool/internal/spawner"
)

func newTestProcess() *Process {
	return New(&spawner.Handle{PID: 1234})
}

func TestProcessStateTransitions(t *testing.T) {
	p := newTestProcess()
	assert.Equal(t, StateAlive, p.State())

	p.MarkShuttingDown()
	assert.Equal(t, StateShuttingDown, p.State())

	p.MarkDead()
	assert.Equal(t, StateDead, p.State())

	// idempotent
	p.MarkDead()
	assert.Equal(t, StateDead, p.State())
}

func TestSessionCounting(t *testing.T) {
	p := newTestProcess()
	id1 := p.OpenSession()
	id2 := p.OpenSession()
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, p.Sessions())

	idle := p.CloseSession()
	assert.False(t, idle)
	idle = p.CloseSession()
	assert.True(t, idle)
	assert.Equal(t, 0, p.Sessions())
}

func TestBusyRespectsConcurrency(t *testing.T) {
	p := newTestProcess()
	p.Concurrency = 1
	assert.False(t, p.Busy())
	p.OpenSession()
	assert.True(t, p.Busy())
}

func TestBusyUnlimitedWhenZero(t *testing.T) {
	p := newTestProcess()
	p.OpenSession()
	p.OpenSession()
	p.OpenSession()
	assert.False(t, p.Busy())
}

func TestUtilizationIdleIsZero(t *testing.T) {
	p := newTestProcess()
	p.Concurrency = 4
	assert.Equal(t, 0, p.Utilization())
}

func TestUtilizationScalesToConcurrency(t *testing.T) {
	p := newTestProcess()
	p.Concurrency = 4
	p.OpenSession()
	assert.Equal(t, 250, p.Utilization())
}

func TestUtilizationRawWhenUnlimited(t *testing.T) {
	p := newTestProcess()
	p.OpenSession()
	p.OpenSession()
	assert.Equal(t, 2, p.Utilization())
}

func TestShutdownGracefulExit(t *testing.T) {
	p := newTestProcess()
	fs := spawner.NewFakeSpawner()
	err := p.Shutdown(context.Background(), fs, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateDead, p.State())
	assert.Contains(t, fs.Signals(), spawner.SignalTerm)
}
