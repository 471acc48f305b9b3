package pool

import (
	"context"
	"time"

	"github.com/TheBerg/apppool/internal/group"
	"github.com/TheBerg/apppool/internal/metrics"
)

const (
	// defaultGCSleep is used when no maxIdleTime is configured and no
	// candidate process has a known GC time yet; ported from the 10
	// minute fallback in realGarbageCollect.
	defaultGCSleep = 10 * time.Minute
)

// gcState accumulates one garbage-collection sweep's findings, mirror
// of GarbageCollectorState.
type gcState struct {
	now           time.Time
	nextGCRunTime time.Time
	actions       []func()
	detached      int
}

func (s *gcState) maybeUpdateNextGCTime(candidate time.Time) {
	if s.nextGCRunTime.IsZero() || candidate.Before(s.nextGCRunTime) {
		s.nextGCRunTime = candidate
	}
}

// gcLoop is the garbage collector's goroutine: sleep until woken or
// until the previous sweep's computed deadline, then sweep again.
// Mirrors garbageCollect()'s condition-variable loop in
// GarbageCollection.h, substituting a channel select for the
// condition variable timed_wait.
func (p *Pool) gcLoop(ctx context.Context) {
	defer close(p.gcDone)

	sleep := 5 * time.Second // initial tick, matches the source's fixed first wait
	for {
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.gcWake:
			timer.Stop()
		case <-timer.C:
		}

		sleep = p.sweep()
	}
}

// sweep runs one garbage-collection pass over every supergroup/group
// and returns how long to sleep before the next one.
func (p *Pool) sweep() time.Duration {
	p.mu.Lock()
	maxIdleTime := p.maxIdleTime
	sgs := make([]*group.SuperGroup, 0, len(p.superGroups))
	for _, sg := range p.superGroups {
		sgs = append(sgs, sg)
	}
	p.mu.Unlock()

	state := &gcState{now: time.Now()}
	started := time.Now()

	for _, sg := range sgs {
		for _, g := range sg.Groups() {
			if maxIdleTime > 0 {
				collectIdleProcesses(state, g, maxIdleTime, p.metrics)
			}
			maybeCleanPreloader(state, g)
		}
	}

	for _, action := range state.actions {
		action()
	}

	p.metrics.RecordGCSweep(time.Since(started), state.detached)
	p.metrics.SetApplicationCount(len(sgs))
	p.metrics.SetActiveSessionCount(p.GetActive())

	return nextSleep(state, maxIdleTime)
}

// collectIdleProcesses detaches every enabled process in g that has
// been idle past maxIdleTime, as long as doing so would not drop the
// group below its configured minimum. Ported from
// garbageCollectProcessesInGroup/checkWhetherProcessCanBeGarbageCollected.
func collectIdleProcesses(state *gcState, g *group.Group, maxIdleTime time.Duration, collector metrics.Collector) {
	min := g.MinProcesses()
	count := g.ProcessCount()

	for _, proc := range g.IdleEnabledProcesses() {
		gcTime := proc.LastUsed().Add(maxIdleTime)
		if state.now.After(gcTime) || state.now.Equal(gcTime) {
			if count <= min {
				continue
			}
			count--
			state.detached++
			g.Detach(proc, &state.actions)
			collector.RecordDetach(g.Name, "idle")
		} else {
			state.maybeUpdateNextGCTime(gcTime)
		}
	}
}

// maybeCleanPreloader shuts down g's preloader helper once it has sat
// idle past options.MaxPreloaderIdleTime, mirroring
// collectIdleProcesses's detach-and-record shape but for the group's
// single preloader handle instead of its workers.
func maybeCleanPreloader(state *gcState, g *group.Group) {
	if due := g.CleanupSpawner(state.now, &state.actions); !due.IsZero() {
		state.maybeUpdateNextGCTime(due)
	}
}

// nextSleep computes how long the GC should sleep before its next
// sweep, ported verbatim from realGarbageCollect's sleepTime logic:
// the minimum candidate GC time if one exists, else maxIdleTime if
// configured, else a fixed fallback.
func nextSleep(state *gcState, maxIdleTime time.Duration) time.Duration {
	if state.nextGCRunTime.IsZero() || !state.nextGCRunTime.After(state.now) {
		if maxIdleTime == 0 {
			return defaultGCSleep
		}
		return maxIdleTime
	}
	return state.nextGCRunTime.Sub(state.now)
}
