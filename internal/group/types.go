package group

import (
	"time"

	"github.com/TheBerg/apppool/internal/spawner"
)

// GetOptions identifies which application a caller wants a session
// from, plus admission tuning for this particular request.
type GetOptions struct {
	AppRoot     string
	Environment map[string]string
	// MinProcesses overrides the group's configured minimum, when
	// non-zero, the first time a group is created for this app.
	MinProcesses int
	// MaxProcesses overrides the group's configured maximum the same
	// way.
	MaxProcesses int
	// Timeout bounds how long the caller is willing to wait on a
	// full group's waitlist. Zero sets no deadline: the request then
	// waits until it is served or ctx ends.
	Timeout time.Duration
}

// Name derives the group identity a GetOptions resolves to. Routing
// is by application identity only, never by request content.
func (o GetOptions) Name() string {
	return o.AppRoot
}

// Options configures a Group's spawn and capacity behavior.
type Options struct {
	AppRoot              string
	Executable           string
	Args                 []string
	Environment          map[string]string
	MinProcesses         int
	MaxProcesses         int // 0 means unlimited, bounded only by the pool
	MaxPreloaderIdleTime time.Duration
	SpawnTimeout         time.Duration
	ShutdownGrace        time.Duration
	// SpawnRetries is how many additional attempts spawnProcess makes
	// after an initial failure, backing off between attempts. Zero
	// disables retrying.
	SpawnRetries int
	// PreloaderCommand, when non-empty, names a long-lived helper
	// process the group keeps warm between Get calls. It is tracked
	// and reaped on its own idle timer (MaxPreloaderIdleTime) by
	// CleanupSpawner, independently of the worker processes it
	// precedes; an empty value disables preloading for this group.
	PreloaderCommand string
}

// PoolCapacity is the pool-wide worker admission gate a Group consults
// before spawning, so that a per-group ceiling never lets the sum of
// workers across every application exceed the pool's configured
// maximum. Pool implements this; Group depends only on the interface
// to avoid importing the pool package back.
type PoolCapacity interface {
	// TryReserve atomically claims one worker slot pool-wide, or
	// reports false if the pool is already at its cap.
	TryReserve() bool
	// Release returns a previously reserved slot, e.g. after a spawn
	// fails or a worker is detached, and wakes any pool-level waiters.
	Release()
}

func (o Options) toSpawnSpec() spawner.Spec {
	return spawner.Spec{
		GroupName:    o.AppRoot,
		Executable:   o.Executable,
		Args:         o.Args,
		Environment:  o.Environment,
		StartTimeout: o.SpawnTimeout,
	}
}

// SuperGroupState is the lifecycle state of a SuperGroup.
type SuperGroupState int

const (
	SuperGroupInitializing SuperGroupState = iota
	SuperGroupReady
	SuperGroupRestarting
	SuperGroupDestroying
	SuperGroupDestroyed
)

func (s SuperGroupState) String() string {
	switch s {
	case SuperGroupInitializing:
		return "initializing"
	case SuperGroupReady:
		return "ready"
	case SuperGroupRestarting:
		return "restarting"
	case SuperGroupDestroying:
		return "destroying"
	case SuperGroupDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
