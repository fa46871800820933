// Package lighting runs light repair tasks: a BatchTask loads a set of
// chunks, relaxes their light with the light engine and writes changed
// sections back; a WorldScanTask expands a whole world into per-region
// batches.
package lighting

import (
	"context"
	"log"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"

	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/light"
	"voxellight.ai/internal/metrics"
)

type State int32

const (
	Loading State = iota
	Fixing
	Applying
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Loading:
		return "LOADING"
	case Fixing:
		return "FIXING"
	case Applying:
		return "APPLYING"
	case Done:
		return "DONE"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool { return s == Done || s == Aborted }

type Options struct {
	// DebugCorrupt skips spreading so raw initial values are written.
	DebugCorrupt bool
	// LoadedOnly restricts the request to chunks already resident.
	LoadedOnly bool
	// ForceSave writes every section, changed or not.
	ForceSave bool
	// Silent suppresses the completion log line.
	Silent bool
}

// Batch is one deduplicated chunk set of a world.
type Batch struct {
	World string
	// RegionYs nil means every vertical region.
	RegionYs []int
	Chunks   []geom.ChunkKey
	Options  Options
}

// Persistable reports whether the batch may be checkpointed. Debug and
// loaded-only requests describe transient state and are never saved.
func (b Batch) Persistable() bool {
	return !b.Options.DebugCorrupt && !b.Options.LoadedOnly
}

// Result summarizes a finished task.
type Result struct {
	ID       uuid.UUID
	Kind     string
	World    string
	State    State
	Chunks   int
	Failed   int
	Sweeps   int
	Capped   int
	Sections int
	// WriteErrors counts sections the store refused.
	WriteErrors int
	TimedOut    bool
	Started     time.Time
	Finished    time.Time
}

func (r Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }

type Task interface {
	ID() uuid.UUID
	Kind() string
	WorldName() string
	State() State
	Status() string
	// ChunkCount estimates the chunks this task still has to repair.
	ChunkCount() int
	Started() time.Time
	// Process runs the task to completion or abort. Errors are unexpected
	// failures; per-chunk problems are logged and absorbed.
	Process(ctx context.Context) error
	Abort()
	// Pending lists the batches to checkpoint if the task has not finished.
	Pending() []Batch
	Result() Result
}

// Env carries the shared machinery tasks run on.
type Env struct {
	// Pool runs chunk loads and section writes.
	Pool    pond.Pool
	Engine  *light.Engine
	Log     *log.Logger
	Metrics *metrics.Metrics

	LoadConcurrency int
	ApplyTimeout    time.Duration
	ApplyPoll       time.Duration
}

const (
	DefaultLoadConcurrency = 50
	DefaultApplyTimeout    = 10 * time.Minute
	DefaultApplyPoll       = 200 * time.Millisecond
)

func (e *Env) loadConcurrency() int {
	if e.LoadConcurrency <= 0 {
		return DefaultLoadConcurrency
	}
	return e.LoadConcurrency
}

func (e *Env) applyTimeout() time.Duration {
	if e.ApplyTimeout <= 0 {
		return DefaultApplyTimeout
	}
	return e.ApplyTimeout
}

func (e *Env) applyPoll() time.Duration {
	if e.ApplyPoll <= 0 {
		return DefaultApplyPoll
	}
	return e.ApplyPoll
}

func (e *Env) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

// near is the average block position of a chunk set.
func near(keys []geom.ChunkKey) (x, z int) {
	if len(keys) == 0 {
		return 0, 0
	}
	var sx, sz int64
	for _, k := range keys {
		sx += int64(k.CX)
		sz += int64(k.CZ)
	}
	n := int64(len(keys))
	return int(sx/n) * geom.ChunkSize, int(sz/n) * geom.ChunkSize
}
