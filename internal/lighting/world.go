package lighting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/regionindex"
)

// assumedRegionChunks is the chunk estimate per region before it is read.
const assumedRegionChunks = 34 * 34

// WorldScanTask enumerates every region of a world and hands one batch per
// region (with a one chunk overlap) to emit. With skipEdge set, chunks
// missing any of their eight neighbors are left out.
type WorldScanTask struct {
	id       uuid.UUID
	world    chunkstore.World
	opts     Options
	skipEdge bool
	env      *Env
	emit     func(Task)

	state    atomic.Int32
	aborted  atomic.Bool
	regions  atomic.Int32
	scanned  atomic.Int32
	estimate atomic.Int64

	mu      sync.Mutex
	started time.Time
	result  Result
}

func NewWorldScanTask(w chunkstore.World, opts Options, skipEdge bool, env *Env, emit func(Task)) *WorldScanTask {
	return &WorldScanTask{id: uuid.New(), world: w, opts: opts, skipEdge: skipEdge, env: env, emit: emit}
}

func (t *WorldScanTask) ID() uuid.UUID     { return t.id }
func (t *WorldScanTask) Kind() string      { return "world" }
func (t *WorldScanTask) WorldName() string { return t.world.Name() }
func (t *WorldScanTask) State() State      { return State(t.state.Load()) }
func (t *WorldScanTask) ChunkCount() int   { return int(t.estimate.Load()) }
func (t *WorldScanTask) Abort()            { t.aborted.Store(true) }

// Pending is empty: a scan is cheap to redo and its emitted batches are
// checkpointed on their own.
func (t *WorldScanTask) Pending() []Batch { return nil }

func (t *WorldScanTask) Started() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *WorldScanTask) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *WorldScanTask) Status() string {
	switch t.State() {
	case Done:
		return "Done"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Scanning region %d/%d of world %s", t.scanned.Load(), t.regions.Load(), t.world.Name())
	}
}

func (t *WorldScanTask) Process(ctx context.Context) error {
	t.mu.Lock()
	t.started = time.Now()
	t.result = Result{ID: t.id, Kind: t.Kind(), World: t.world.Name(), Started: t.started}
	t.mu.Unlock()

	ix := regionindex.New(t.world)
	regions, err := ix.Regions()
	if err != nil {
		t.finish(Aborted, 0)
		return err
	}
	t.regions.Store(int32(len(regions)))
	t.estimate.Store(int64(len(regions) * assumedRegionChunks))

	popts := regionindex.Options{LoadedOnly: t.opts.LoadedOnly, SkipWorldEdge: t.skipEdge}
	total := 0
	for _, r := range regions {
		if t.aborted.Load() || ctx.Err() != nil {
			t.finish(Aborted, total)
			return nil
		}
		part, err := ix.RegionPart(r, popts)
		t.scanned.Add(1)
		t.estimate.Add(int64(len(part.Chunks) - assumedRegionChunks))
		if err != nil {
			t.env.logf("scan region world=%s %d,%d: %v", t.world.Name(), r.RX, r.RZ, err)
			continue
		}
		if len(part.Chunks) == 0 {
			continue
		}
		total += len(part.Chunks)
		t.emit(NewBatchTask(t.world, Batch{
			World:    t.world.Name(),
			RegionYs: part.RegionYs,
			Chunks:   part.Chunks,
			Options:  t.opts,
		}, t.env))
	}
	t.finish(Done, total)
	return nil
}

func (t *WorldScanTask) finish(s State, chunks int) {
	t.state.Store(int32(s))
	t.estimate.Store(0)
	t.mu.Lock()
	t.result.State = s
	t.result.Chunks = chunks
	t.result.Finished = time.Now()
	res := t.result
	t.mu.Unlock()
	t.env.Metrics.TaskFinished(res.Kind, s.String(), res.Duration())
}
