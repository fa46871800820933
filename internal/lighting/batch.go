package lighting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/light"
)

type BatchTask struct {
	id    uuid.UUID
	world chunkstore.World
	batch Batch
	env   *Env
	nearX int
	nearZ int

	state   atomic.Int32
	aborted atomic.Bool
	loaded  atomic.Int32
	saved   atomic.Int32
	units   atomic.Int32

	mu      sync.Mutex
	started time.Time
	leases  map[geom.ChunkKey]chunkstore.Chunk
	failed  []geom.ChunkKey
	result  Result
}

func NewBatchTask(w chunkstore.World, b Batch, env *Env) *BatchTask {
	b.World = w.Name()
	x, z := near(b.Chunks)
	return &BatchTask{
		id:     uuid.New(),
		world:  w,
		batch:  b,
		env:    env,
		nearX:  x,
		nearZ:  z,
		leases: map[geom.ChunkKey]chunkstore.Chunk{},
	}
}

func (t *BatchTask) ID() uuid.UUID     { return t.id }
func (t *BatchTask) Kind() string      { return "batch" }
func (t *BatchTask) WorldName() string { return t.world.Name() }
func (t *BatchTask) Batch() Batch      { return t.batch }
func (t *BatchTask) State() State      { return State(t.state.Load()) }

func (t *BatchTask) Started() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *BatchTask) Status() string {
	n := len(t.batch.Chunks)
	switch t.State() {
	case Loading:
		return fmt.Sprintf("Loaded %d/%d chunks near x=%d z=%d", t.loaded.Load(), n, t.nearX, t.nearZ)
	case Fixing:
		return fmt.Sprintf("Cleaning %d chunks near x=%d z=%d", t.units.Load(), t.nearX, t.nearZ)
	case Applying:
		return fmt.Sprintf("Saved %d/%d chunks near x=%d z=%d", t.saved.Load(), t.units.Load(), t.nearX, t.nearZ)
	case Aborted:
		return "Aborted"
	default:
		return "Done"
	}
}

func (t *BatchTask) ChunkCount() int {
	switch t.State() {
	case Loading:
		return len(t.batch.Chunks)
	case Fixing:
		return int(t.units.Load())
	case Applying:
		return int(t.units.Load() - t.saved.Load())
	default:
		return 0
	}
}

func (t *BatchTask) Pending() []Batch {
	if t.State() == Done || !t.batch.Persistable() {
		return nil
	}
	return []Batch{t.batch}
}

func (t *BatchTask) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Abort stops the task at its next check and releases held chunk leases.
func (t *BatchTask) Abort() {
	t.aborted.Store(true)
	t.releaseLeases()
}

func (t *BatchTask) isAborted(ctx context.Context) bool {
	return t.aborted.Load() || ctx.Err() != nil
}

func (t *BatchTask) releaseLeases() {
	t.mu.Lock()
	leases := t.leases
	t.leases = map[geom.ChunkKey]chunkstore.Chunk{}
	t.mu.Unlock()
	for _, c := range leases {
		c.Release()
	}
}

// advance moves to the next state; terminal states are final.
func (t *BatchTask) advance(s State) bool {
	for {
		cur := t.state.Load()
		if State(cur).Terminal() || State(cur) > s {
			return false
		}
		if t.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

func (t *BatchTask) Process(ctx context.Context) error {
	t.mu.Lock()
	t.started = time.Now()
	t.result = Result{ID: t.id, Kind: t.Kind(), World: t.world.Name(), Chunks: len(t.batch.Chunks), Started: t.started}
	t.mu.Unlock()
	defer t.releaseLeases()

	chunks := t.load(ctx)
	if t.isAborted(ctx) {
		return t.finish(Aborted)
	}

	t.advance(Fixing)
	grid, keys := t.build(chunks)
	t.units.Store(int32(len(keys)))
	stats, ok := t.env.Engine.Fix(grid, light.FixOptions{
		SkipSpread: t.batch.Options.DebugCorrupt,
		Aborted:    func() bool { return t.isAborted(ctx) },
	})
	t.mu.Lock()
	t.result.Sweeps = stats.Sweeps
	t.result.Capped = stats.Capped
	t.mu.Unlock()
	t.env.Metrics.Sweeps(stats.Sweeps)
	if !ok || t.isAborted(ctx) {
		return t.finish(Aborted)
	}

	t.advance(Applying)
	t.apply(ctx, grid, keys, chunks)
	if t.isAborted(ctx) {
		return t.finish(Aborted)
	}
	return t.finish(Done)
}

func (t *BatchTask) finish(s State) error {
	t.advance(s)
	t.mu.Lock()
	t.result.State = t.State()
	t.result.Finished = time.Now()
	res := t.result
	t.mu.Unlock()
	t.env.Metrics.TaskFinished(res.Kind, res.State.String(), res.Duration())
	if res.State == Done && !t.batch.Options.Silent {
		t.env.logf("lighting done world=%s chunks=%d failed=%d sweeps=%d sections=%d took=%s",
			res.World, res.Chunks, res.Failed, res.Sweeps, res.Sections, res.Duration().Round(time.Millisecond))
	}
	return nil
}

// load leases every chunk of the batch through a sliding admission window.
// Failed chunks are dropped and reported once, grouped by location.
func (t *BatchTask) load(ctx context.Context) map[geom.ChunkKey]chunkstore.Chunk {
	sem := semaphore.NewWeighted(int64(t.env.loadConcurrency()))
	var wg sync.WaitGroup
	for _, k := range t.batch.Chunks {
		if t.isAborted(ctx) {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		k := k
		t.env.Pool.Submit(func() {
			defer wg.Done()
			defer sem.Release(1)
			c, err := t.world.LoadChunk(ctx, k, t.batch.RegionYs)
			t.mu.Lock()
			defer t.mu.Unlock()
			if err != nil {
				t.failed = append(t.failed, k)
				return
			}
			t.loaded.Add(1)
			if t.aborted.Load() {
				c.Release()
				return
			}
			t.leases[k] = c
		})
	}
	wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	failed := len(t.failed)
	t.result.Failed = failed
	t.env.Metrics.ChunksLoaded(len(t.leases), failed)
	if failed > 0 && !t.isAborted(ctx) {
		x, z := near(t.failed)
		t.env.logf("Failed to load %d chunks near world=%s x=%d z=%d", failed, t.world.Name(), x, z)
	}
	out := make(map[geom.ChunkKey]chunkstore.Chunk, len(t.leases))
	for k, c := range t.leases {
		out[k] = c
	}
	return out
}

func (t *BatchTask) build(chunks map[geom.ChunkKey]chunkstore.Chunk) (*light.Grid, []geom.ChunkKey) {
	keys := make([]geom.ChunkKey, 0, len(chunks))
	for k := range chunks {
		keys = append(keys, k)
	}
	chunkstore.SortKeys(keys)

	grid := light.NewGrid(t.world.HasSky())
	added := keys[:0]
	for _, k := range keys {
		if _, err := grid.Add(chunks[k].Column()); err != nil {
			t.env.logf("skipping chunk world=%s %v: %v", t.world.Name(), k, err)
			continue
		}
		added = append(added, k)
	}
	return grid, added
}

type unitWrite struct {
	key     geom.ChunkKey
	patches []light.Patch
}

// apply writes changed sections concurrently and waits for them, giving up
// after the apply timeout.
func (t *BatchTask) apply(ctx context.Context, grid *light.Grid, keys []geom.ChunkKey, chunks map[geom.ChunkKey]chunkstore.Chunk) {
	var writes []unitWrite
	for _, k := range keys {
		ui, ok := grid.Lookup(k)
		if !ok {
			continue
		}
		if p := grid.Patches(ui, chunks[k].Light, t.batch.Options.ForceSave); len(p) > 0 {
			writes = append(writes, unitWrite{key: k, patches: p})
		} else {
			t.saved.Add(1)
		}
	}

	var (
		wg       sync.WaitGroup
		sections atomic.Int32
		errs     atomic.Int32
	)
	for _, uw := range writes {
		uw := uw
		wg.Add(1)
		t.env.Pool.Submit(func() {
			defer wg.Done()
			for _, p := range uw.patches {
				if t.aborted.Load() {
					return
				}
				if err := t.world.WriteLight(ctx, uw.key, p.CY, p.Category, p.Data); err != nil {
					errs.Add(1)
					t.env.logf("write light world=%s %v section=%d %s: %v", t.world.Name(), uw.key, p.CY, p.Category, err)
					continue
				}
				sections.Add(1)
			}
			t.saved.Add(1)
		})
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timedOut := t.waitApplied(ctx, done)
	if timedOut {
		x, z := near(keys)
		t.env.logf("Failed to apply lighting data for [x=%d z=%d count=%d]: Timeout", x, z, len(keys))
		t.env.Metrics.ApplyTimeout()
	}
	n := int(sections.Load())
	t.env.Metrics.SectionsWritten(n)
	t.mu.Lock()
	t.result.Sections = n
	t.result.WriteErrors = int(errs.Load())
	t.result.TimedOut = timedOut
	t.mu.Unlock()
}

// waitApplied polls until done closes, the task is aborted or the apply
// timeout passes. It reports whether the timeout was hit.
func (t *BatchTask) waitApplied(ctx context.Context, done <-chan struct{}) bool {
	deadline := time.Now().Add(t.env.applyTimeout())
	tick := time.NewTicker(t.env.applyPoll())
	defer tick.Stop()
	for {
		select {
		case <-done:
			return false
		case <-ctx.Done():
			return false
		case <-tick.C:
			if t.aborted.Load() {
				return false
			}
			if time.Now().After(deadline) {
				return true
			}
		}
	}
}
