package lighting

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alitto/pond/v2"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/chunkstore/memstore"
	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/light"
	"voxellight.ai/internal/regionindex"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testEnv(t *testing.T, logs *syncBuffer) *Env {
	t.Helper()
	pool := pond.NewPool(8)
	t.Cleanup(pool.StopAndWait)
	var lg *log.Logger
	if logs != nil {
		lg = log.New(logs, "", 0)
	}
	return &Env{Pool: pool, Engine: &light.Engine{Log: lg}, Log: lg, LoadConcurrency: 4}
}

// torchWorld is 3x3 chunks of air with one torch at world 24/8/24.
func torchWorld() *memstore.World {
	w := memstore.New(memstore.Options{Name: "torch"})
	for cx := 0; cx < 3; cx++ {
		for cz := 0; cz < 3; cz++ {
			rec := &chunkstore.Record{CX: cx, CZ: cz, Sections: []chunkstore.SectionRecord{{Y: 0}}}
			if cx == 1 && cz == 1 {
				rec.SetBlock(8, 8, 8, chunkstore.Torch)
			}
			w.Put(rec)
		}
	}
	return w
}

func blockLight(t *testing.T, w *memstore.World, wx, wy, wz int) int {
	t.Helper()
	rec, ok := w.Record(geom.ChunkKey{CX: wx >> 4, CZ: wz >> 4})
	if !ok {
		t.Fatalf("no chunk at %d/%d", wx, wz)
	}
	s := rec.Section(wy >> 4)
	if s == nil {
		t.Fatalf("no section at y=%d", wy)
	}
	return light.Nibbles(s.BlockLight).Get(light.Index(wx&15, wy&15, wz&15))
}

func torchBatch() Batch {
	return Batch{Chunks: regionindex.ChunkRange(geom.ChunkKey{}, geom.ChunkKey{CX: 2, CZ: 2})}
}

func TestBatchRepairsTorchLight(t *testing.T) {
	w := torchWorld()
	task := NewBatchTask(w, torchBatch(), testEnv(t, nil))
	if task.State() != Loading || !strings.HasPrefix(task.Status(), "Loaded 0/9 chunks near x=16 z=16") {
		t.Fatalf("initial status %s %q", task.State(), task.Status())
	}
	if err := task.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if task.State() != Done || task.Status() != "Done" || task.ChunkCount() != 0 {
		t.Fatalf("final %s %q count=%d", task.State(), task.Status(), task.ChunkCount())
	}
	for d := 0; d <= 14; d++ {
		if got := blockLight(t, w, 24+d, 8, 24); got != 14-d {
			t.Fatalf("light at +%d = %d want %d", d, got, 14-d)
		}
	}
	if got := blockLight(t, w, 20, 6, 23); got != 14-4-2-1 {
		t.Fatalf("diagonal light = %d", got)
	}
	res := task.Result()
	if res.Sections != 9 || res.Failed != 0 || res.Sweeps == 0 {
		t.Fatalf("result = %+v", res)
	}
	if w.Leases() != 0 {
		t.Fatalf("%d leases leaked", w.Leases())
	}
}

func TestDebugCorruptSkipsSpread(t *testing.T) {
	w := torchWorld()
	b := torchBatch()
	b.Options.DebugCorrupt = true
	task := NewBatchTask(w, b, testEnv(t, nil))
	if err := task.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := blockLight(t, w, 24, 8, 24); got != 14 {
		t.Fatalf("source = %d", got)
	}
	if got := blockLight(t, w, 25, 8, 24); got != 13 {
		t.Fatalf("adjacent = %d want 13 from the emitter pre-pass", got)
	}
	if got := blockLight(t, w, 26, 8, 24); got != 0 {
		t.Fatalf("two away = %d want 0 without spreading", got)
	}
	if task.Result().Sweeps != 0 {
		t.Fatalf("sweeps = %d", task.Result().Sweeps)
	}
	if task.Pending() != nil {
		t.Fatalf("debug batch is persistable")
	}
}

func TestOnlyChangedSectionsWritten(t *testing.T) {
	w := torchWorld()
	env := testEnv(t, nil)
	run := func(opts Options) Result {
		t.Helper()
		b := torchBatch()
		b.Options = opts
		task := NewBatchTask(w, b, env)
		if err := task.Process(context.Background()); err != nil {
			t.Fatalf("Process: %v", err)
		}
		return task.Result()
	}
	run(Options{})
	before := w.Writes()
	if res := run(Options{}); res.Sections != 0 || w.Writes() != before {
		t.Fatalf("converged rerun wrote %d sections", res.Sections)
	}
	if res := run(Options{ForceSave: true}); res.Sections != 9 {
		t.Fatalf("force save wrote %d sections want 9", res.Sections)
	}
}

type countingWorld struct {
	*memstore.World
	cur, max atomic.Int32
}

func (c *countingWorld) LoadChunk(ctx context.Context, k geom.ChunkKey, ys []int) (chunkstore.Chunk, error) {
	n := c.cur.Add(1)
	defer c.cur.Add(-1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return c.World.LoadChunk(ctx, k, ys)
}

func TestPartialLoadFailure(t *testing.T) {
	g := chunkstore.DefaultGenerator(11)
	g.MaxSection = 1
	mem := memstore.New(memstore.Options{Name: "w", HasSky: true, Generator: g, Radius: 6})
	bad := map[geom.ChunkKey]bool{{CX: 0, CZ: 0}: true, {CX: 3, CZ: -2}: true}
	mem.SetLoadFailure(func(k geom.ChunkKey) error {
		if bad[k] {
			return errors.New("corrupt region sector")
		}
		return nil
	})
	w := &countingWorld{World: mem}

	var logs syncBuffer
	chunks := regionindex.ChunkRange(geom.ChunkKey{CX: -5, CZ: -5}, geom.ChunkKey{CX: 4, CZ: 4})
	task := NewBatchTask(w, Batch{Chunks: chunks}, testEnv(t, &logs))
	if err := task.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	res := task.Result()
	if task.State() != Done || res.Chunks != 100 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(logs.String(), "Failed to load 2 chunks near world=w") {
		t.Fatalf("failure not logged: %q", logs.String())
	}
	if m := w.max.Load(); m > 4 {
		t.Fatalf("%d loads in flight, limit 4", m)
	}
	if mem.Leases() != 0 {
		t.Fatalf("%d leases leaked", mem.Leases())
	}
	if _, ok := mem.Record(geom.ChunkKey{CX: 1, CZ: 1}); !ok || mem.Writes() == 0 {
		t.Fatalf("nothing written")
	}
}

func TestAbortReleasesLeases(t *testing.T) {
	g := chunkstore.DefaultGenerator(2)
	g.MaxSection = 0
	w := memstore.New(memstore.Options{Name: "w", Generator: g, Radius: 4, LoadLatency: 20 * time.Millisecond})
	env := testEnv(t, nil)
	env.LoadConcurrency = 2
	task := NewBatchTask(w, Batch{Chunks: regionindex.ChunksAround(0, 0, 3)}, env)

	done := make(chan error, 1)
	go func() { done <- task.Process(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	task.Abort()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("aborted task did not stop")
	}
	if task.State() != Aborted {
		t.Fatalf("state = %s", task.State())
	}
	if w.Leases() != 0 {
		t.Fatalf("%d leases leaked", w.Leases())
	}
	if p := task.Pending(); len(p) != 1 || len(p[0].Chunks) != 49 {
		t.Fatalf("pending = %+v", p)
	}
	if w.Writes() != 0 {
		t.Fatalf("aborted task wrote %d sections", w.Writes())
	}
}

func TestApplyTimeoutStillDone(t *testing.T) {
	w := torchWorld()
	var logs syncBuffer
	env := testEnv(t, &logs)
	env.ApplyTimeout = 30 * time.Millisecond
	env.ApplyPoll = 5 * time.Millisecond
	slow := memstore.New(memstore.Options{Name: "torch", WriteLatency: 200 * time.Millisecond})
	for _, k := range torchBatch().Chunks {
		rec, _ := w.Record(k)
		slow.Put(rec)
	}
	task := NewBatchTask(slow, torchBatch(), env)
	if err := task.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if task.State() != Done || !task.Result().TimedOut {
		t.Fatalf("state %s result %+v", task.State(), task.Result())
	}
	if !strings.Contains(logs.String(), "Failed to apply lighting data for [x=16 z=16 count=9]: Timeout") {
		t.Fatalf("timeout not logged: %q", logs.String())
	}
}

func TestWorldScanEmitsRegionBatches(t *testing.T) {
	g := chunkstore.DefaultGenerator(4)
	g.MaxSection = 0
	w := memstore.New(memstore.Options{Name: "w", Generator: g, Radius: 3})
	var tasks []Task
	scan := NewWorldScanTask(w, Options{}, false, testEnv(t, nil), func(task Task) { tasks = append(tasks, task) })
	if err := scan.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if scan.State() != Done || len(tasks) != 4 {
		t.Fatalf("state %s, %d batches", scan.State(), len(tasks))
	}
	total := 0
	for _, task := range tasks {
		b := task.(*BatchTask).Batch()
		if b.World != "w" || len(b.RegionYs) != 1 {
			t.Fatalf("batch = %+v", b)
		}
		total += len(b.Chunks)
	}
	// 16 + 12 + 12 + 9 with the overlap borders.
	if total != 49 {
		t.Fatalf("chunks = %d", total)
	}
	if scan.Result().Chunks != 49 || scan.Pending() != nil {
		t.Fatalf("scan result = %+v", scan.Result())
	}
}

func TestWorldScanSkipsWorldEdge(t *testing.T) {
	g := chunkstore.DefaultGenerator(4)
	g.MaxSection = 0
	w := memstore.New(memstore.Options{Name: "w", Generator: g, Radius: 3})
	var tasks []Task
	scan := NewWorldScanTask(w, Options{}, true, testEnv(t, nil), func(task Task) { tasks = append(tasks, task) })
	if err := scan.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// only -1..1 has every neighbor generated: 9 + 6 + 6 + 4 with overlaps
	total := 0
	for _, task := range tasks {
		for _, k := range task.(*BatchTask).Batch().Chunks {
			if k.CX < -1 || k.CX > 1 || k.CZ < -1 || k.CZ > 1 {
				t.Fatalf("edge chunk %v scanned", k)
			}
			total++
		}
	}
	if len(tasks) != 4 || total != 25 {
		t.Fatalf("%d batches, %d chunks", len(tasks), total)
	}
}
