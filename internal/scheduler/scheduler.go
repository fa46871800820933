// Package scheduler drains light repair tasks one at a time, applying
// memory backpressure between tasks and checkpointing the pending queue.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/lighting"
	"voxellight.ai/internal/metrics"
	"voxellight.ai/internal/persistence/checkpoint"
	"voxellight.ai/internal/regionindex"
)

var ErrStopped = errors.New("scheduler stopped")

// RunRecorder receives every finished task.
type RunRecorder interface {
	RecordRun(lighting.Result)
}

type Config struct {
	Resolver chunkstore.Resolver
	Env      *lighting.Env
	Logger   *log.Logger
	Metrics  *metrics.Metrics

	Probe MemoryProbe
	// MinFreeMemory in bytes; 0 disables the memory ladder.
	MinFreeMemory uint64
	// MemoryBackoff is the first wait while memory stays low; it doubles
	// up to MaxMemoryBackoff.
	MemoryBackoff    time.Duration
	MaxMemoryBackoff time.Duration

	// CheckpointPath empty disables checkpoints.
	CheckpointPath  string
	CheckpointEvery int
	PausePoll       time.Duration
	SkipWorldEdge   bool
	// SaveDisabled worlds are neither flushed for memory nor checkpointed.
	SaveDisabled func(world string) bool

	Recorders []RunRecorder
}

type queued struct {
	task   lighting.Task
	chunks int
}

type Scheduler struct {
	cfg Config

	mu           sync.Mutex
	queue        *list.List
	current      lighting.Task
	queuedChunks int
	completed    int
	sinceSave    int

	paused    atomic.Bool
	lowMemory atomic.Bool
	stopped   atomic.Bool
	wake      chan struct{}
}

func New(cfg Config) *Scheduler {
	if cfg.Env == nil {
		cfg.Env = &lighting.Env{}
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 20
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = time.Second
	}
	if cfg.MemoryBackoff <= 0 {
		cfg.MemoryBackoff = time.Second
	}
	if cfg.MaxMemoryBackoff < cfg.MemoryBackoff {
		cfg.MaxMemoryBackoff = 30 * cfg.MemoryBackoff
	}
	return &Scheduler{
		cfg:   cfg,
		queue: list.New(),
		wake:  make(chan struct{}, 1),
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) saveDisabled(world string) bool {
	return s.cfg.SaveDisabled != nil && s.cfg.SaveDisabled(world)
}

func (s *Scheduler) world(name string) (chunkstore.World, error) {
	if s.cfg.Resolver == nil {
		return nil, fmt.Errorf("world %q: %w", name, chunkstore.ErrUnknownWorld)
	}
	w, ok := s.cfg.Resolver.World(name)
	if !ok {
		return nil, fmt.Errorf("world %q: %w", name, chunkstore.ErrUnknownWorld)
	}
	return w, nil
}

// Enqueue appends a task to the queue.
func (s *Scheduler) Enqueue(t lighting.Task) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	n := t.ChunkCount()
	s.mu.Lock()
	s.queue.PushBack(queued{task: t, chunks: n})
	s.queuedChunks += n
	depth, faults := s.queue.Len(), s.faultsLocked()
	s.mu.Unlock()
	s.cfg.Metrics.Queue(depth, faults)
	s.signal()
	return nil
}

// Schedule plans a chunk request and queues one batch per part. It returns
// the number of queued tasks.
func (s *Scheduler) Schedule(world string, chunks []geom.ChunkKey, opts lighting.Options) (int, error) {
	if s.stopped.Load() {
		return 0, ErrStopped
	}
	w, err := s.world(world)
	if err != nil {
		return 0, err
	}
	parts, err := regionindex.Plan(w, chunks, regionindex.Options{
		SkipWorldEdge: s.cfg.SkipWorldEdge,
		LoadedOnly:    opts.LoadedOnly,
	})
	if err != nil {
		return 0, fmt.Errorf("plan %s: %w", world, err)
	}
	for i, p := range parts {
		b := lighting.Batch{World: world, RegionYs: p.RegionYs, Chunks: p.Chunks, Options: opts}
		if err := s.Enqueue(lighting.NewBatchTask(w, b, s.cfg.Env)); err != nil {
			return i, err
		}
	}
	return len(parts), nil
}

// ScheduleArea queues the square of chunks within radius of a center chunk.
func (s *Scheduler) ScheduleArea(world string, cx, cz, radius int, opts lighting.Options) (int, error) {
	return s.Schedule(world, regionindex.ChunksAround(cx, cz, radius), opts)
}

// ScheduleWorld queues a scan that expands into one batch per region.
func (s *Scheduler) ScheduleWorld(world string, opts lighting.Options) error {
	w, err := s.world(world)
	if err != nil {
		return err
	}
	scan := lighting.NewWorldScanTask(w, opts, s.cfg.SkipWorldEdge, s.cfg.Env, func(t lighting.Task) {
		if err := s.Enqueue(t); err != nil {
			t.Abort()
		}
	})
	return s.Enqueue(scan)
}

func (s *Scheduler) SetPaused(p bool) {
	s.paused.Store(p)
	s.cfg.Metrics.Paused(p)
	s.signal()
}

func (s *Scheduler) Paused() bool { return s.paused.Load() }

// ClearTasks drops every queued task and aborts the active one.
func (s *Scheduler) ClearTasks() {
	s.mu.Lock()
	cur := s.current
	s.queue.Init()
	s.queuedChunks = 0
	s.mu.Unlock()
	if cur != nil {
		cur.Abort()
	}
	s.cfg.Metrics.Queue(0, 0)
	if !s.stopped.Load() {
		s.writeCheckpoint(nil)
	}
}

// Abort stops the scheduler for shutdown. The active task goes back to the
// front of the queue, the queue is checkpointed and then cleared. The
// aborted task restarts from scratch on the next run.
func (s *Scheduler) Abort() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	cur := s.current
	if cur != nil {
		s.queue.PushFront(queued{task: cur})
	}
	pending := s.pendingLocked(false)
	n := s.queue.Len()
	s.queue.Init()
	s.queuedChunks = 0
	s.mu.Unlock()

	if cur != nil {
		cur.Abort()
	}
	if n > 0 {
		s.logf("Writing the pending lighting tasks (%d) to file to continue later...", n)
	}
	s.writeCheckpoint(pending)
	s.signal()
}

func (s *Scheduler) faultsLocked() int {
	n := s.queuedChunks
	if s.current != nil {
		n += s.current.ChunkCount()
	}
	return n
}

// ChunkFaults estimates the chunks still waiting for repair.
func (s *Scheduler) ChunkFaults() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faultsLocked()
}

func (s *Scheduler) CurrentStatus() string {
	if s.lowMemory.Load() {
		return "Too low on available memory (paused)"
	}
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return "Finished."
	}
	return cur.Status()
}

// TaskInfo describes the active task.
type TaskInfo struct {
	ID         uuid.UUID `json:"id"`
	Kind       string    `json:"kind"`
	World      string    `json:"world"`
	State      string    `json:"state"`
	ChunkCount int       `json:"chunk_count"`
	Started    time.Time `json:"started"`
}

// Status is a point-in-time view for the admin API.
type Status struct {
	Status      string    `json:"status"`
	Paused      bool      `json:"paused"`
	LowMemory   bool      `json:"low_memory"`
	Stopped     bool      `json:"stopped"`
	Queued      int       `json:"queued"`
	ChunkFaults int       `json:"chunk_faults"`
	Completed   int       `json:"completed"`
	Current     *TaskInfo `json:"current,omitempty"`
}

func (s *Scheduler) Snapshot() Status {
	st := Status{
		Status:    s.CurrentStatus(),
		Paused:    s.paused.Load(),
		LowMemory: s.lowMemory.Load(),
		Stopped:   s.stopped.Load(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Queued = s.queue.Len()
	st.ChunkFaults = s.faultsLocked()
	st.Completed = s.completed
	if cur := s.current; cur != nil {
		st.Current = &TaskInfo{
			ID:         cur.ID(),
			Kind:       cur.Kind(),
			World:      cur.WorldName(),
			State:      cur.State().String(),
			ChunkCount: cur.ChunkCount(),
			Started:    cur.Started(),
		}
	}
	return st
}

// Restore queues the batches of a previous checkpoint. Batches of worlds
// that no longer exist are dropped with a warning.
func (s *Scheduler) Restore() (int, error) {
	if s.cfg.CheckpointPath == "" {
		return 0, nil
	}
	known := func(name string) bool {
		_, err := s.world(name)
		return err == nil
	}
	entries, err := checkpoint.Read(s.cfg.CheckpointPath, known, s.cfg.Logger)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	s.logf("Continuing previously saved lighting operations (%d)...", len(entries))
	for i, e := range entries {
		w, err := s.world(e.World)
		if err != nil {
			continue
		}
		b := lighting.Batch{World: e.World, RegionYs: e.RegionYs, Chunks: e.Chunks}
		if err := s.Enqueue(lighting.NewBatchTask(w, b, s.cfg.Env)); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}

func (s *Scheduler) pendingLocked(includeCurrent bool) []checkpoint.Entry {
	var out []checkpoint.Entry
	add := func(t lighting.Task) {
		for _, b := range t.Pending() {
			if s.saveDisabled(b.World) {
				continue
			}
			out = append(out, checkpoint.Entry{World: b.World, RegionYs: b.RegionYs, Chunks: b.Chunks})
		}
	}
	if includeCurrent && s.current != nil {
		add(s.current)
	}
	for el := s.queue.Front(); el != nil; el = el.Next() {
		add(el.Value.(queued).task)
	}
	return out
}

func (s *Scheduler) checkpoint() {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	pending := s.pendingLocked(true)
	s.mu.Unlock()
	s.writeCheckpoint(pending)
}

func (s *Scheduler) writeCheckpoint(pending []checkpoint.Entry) {
	if s.cfg.CheckpointPath == "" {
		return
	}
	if err := checkpoint.Write(s.cfg.CheckpointPath, pending); err != nil {
		s.logf("Failed to write pending light checkpoint: %v", err)
	}
}

func (s *Scheduler) next() lighting.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := s.queue.Front()
	if el == nil {
		return nil
	}
	q := s.queue.Remove(el).(queued)
	s.queuedChunks -= q.chunks
	s.current = q.task
	return q.task
}

// Run drains the queue until ctx is done or Abort is called. Cancelling
// ctx performs an Abort.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.Abort()
			return nil
		}
		if s.stopped.Load() {
			return nil
		}
		if s.paused.Load() {
			s.sleep(ctx, s.cfg.PausePoll)
			continue
		}
		task := s.next()
		if task == nil {
			select {
			case <-ctx.Done():
			case <-s.wake:
			}
			continue
		}
		s.process(ctx, task)
		if s.stopped.Load() || ctx.Err() != nil {
			continue
		}
		s.relieveMemory(ctx)
		s.afterTask(ctx, task)
	}
}

func (s *Scheduler) process(ctx context.Context, task lighting.Task) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logf("Failed to process task: %s: %v\n%s", task.Status(), r, debug.Stack())
			}
		}()
		if err := task.Process(ctx); err != nil {
			s.logf("Failed to process task: %s: %v", task.Status(), err)
		}
	}()

	res := task.Result()
	for _, r := range s.cfg.Recorders {
		r.RecordRun(res)
	}

	s.mu.Lock()
	if s.current == task {
		s.current = nil
	}
	if ctx.Err() != nil && !s.stopped.Load() && task.State() != lighting.Done {
		s.queue.PushFront(queued{task: task})
	}
	s.completed++
	s.sinceSave++
	depth, faults := s.queue.Len(), s.faultsLocked()
	s.mu.Unlock()
	s.cfg.Metrics.Queue(depth, faults)
}

// afterTask checkpoints when the queue drains, which removes the file, and
// every CheckpointEvery tasks, together with a flush of the task's world.
func (s *Scheduler) afterTask(ctx context.Context, task lighting.Task) {
	s.mu.Lock()
	empty := s.queue.Len() == 0
	due := s.sinceSave >= s.cfg.CheckpointEvery
	if empty || due {
		s.sinceSave = 0
	}
	s.mu.Unlock()

	if empty {
		s.checkpoint()
		return
	}
	if !due {
		return
	}
	s.checkpoint()
	if w, err := s.world(task.WorldName()); err == nil && !s.saveDisabled(w.Name()) {
		if err := w.Flush(ctx); err != nil {
			s.logf("flush world %s: %v", w.Name(), err)
		}
	}
}

// relieveMemory runs after every task: reclaim, then flush every world,
// then wait with growing backoff until enough memory is available. Queued
// work is never dropped.
func (s *Scheduler) relieveMemory(ctx context.Context) {
	p := s.cfg.Probe
	if p == nil || s.cfg.MinFreeMemory == 0 {
		return
	}
	p.Reclaim()
	if avail, ok := p.Available(); !ok || avail >= s.cfg.MinFreeMemory {
		return
	}

	s.logf("Saving all worlds to free some memory...")
	s.flushAll(ctx)
	p.Reclaim()
	avail, ok := p.Available()
	if !ok || avail >= s.cfg.MinFreeMemory {
		s.logf("All worlds saved. Free memory: %dMB. Continuing...", avail>>20)
		return
	}

	s.logf("Almost running out of memory still (%dMB) ...waiting for a bit", avail>>20)
	s.lowMemory.Store(true)
	defer s.lowMemory.Store(false)
	backoff := s.cfg.MemoryBackoff
	for {
		if !s.sleep(ctx, backoff) || s.stopped.Load() {
			return
		}
		p.Reclaim()
		if avail, ok := p.Available(); !ok || avail >= s.cfg.MinFreeMemory {
			return
		}
		if backoff *= 2; backoff > s.cfg.MaxMemoryBackoff {
			backoff = s.cfg.MaxMemoryBackoff
		}
	}
}

func (s *Scheduler) flushAll(ctx context.Context) {
	if s.cfg.Resolver == nil {
		return
	}
	for _, name := range s.cfg.Resolver.Names() {
		if s.saveDisabled(name) {
			continue
		}
		w, ok := s.cfg.Resolver.World(name)
		if !ok {
			continue
		}
		if err := w.Flush(ctx); err != nil {
			s.logf("flush world %s: %v", name, err)
		}
	}
}

// sleep waits for d, a wake signal or ctx. It reports false once ctx is
// done.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-t.C:
		return true
	}
}
