// Package memstore is an in-memory chunk store backed by the terrain
// generator. It supports injected load failures and latency for tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/light"
)

type Options struct {
	Name    string
	HasSky  bool
	Palette chunkstore.Palette

	// Generator pre-generates every chunk with |cx|,|cz| < Radius.
	Generator chunkstore.Generator
	Radius    int

	LoadLatency  time.Duration
	WriteLatency time.Duration
}

type World struct {
	name    string
	sky     bool
	palette chunkstore.Palette
	gen     chunkstore.Generator

	loadLatency  time.Duration
	writeLatency time.Duration

	mu        sync.Mutex
	chunks    map[geom.ChunkKey]*chunkstore.Record
	resident  map[geom.ChunkKey]bool
	leases    map[geom.ChunkKey]int
	failLoad  func(geom.ChunkKey) error
	writes    int
	flushes   int
	maxLeases int
}

func New(opts Options) *World {
	if opts.Palette == nil {
		opts.Palette = chunkstore.DefaultPalette
	}
	w := &World{
		name:         opts.Name,
		sky:          opts.HasSky,
		palette:      opts.Palette,
		gen:          opts.Generator,
		loadLatency:  opts.LoadLatency,
		writeLatency: opts.WriteLatency,
		chunks:       map[geom.ChunkKey]*chunkstore.Record{},
		resident:     map[geom.ChunkKey]bool{},
		leases:       map[geom.ChunkKey]int{},
	}
	for cx := -opts.Radius + 1; cx < opts.Radius; cx++ {
		for cz := -opts.Radius + 1; cz < opts.Radius; cz++ {
			k := geom.ChunkKey{CX: cx, CZ: cz}
			w.chunks[k] = opts.Generator.Generate(k)
		}
	}
	return w
}

func (w *World) Name() string { return w.name }
func (w *World) HasSky() bool { return w.sky }

// Generate adds a generated chunk, replacing any existing one.
func (w *World) Generate(k geom.ChunkKey) {
	rec := w.gen.Generate(k)
	w.Put(rec)
}

func (w *World) Put(rec *chunkstore.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunks[rec.Key()] = rec
}

// Record returns a copy of the stored chunk.
func (w *World) Record(k geom.ChunkKey) (*chunkstore.Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.chunks[k]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// SetLoadFailure installs a hook that can fail individual loads.
func (w *World) SetLoadFailure(fn func(geom.ChunkKey) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failLoad = fn
}

// MarkLoaded flags chunks as resident in the host.
func (w *World) MarkLoaded(keys ...geom.ChunkKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, k := range keys {
		w.resident[k] = true
	}
}

// Leases counts outstanding chunk leases.
func (w *World) Leases() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.leases {
		n += c
	}
	return n
}

// MaxLeases is the highest number of simultaneous leases observed.
func (w *World) MaxLeases() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxLeases
}

func (w *World) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

func (w *World) Flushes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushes
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *World) LoadChunk(ctx context.Context, k geom.ChunkKey, regionYs []int) (chunkstore.Chunk, error) {
	if err := sleepCtx(ctx, w.loadLatency); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failLoad != nil {
		if err := w.failLoad(k); err != nil {
			return nil, err
		}
	}
	rec, ok := w.chunks[k]
	if !ok {
		return nil, fmt.Errorf("load %v: %w", k, chunkstore.ErrNotGenerated)
	}
	w.leases[k]++
	total := 0
	for _, c := range w.leases {
		total += c
	}
	if total > w.maxLeases {
		w.maxLeases = total
	}
	return chunkstore.NewLease(rec.Clone(), w.palette, regionYs, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.leases[k]--; w.leases[k] <= 0 {
			delete(w.leases, k)
		}
	}), nil
}

func (w *World) WriteLight(ctx context.Context, k geom.ChunkKey, cy int, c light.Category, data []byte) error {
	if err := sleepCtx(ctx, w.writeLatency); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.chunks[k]
	if !ok {
		return fmt.Errorf("write %v: %w", k, chunkstore.ErrNotGenerated)
	}
	if err := rec.SetLight(cy, c, data); err != nil {
		return err
	}
	w.writes++
	return nil
}

func (w *World) IsChunkGenerated(k geom.ChunkKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.chunks[k]
	return ok
}

func (w *World) IsChunkLoaded(k geom.ChunkKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resident[k] || w.leases[k] > 0
}

func (w *World) LoadedChunks() []geom.ChunkKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := map[geom.ChunkKey]bool{}
	for k := range w.resident {
		seen[k] = true
	}
	for k := range w.leases {
		seen[k] = true
	}
	out := make([]geom.ChunkKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	chunkstore.SortKeys(out)
	return out
}

func (w *World) Regions() ([]geom.RegionKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := map[geom.RegionKey]bool{}
	for k := range w.chunks {
		seen[k.Region()] = true
	}
	out := make([]geom.RegionKey, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RX != out[j].RX {
			return out[i].RX < out[j].RX
		}
		return out[i].RZ < out[j].RZ
	})
	return out, nil
}

func (w *World) RegionChunks(r geom.RegionKey) ([]geom.ChunkKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []geom.ChunkKey
	for k := range w.chunks {
		if k.Region() == r {
			out = append(out, k)
		}
	}
	chunkstore.SortKeys(out)
	return out, nil
}

func (w *World) RegionYs(r geom.RegionKey) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := map[int]bool{}
	for k, rec := range w.chunks {
		if k.Region() != r {
			continue
		}
		for _, ry := range rec.RegionYs() {
			seen[ry] = true
		}
	}
	out := make([]int, 0, len(seen))
	for ry := range seen {
		out = append(out, ry)
	}
	sort.Ints(out)
	return out
}

func (w *World) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
	return ctx.Err()
}
