// Package regionstore keeps chunk records in Anvil-style region files
// (r.<rx>.<rz>.mca, 32x32 chunks each). Every sector holds one chunk record
// encoded with chunkstore.EncodeRecord.
package regionstore

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Tnze/go-mc/save/region"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/light"
)

type Options struct {
	Name    string
	Dir     string
	HasSky  bool
	Palette chunkstore.Palette
	// CacheSize bounds the number of resident chunks without leases.
	CacheSize int
	Logger    *log.Logger
}

type entry struct {
	rec    *chunkstore.Record
	leases int
	dirty  bool
	elem   *list.Element
}

type World struct {
	name    string
	dir     string
	sky     bool
	palette chunkstore.Palette
	limit   int
	log     *log.Logger

	// io serializes region file access; go-mc regions are not safe for
	// concurrent use.
	io sync.Mutex

	mu       sync.Mutex
	cache    map[geom.ChunkKey]*entry
	lru      *list.List // idle entries, front = most recent
	regionYs map[geom.RegionKey][]int
}

func Open(opts Options) (*World, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("regionstore %q: empty dir", opts.Name)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	if opts.Palette == nil {
		opts.Palette = chunkstore.DefaultPalette
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	return &World{
		name:     opts.Name,
		dir:      opts.Dir,
		sky:      opts.HasSky,
		palette:  opts.Palette,
		limit:    opts.CacheSize,
		log:      opts.Logger,
		cache:    map[geom.ChunkKey]*entry{},
		lru:      list.New(),
		regionYs: map[geom.RegionKey][]int{},
	}, nil
}

func (w *World) Name() string { return w.name }
func (w *World) HasSky() bool { return w.sky }

func (w *World) regionPath(r geom.RegionKey) string {
	return filepath.Join(w.dir, fmt.Sprintf("r.%d.%d.mca", r.RX, r.RZ))
}

func parseRegionName(name string) (geom.RegionKey, bool) {
	if !strings.HasPrefix(name, "r.") || !strings.HasSuffix(name, ".mca") {
		return geom.RegionKey{}, false
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, "r."), ".mca"), ".")
	if len(parts) != 2 {
		return geom.RegionKey{}, false
	}
	rx, err1 := strconv.Atoi(parts[0])
	rz, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return geom.RegionKey{}, false
	}
	return geom.RegionKey{RX: rx, RZ: rz}, true
}

// withRegion opens a region file for the duration of fn. Missing files
// yield os.ErrNotExist unless create is set.
func (w *World) withRegion(r geom.RegionKey, create bool, fn func(*region.Region) error) error {
	w.io.Lock()
	defer w.io.Unlock()
	path := w.regionPath(r)
	var (
		reg *region.Region
		err error
	)
	if _, statErr := os.Stat(path); statErr == nil {
		reg, err = region.Open(path)
	} else if create && errors.Is(statErr, os.ErrNotExist) {
		reg, err = region.Create(path)
	} else {
		return statErr
	}
	if err != nil {
		return fmt.Errorf("open region %s: %w", filepath.Base(path), err)
	}
	ferr := fn(reg)
	if cerr := reg.Close(); ferr == nil && cerr != nil {
		ferr = cerr
	}
	return ferr
}

func local(k geom.ChunkKey) (int, int) { return geom.Mod(k.CX, 32), geom.Mod(k.CZ, 32) }

func (w *World) readRecord(k geom.ChunkKey) (*chunkstore.Record, error) {
	var rec *chunkstore.Record
	err := w.withRegion(k.Region(), false, func(reg *region.Region) error {
		x, z := local(k)
		if !reg.ExistSector(x, z) {
			return chunkstore.ErrNotGenerated
		}
		data, err := reg.ReadSector(x, z)
		if err != nil {
			return err
		}
		rec, err = chunkstore.DecodeRecord(data)
		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		err = chunkstore.ErrNotGenerated
	}
	if err != nil {
		return nil, fmt.Errorf("load %v: %w", k, err)
	}
	return rec, nil
}

// acquire returns the resident entry for k, reading it from disk if needed.
// The caller must hold w.mu; it is released during disk reads.
func (w *World) acquire(k geom.ChunkKey) (*entry, error) {
	if e, ok := w.cache[k]; ok {
		return e, nil
	}
	w.mu.Unlock()
	rec, err := w.readRecord(k)
	w.mu.Lock()
	if err != nil {
		return nil, err
	}
	if e, ok := w.cache[k]; ok {
		return e, nil
	}
	e := &entry{rec: rec}
	e.elem = w.lru.PushFront(k)
	w.cache[k] = e
	return e, nil
}

func (w *World) touch(e *entry) {
	if e.elem != nil {
		w.lru.MoveToFront(e.elem)
	}
}

// evictLocked drops idle clean entries beyond the cache limit.
func (w *World) evictLocked() {
	for el := w.lru.Back(); el != nil && len(w.cache) > w.limit; {
		prev := el.Prev()
		k := el.Value.(geom.ChunkKey)
		if e := w.cache[k]; e != nil && e.leases == 0 && !e.dirty {
			w.lru.Remove(el)
			delete(w.cache, k)
		}
		el = prev
	}
}

func (w *World) LoadChunk(ctx context.Context, k geom.ChunkKey, regionYs []int) (chunkstore.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.acquire(k)
	if err != nil {
		return nil, err
	}
	e.leases++
	w.touch(e)
	return chunkstore.NewLease(e.rec.Clone(), w.palette, regionYs, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		e.leases--
		w.evictLocked()
	}), nil
}

func (w *World) WriteLight(ctx context.Context, k geom.ChunkKey, cy int, c light.Category, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.acquire(k)
	if err != nil {
		return err
	}
	if err := e.rec.SetLight(cy, c, data); err != nil {
		return err
	}
	e.dirty = true
	w.touch(e)
	return nil
}

// Put stores a whole record; it is written on the next Flush.
func (w *World) Put(rec *chunkstore.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := rec.Key()
	delete(w.regionYs, k.Region())
	if e, ok := w.cache[k]; ok {
		e.rec = rec
		e.dirty = true
		w.touch(e)
		return
	}
	e := &entry{rec: rec, dirty: true}
	e.elem = w.lru.PushFront(k)
	w.cache[k] = e
}

func (w *World) IsChunkGenerated(k geom.ChunkKey) bool {
	w.mu.Lock()
	if _, ok := w.cache[k]; ok {
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()
	exists := false
	_ = w.withRegion(k.Region(), false, func(reg *region.Region) error {
		x, z := local(k)
		exists = reg.ExistSector(x, z)
		return nil
	})
	return exists
}

func (w *World) IsChunkLoaded(k geom.ChunkKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.cache[k]
	return ok
}

func (w *World) LoadedChunks() []geom.ChunkKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]geom.ChunkKey, 0, len(w.cache))
	for k := range w.cache {
		out = append(out, k)
	}
	chunkstore.SortKeys(out)
	return out
}

func (w *World) Regions() ([]geom.RegionKey, error) {
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	seen := map[geom.RegionKey]bool{}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if r, ok := parseRegionName(e.Name()); ok {
			seen[r] = true
		}
	}
	w.mu.Lock()
	for k, e := range w.cache {
		if e.dirty {
			seen[k.Region()] = true
		}
	}
	w.mu.Unlock()
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
	seen := map[geom.ChunkKey]bool{}
	err := w.withRegion(r, false, func(reg *region.Region) error {
		origin := r.Origin()
		for x := 0; x < 32; x++ {
			for z := 0; z < 32; z++ {
				if reg.ExistSector(x, z) {
					seen[geom.ChunkKey{CX: origin.CX + x, CZ: origin.CZ + z}] = true
				}
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	w.mu.Lock()
	for k := range w.cache {
		if k.Region() == r {
			seen[k] = true
		}
	}
	w.mu.Unlock()
	out := make([]geom.ChunkKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	chunkstore.SortKeys(out)
	return out, nil
}

func (w *World) RegionYs(r geom.RegionKey) []int {
	w.mu.Lock()
	if ys, ok := w.regionYs[r]; ok {
		w.mu.Unlock()
		return ys
	}
	w.mu.Unlock()

	keys, err := w.RegionChunks(r)
	if err != nil {
		if w.log != nil {
			w.log.Printf("region ys %s %d,%d: %v", w.name, r.RX, r.RZ, err)
		}
		return nil
	}
	seen := map[int]bool{}
	for _, k := range keys {
		var rec *chunkstore.Record
		w.mu.Lock()
		if e, ok := w.cache[k]; ok {
			rec = e.rec
		}
		w.mu.Unlock()
		if rec == nil {
			if rec, err = w.readRecord(k); err != nil {
				continue
			}
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
	w.mu.Lock()
	w.regionYs[r] = out
	w.mu.Unlock()
	return out
}

// Flush writes every dirty chunk back to its region file.
func (w *World) Flush(ctx context.Context) error {
	w.mu.Lock()
	byRegion := map[geom.RegionKey]map[geom.ChunkKey][]byte{}
	for k, e := range w.cache {
		if !e.dirty {
			continue
		}
		data, err := chunkstore.EncodeRecord(e.rec)
		if err != nil {
			w.mu.Unlock()
			return fmt.Errorf("encode %v: %w", k, err)
		}
		if byRegion[k.Region()] == nil {
			byRegion[k.Region()] = map[geom.ChunkKey][]byte{}
		}
		byRegion[k.Region()][k] = data
		e.dirty = false
	}
	w.mu.Unlock()

	var errs []error
	for r, chunks := range byRegion {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			w.redirty(chunks)
			continue
		}
		err := w.withRegion(r, true, func(reg *region.Region) error {
			for k, data := range chunks {
				x, z := local(k)
				if err := reg.WriteSector(x, z, data); err != nil {
					return fmt.Errorf("write %v: %w", k, err)
				}
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			w.redirty(chunks)
		}
	}

	w.mu.Lock()
	w.evictLocked()
	w.mu.Unlock()
	return errors.Join(errs...)
}

func (w *World) redirty(chunks map[geom.ChunkKey][]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k := range chunks {
		if e, ok := w.cache[k]; ok {
			e.dirty = true
		}
	}
}
