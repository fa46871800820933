// Package chunkstore defines the chunk storage collaborator the light
// repair pipeline reads from and writes to, plus the record format shared
// by the bundled backends.
package chunkstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/light"
)

var (
	ErrNotGenerated = errors.New("chunk not generated")
	ErrUnknownWorld = errors.New("unknown world")
)

// Chunk is a lease on a loaded chunk. The backing store keeps the chunk
// resident until Release is called.
type Chunk interface {
	Key() geom.ChunkKey
	// Column returns block data and stored light of the leased sections.
	Column() light.Column
	// Light returns the stored light bytes of a section as loaded, or nil.
	Light(cy int, c light.Category) []byte
	Release()
}

// World is one chunk store.
type World interface {
	Name() string
	HasSky() bool

	// LoadChunk loads a generated chunk; it never generates one. Only
	// sections inside the given vertical regions are leased; nil means all.
	LoadChunk(ctx context.Context, key geom.ChunkKey, regionYs []int) (Chunk, error)
	WriteLight(ctx context.Context, key geom.ChunkKey, cy int, c light.Category, data []byte) error

	IsChunkGenerated(key geom.ChunkKey) bool
	IsChunkLoaded(key geom.ChunkKey) bool
	LoadedChunks() []geom.ChunkKey

	Regions() ([]geom.RegionKey, error)
	// RegionChunks lists generated chunks of one region.
	RegionChunks(r geom.RegionKey) ([]geom.ChunkKey, error)
	// RegionYs lists the vertical regions holding sections in r.
	RegionYs(r geom.RegionKey) []int

	// Flush persists pending writes.
	Flush(ctx context.Context) error
}

// Resolver looks worlds up by name.
type Resolver interface {
	World(name string) (World, bool)
	Names() []string
}

// Registry is a concurrency-safe Resolver.
type Registry struct {
	mu     sync.RWMutex
	worlds map[string]World
}

func NewRegistry(worlds ...World) *Registry {
	r := &Registry{worlds: map[string]World{}}
	for _, w := range worlds {
		r.Add(w)
	}
	return r
}

func (r *Registry) Add(w World) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.worlds[w.Name()] = w
}

func (r *Registry) World(name string) (World, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.worlds[name]
	return w, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.worlds))
	for n := range r.worlds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SortKeys orders chunk keys by x, then z.
func SortKeys(keys []geom.ChunkKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
}
