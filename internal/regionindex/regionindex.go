// Package regionindex turns chunk requests into schedulable parts. Small
// requests become one part filtered to generated chunks; large requests are
// split per storage region with a one chunk overlap so memory per part stays
// bounded.
package regionindex

import (
	"fmt"
	"sort"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/geom"
)

// SingleBatchLimit is the largest request planned as a single part.
const SingleBatchLimit = 34 * 34

// WorldEdge is the neighborhood radius a single-part request demands to be
// generated around each chunk when SkipWorldEdge is set. Region parts only
// demand the eight direct neighbors.
const WorldEdge = 2

type Part struct {
	Chunks []geom.ChunkKey
	// RegionYs are the vertical regions the part touches; nil means all.
	RegionYs []int
}

type Options struct {
	// SkipWorldEdge drops chunks whose surrounding chunks are not all
	// generated.
	SkipWorldEdge bool
	// LoadedOnly keeps only chunks the store already has resident.
	LoadedOnly bool
}

// Index caches the generated chunk set of a world per region.
type Index struct {
	w       chunkstore.World
	regions map[geom.RegionKey]map[geom.ChunkKey]bool
}

func New(w chunkstore.World) *Index {
	return &Index{w: w, regions: map[geom.RegionKey]map[geom.ChunkKey]bool{}}
}

func (ix *Index) World() chunkstore.World { return ix.w }

// Regions lists the regions that hold at least one generated chunk.
func (ix *Index) Regions() ([]geom.RegionKey, error) {
	rs, err := ix.w.Regions()
	if err != nil {
		return nil, fmt.Errorf("list regions of %s: %w", ix.w.Name(), err)
	}
	var out []geom.RegionKey
	for _, r := range rs {
		set, err := ix.region(r)
		if err != nil {
			return nil, err
		}
		if len(set) > 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

func (ix *Index) region(r geom.RegionKey) (map[geom.ChunkKey]bool, error) {
	if set, ok := ix.regions[r]; ok {
		return set, nil
	}
	keys, err := ix.w.RegionChunks(r)
	if err != nil {
		return nil, fmt.Errorf("list chunks of region %d,%d: %w", r.RX, r.RZ, err)
	}
	set := make(map[geom.ChunkKey]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	ix.regions[r] = set
	return set, nil
}

// Contains reports whether the chunk is generated. Region read errors count
// as not generated.
func (ix *Index) Contains(k geom.ChunkKey) bool {
	set, err := ix.region(k.Region())
	return err == nil && set[k]
}

// RegionYs merges the vertical regions of r and its eight neighbors.
func (ix *Index) RegionYs(r geom.RegionKey) []int {
	seen := map[int]bool{}
	for dx := -1; dx <= 1; dx++ {
		for dz := -1; dz <= 1; dz++ {
			for _, ry := range ix.w.RegionYs(geom.RegionKey{RX: r.RX + dx, RZ: r.RZ + dz}) {
				seen[ry] = true
			}
		}
	}
	return sortedInts(seen)
}

// RegionPart is the whole region plus the generated chunks of its one chunk
// wide border, as scanned for an entire world.
func (ix *Index) RegionPart(r geom.RegionKey, opts Options) (Part, error) {
	if _, err := ix.region(r); err != nil {
		return Part{}, err
	}
	origin := r.Origin()
	var chunks []geom.ChunkKey
	for dx := -1; dx <= geom.RegionSize; dx++ {
		for dz := -1; dz <= geom.RegionSize; dz++ {
			k := geom.ChunkKey{CX: origin.CX + dx, CZ: origin.CZ + dz}
			if ix.keep(k, opts, 1) {
				chunks = append(chunks, k)
			}
		}
	}
	return Part{Chunks: chunks, RegionYs: ix.RegionYs(r)}, nil
}

// keep filters k; edge is the neighborhood radius checked for SkipWorldEdge.
func (ix *Index) keep(k geom.ChunkKey, opts Options, edge int) bool {
	if opts.LoadedOnly {
		if !ix.w.IsChunkLoaded(k) {
			return false
		}
	} else if !ix.Contains(k) {
		return false
	}
	if opts.SkipWorldEdge {
		for dx := -edge; dx <= edge; dx++ {
			for dz := -edge; dz <= edge; dz++ {
				if (dx != 0 || dz != 0) && !ix.Contains(geom.ChunkKey{CX: k.CX + dx, CZ: k.CZ + dz}) {
					return false
				}
			}
		}
	}
	return true
}

// Plan splits a chunk request. Duplicates are removed; chunks that are not
// generated never appear in the result.
func Plan(w chunkstore.World, chunks []geom.ChunkKey, opts Options) ([]Part, error) {
	ix := New(w)
	req := Dedupe(chunks)
	if len(req) <= SingleBatchLimit {
		return ix.single(req, opts), nil
	}

	want := make(map[geom.ChunkKey]bool, len(req))
	for _, k := range req {
		want[k] = true
	}
	done := map[geom.RegionKey]bool{}
	var parts []Part
	for _, first := range req {
		r := first.Region()
		if done[r] {
			continue
		}
		set, err := ix.region(r)
		if err != nil {
			return nil, err
		}
		if !set[first] {
			continue
		}
		done[r] = true

		origin := r.Origin()
		var buf []geom.ChunkKey
		for dx := -1; dx <= geom.RegionSize; dx++ {
			for dz := -1; dz <= geom.RegionSize; dz++ {
				k := geom.ChunkKey{CX: origin.CX + dx, CZ: origin.CZ + dz}
				if want[k] && ix.keep(k, opts, 1) {
					buf = append(buf, k)
				}
			}
		}
		if len(buf) > 0 {
			parts = append(parts, Part{Chunks: buf, RegionYs: ix.RegionYs(r)})
		}
	}
	return parts, nil
}

func (ix *Index) single(req []geom.ChunkKey, opts Options) []Part {
	var chunks []geom.ChunkKey
	regions := map[geom.RegionKey]bool{}
	for _, k := range req {
		if ix.keep(k, opts, WorldEdge) {
			chunks = append(chunks, k)
			regions[k.Region()] = true
		}
	}
	if len(chunks) == 0 {
		return nil
	}
	seen := map[int]bool{}
	for r := range regions {
		for _, ry := range ix.w.RegionYs(r) {
			seen[ry] = true
		}
	}
	return []Part{{Chunks: chunks, RegionYs: sortedInts(seen)}}
}

// Dedupe returns the distinct keys in x, z order.
func Dedupe(keys []geom.ChunkKey) []geom.ChunkKey {
	seen := make(map[geom.ChunkKey]bool, len(keys))
	out := make([]geom.ChunkKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	chunkstore.SortKeys(out)
	return out
}

// ChunksAround is the square of chunks within radius of a center chunk.
func ChunksAround(cx, cz, radius int) []geom.ChunkKey {
	if radius < 0 {
		return nil
	}
	out := make([]geom.ChunkKey, 0, (2*radius+1)*(2*radius+1))
	for x := cx - radius; x <= cx+radius; x++ {
		for z := cz - radius; z <= cz+radius; z++ {
			out = append(out, geom.ChunkKey{CX: x, CZ: z})
		}
	}
	return out
}

// ChunkRange is the inclusive rectangle spanned by two corner chunks.
func ChunkRange(from, to geom.ChunkKey) []geom.ChunkKey {
	if from.CX > to.CX {
		from.CX, to.CX = to.CX, from.CX
	}
	if from.CZ > to.CZ {
		from.CZ, to.CZ = to.CZ, from.CZ
	}
	out := make([]geom.ChunkKey, 0, (to.CX-from.CX+1)*(to.CZ-from.CZ+1))
	for x := from.CX; x <= to.CX; x++ {
		for z := from.CZ; z <= to.CZ; z++ {
			out = append(out, geom.ChunkKey{CX: x, CZ: z})
		}
	}
	return out
}

func sortedInts(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
