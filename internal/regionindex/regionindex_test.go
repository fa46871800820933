package regionindex

import (
	"testing"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/chunkstore/memstore"
	"voxellight.ai/internal/geom"
)

func testWorld(radius int) *memstore.World {
	g := chunkstore.DefaultGenerator(5)
	g.MaxSection = 1
	return memstore.New(memstore.Options{Name: "w", HasSky: true, Generator: g, Radius: radius})
}

func TestPlanSmallFiltersUngenerated(t *testing.T) {
	w := testWorld(40)
	req := ChunksAround(38, 0, 3)
	req = append(req, req[:5]...)
	parts, err := Plan(w, req, Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("parts = %d", len(parts))
	}
	if got := len(parts[0].Chunks); got != 5*7 {
		t.Fatalf("chunks = %d want 35", got)
	}
	for _, k := range parts[0].Chunks {
		if k.CX > 39 {
			t.Fatalf("ungenerated chunk %v planned", k)
		}
	}
	if ys := parts[0].RegionYs; len(ys) != 1 || ys[0] != 0 {
		t.Fatalf("region ys = %v", ys)
	}

	// single parts need a 5x5 generated neighborhood: cx <= 37
	parts, _ = Plan(w, req, Options{SkipWorldEdge: true})
	if got := len(parts[0].Chunks); got != 3*7 {
		t.Fatalf("edge-skipped chunks = %d want 21", got)
	}
}

func TestPlanLoadedOnly(t *testing.T) {
	w := testWorld(4)
	w.MarkLoaded(geom.ChunkKey{CX: 0, CZ: 0}, geom.ChunkKey{CX: 1, CZ: 0})
	parts, err := Plan(w, ChunksAround(0, 0, 2), Options{LoadedOnly: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(parts) != 1 || len(parts[0].Chunks) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts, _ := Plan(w, ChunksAround(100, 100, 1), Options{}); len(parts) != 0 {
		t.Fatalf("empty request planned %d parts", len(parts))
	}
}

func TestPlanLargeSplitsPerRegion(t *testing.T) {
	w := testWorld(40)
	req := ChunkRange(geom.ChunkKey{CX: 39, CZ: 39}, geom.ChunkKey{CX: -39, CZ: -39})
	if len(req) <= SingleBatchLimit {
		t.Fatalf("request too small: %d", len(req))
	}
	parts, err := Plan(w, req, Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(parts) != 16 {
		t.Fatalf("parts = %d want 16", len(parts))
	}
	want := map[geom.ChunkKey]bool{}
	for _, k := range req {
		want[k] = true
	}
	covered := map[geom.ChunkKey]bool{}
	var home *Part
	for i, p := range parts {
		for _, k := range p.Chunks {
			if !want[k] {
				t.Fatalf("part %d holds unrequested chunk %v", i, k)
			}
			covered[k] = true
		}
		for _, k := range p.Chunks {
			if k == (geom.ChunkKey{CX: 10, CZ: 10}) {
				home = &parts[i]
			}
		}
	}
	if len(covered) != len(req) {
		t.Fatalf("covered %d of %d chunks", len(covered), len(req))
	}
	if home == nil {
		t.Fatalf("no part for region 0,0")
	}
	overlap := map[geom.ChunkKey]bool{}
	for _, k := range home.Chunks {
		overlap[k] = true
	}
	for _, k := range []geom.ChunkKey{{CX: -1, CZ: 5}, {CX: 32, CZ: 0}, {CX: 32, CZ: 32}} {
		if !overlap[k] {
			t.Fatalf("overlap chunk %v missing from region 0,0 part", k)
		}
	}
	if overlap[geom.ChunkKey{CX: 33, CZ: 0}] {
		t.Fatalf("part reaches two chunks past its region")
	}
}

func TestRegionPart(t *testing.T) {
	w := testWorld(3)
	ix := New(w)
	regions, err := ix.Regions()
	if err != nil || len(regions) != 4 {
		t.Fatalf("Regions = %v, %v", regions, err)
	}
	p, err := ix.RegionPart(geom.RegionKey{}, Options{})
	if err != nil {
		t.Fatalf("RegionPart: %v", err)
	}
	// 0..2 owned plus the -1 border column on each axis.
	if len(p.Chunks) != 4*4 {
		t.Fatalf("chunks = %d want 16", len(p.Chunks))
	}

	// region parts only need the eight direct neighbors: -1..1
	p, err = ix.RegionPart(geom.RegionKey{}, Options{SkipWorldEdge: true})
	if err != nil {
		t.Fatalf("RegionPart: %v", err)
	}
	if len(p.Chunks) != 3*3 {
		t.Fatalf("edge-skipped chunks = %d want 9", len(p.Chunks))
	}
}

func TestAreaHelpers(t *testing.T) {
	if n := len(ChunksAround(5, 5, 2)); n != 25 {
		t.Fatalf("ChunksAround = %d", n)
	}
	if ChunksAround(0, 0, -1) != nil {
		t.Fatalf("negative radius")
	}
	r := ChunkRange(geom.ChunkKey{CX: 2, CZ: -1}, geom.ChunkKey{CX: 0, CZ: 1})
	if len(r) != 9 || r[0] != (geom.ChunkKey{CX: 0, CZ: -1}) {
		t.Fatalf("ChunkRange = %v", r)
	}
	d := Dedupe([]geom.ChunkKey{{CX: 1}, {CX: 0}, {CX: 1}})
	if len(d) != 2 || d[0].CX != 0 {
		t.Fatalf("Dedupe = %v", d)
	}
}
