package chunkstore

import (
	"bytes"
	"testing"

	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/light"
)

func TestGeneratorDeterministic(t *testing.T) {
	g := DefaultGenerator(42)
	a := g.Generate(geom.ChunkKey{CX: 3, CZ: -2})
	b := g.Generate(geom.ChunkKey{CX: 3, CZ: -2})
	if len(a.Sections) != g.MaxSection-g.MinSection+1 {
		t.Fatalf("sections = %d", len(a.Sections))
	}
	for y := 0; y < 64; y++ {
		for x := 0; x < 16; x++ {
			if a.Block(x, y, 7) != b.Block(x, y, 7) {
				t.Fatalf("block %d/%d/7 differs", x, y)
			}
		}
	}
	if a.Block(4, 0, 4) == Air {
		t.Fatalf("bedrock layer is air")
	}
}

func TestRecordCodec(t *testing.T) {
	g := DefaultGenerator(7)
	g.Corrupt = true
	rec := g.Generate(geom.ChunkKey{CX: -1, CZ: 9})
	data, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	got, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if got.Key() != rec.Key() || len(got.Sections) != len(rec.Sections) {
		t.Fatalf("decoded %v with %d sections", got.Key(), len(got.Sections))
	}
	for i := range rec.Sections {
		if !bytes.Equal(got.Sections[i].SkyLight, rec.Sections[i].SkyLight) {
			t.Fatalf("section %d sky light differs", i)
		}
	}
	if _, err := DecodeRecord([]byte("garbage")); err == nil {
		t.Fatalf("garbage decoded")
	}
}

func TestToColumn(t *testing.T) {
	rec := &Record{Sections: []SectionRecord{{Y: 0}, {Y: 1}, {Y: 40}}}
	rec.SetBlock(1, 2, 3, Stone)
	rec.SetBlock(4, 5, 6, Torch)
	rec.SetBlock(7, 8, 9, Slab)

	col := ToColumn(rec, DefaultPalette, []int{0})
	if len(col.Sections) != 2 {
		t.Fatalf("sections = %d want 2 (region y 1 filtered)", len(col.Sections))
	}
	s := col.Sections[0]
	if s.Opacity.Get(light.Index(1, 2, 3)) != 15 {
		t.Fatalf("stone opacity not 15")
	}
	if s.Emission.Get(light.Index(4, 5, 6)) != 14 {
		t.Fatalf("torch emission not 14")
	}
	if !s.Faces[light.Index(7, 8, 9)].Has(light.Down) {
		t.Fatalf("slab bottom face not opaque")
	}
	if col.Sections[1].Opacity != nil {
		t.Fatalf("air section has opacity data")
	}
	if all := ToColumn(rec, DefaultPalette, nil); len(all.Sections) != 3 {
		t.Fatalf("nil region ys kept %d sections", len(all.Sections))
	}
}

func TestLeaseReleaseOnce(t *testing.T) {
	n := 0
	c := NewLease(&Record{}, DefaultPalette, nil, func() { n++ })
	c.Release()
	c.Release()
	if n != 1 {
		t.Fatalf("release ran %d times", n)
	}
}

type namedWorld struct {
	World
	name string
}

func (w namedWorld) Name() string { return w.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry(namedWorld{name: "b"}, namedWorld{name: "a"})
	if _, ok := r.World("c"); ok {
		t.Fatalf("registry resolved an unknown world")
	}
	if w, ok := r.World("a"); !ok || w.Name() != "a" {
		t.Fatalf("World(a) = %v, %v", w, ok)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("Names = %v", names)
	}
}
