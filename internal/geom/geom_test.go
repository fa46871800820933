package geom

import "testing"

func TestPackUnpack(t *testing.T) {
	for _, k := range []ChunkKey{{0, 0}, {-1, 5}, {7, -9}, {-30000, 30000}} {
		if got := Unpack(k.Pack()); got != k {
			t.Fatalf("Unpack(Pack(%v)) = %v", k, got)
		}
	}
}

func TestRegion(t *testing.T) {
	cases := []struct {
		k    ChunkKey
		want RegionKey
	}{
		{ChunkKey{0, 0}, RegionKey{0, 0}},
		{ChunkKey{31, 31}, RegionKey{0, 0}},
		{ChunkKey{32, -1}, RegionKey{1, -1}},
		{ChunkKey{-33, -32}, RegionKey{-2, -1}},
	}
	for _, c := range cases {
		if got := c.k.Region(); got != c.want {
			t.Fatalf("Region(%v) = %v want %v", c.k, got, c.want)
		}
	}
}

func TestFloorDivMod(t *testing.T) {
	if FloorDiv(-1, 16) != -1 || Mod(-1, 16) != 15 {
		t.Fatalf("FloorDiv/Mod(-1,16) = %d/%d", FloorDiv(-1, 16), Mod(-1, 16))
	}
	if FloorDiv(33, 16) != 2 || Mod(33, 16) != 1 {
		t.Fatalf("FloorDiv/Mod(33,16) = %d/%d", FloorDiv(33, 16), Mod(33, 16))
	}
}
