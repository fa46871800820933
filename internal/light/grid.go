package light

import (
	"bytes"
	"fmt"
	"sort"

	"voxellight.ai/internal/geom"
)

// Section is the raw block data of one 16x16x16 section as supplied by a
// chunk store. Nil arrays read as zero.
type Section struct {
	Y int

	Opacity  Nibbles
	Emission Nibbles
	// Faces holds per-voxel opaque faces. Nil means no partial faces;
	// voxels with opacity 15 are always opaque on every face.
	Faces []FaceSet

	SkyLight   []byte
	BlockLight []byte
}

// Column is one chunk column handed to Grid.Add.
type Column struct {
	Key      geom.ChunkKey
	Sections []Section
}

// Bounds is the inclusive local x/z rectangle a unit fully recomputes.
type Bounds struct {
	MinX, MinZ int
	MaxX, MaxZ int
}

func DefaultBounds() Bounds { return Bounds{MinX: 1, MinZ: 1, MaxX: 14, MaxZ: 14} }

func (b Bounds) Contains(x, z int) bool {
	return x >= b.MinX && x <= b.MaxX && z >= b.MinZ && z <= b.MaxZ
}

// Unit is one chunk column inside a Grid.
type Unit struct {
	Key    geom.ChunkKey
	Bounds Bounds

	minCY  int
	cubes  []int32 // by cy-minCY, -1 when the section is absent
	height [256]int

	neighbors [4]int32
	dirty     [NumCategories]bool
}

// Dirty reports whether the category still needs spreading.
func (u *Unit) Dirty(c Category) bool { return u.dirty[c] }

// Neighbor returns the linked horizontal neighbor at (dx,dz), or -1.
func (u *Unit) Neighbor(dx, dz int) int32 {
	slot, ok := horizontalSlot(dx, dz)
	if !ok {
		return -1
	}
	return u.neighbors[slot]
}

func (u *Unit) minY() int { return u.minCY << 4 }
func (u *Unit) maxY() int { return (u.minCY+len(u.cubes))<<4 - 1 }

// Cube is one 16x16x16 section of a Unit.
type Cube struct {
	CY int

	unit     int32
	opacity  Nibbles
	emission Nibbles
	faces    []FaceSet
	light    [NumCategories]Nibbles
	solid    bool

	neighbors [6]int32
}

func (c *Cube) opacityAt(i int) int { return c.opacity.Get(i) }

func (c *Cube) facesAt(i int) FaceSet {
	if c.opacity.Get(i) >= MaxLevel {
		return AllFaces
	}
	if c.faces == nil {
		return 0
	}
	return c.faces[i]
}

// Grid owns every Unit and Cube of one batch. Links between them are
// indices into the arena, never pointers.
type Grid struct {
	hasSky bool
	units  []Unit
	cubes  []Cube
	index  map[geom.ChunkKey]int32
	linked bool
}

func NewGrid(hasSky bool) *Grid {
	return &Grid{
		hasSky: hasSky,
		index:  map[geom.ChunkKey]int32{},
	}
}

func (g *Grid) HasSky() bool { return g.hasSky }
func (g *Grid) Len() int     { return len(g.units) }

func (g *Grid) Unit(i int32) *Unit { return &g.units[i] }

func (g *Grid) Lookup(k geom.ChunkKey) (int32, bool) {
	i, ok := g.index[k]
	return i, ok
}

// Add registers a loaded column. All columns must be added before Link.
func (g *Grid) Add(col Column) (int32, error) {
	if g.linked {
		return -1, fmt.Errorf("grid already linked")
	}
	if _, dup := g.index[col.Key]; dup {
		return -1, fmt.Errorf("duplicate chunk %v", col.Key)
	}
	secs := append([]Section(nil), col.Sections...)
	sort.Slice(secs, func(i, j int) bool { return secs[i].Y < secs[j].Y })
	for i, s := range secs {
		if err := checkSection(s); err != nil {
			return -1, fmt.Errorf("chunk %v section %d: %w", col.Key, s.Y, err)
		}
		if i > 0 && secs[i-1].Y == s.Y {
			return -1, fmt.Errorf("chunk %v: duplicate section %d", col.Key, s.Y)
		}
	}

	ui := int32(len(g.units))
	u := Unit{
		Key:       col.Key,
		Bounds:    DefaultBounds(),
		neighbors: [4]int32{-1, -1, -1, -1},
	}
	if len(secs) > 0 {
		u.minCY = secs[0].Y
		u.cubes = make([]int32, secs[len(secs)-1].Y-secs[0].Y+1)
		for i := range u.cubes {
			u.cubes[i] = -1
		}
	}
	for _, s := range secs {
		u.cubes[s.Y-u.minCY] = int32(len(g.cubes))
		g.cubes = append(g.cubes, g.newCube(ui, s))
	}
	g.units = append(g.units, u)
	g.index[col.Key] = ui
	return ui, nil
}

func checkSection(s Section) error {
	for name, n := range map[string][]byte{
		"opacity":     s.Opacity,
		"emission":    s.Emission,
		"sky light":   s.SkyLight,
		"block light": s.BlockLight,
	} {
		if n != nil && len(n) != NibbleLen {
			return fmt.Errorf("%s: got %d bytes, want %d", name, len(n), NibbleLen)
		}
	}
	if s.Faces != nil && len(s.Faces) != Volume {
		return fmt.Errorf("faces: got %d entries, want %d", len(s.Faces), Volume)
	}
	return nil
}

func (g *Grid) newCube(ui int32, s Section) Cube {
	c := Cube{
		CY:        s.Y,
		unit:      ui,
		opacity:   s.Opacity,
		emission:  s.Emission,
		faces:     s.Faces,
		neighbors: [6]int32{-1, -1, -1, -1, -1, -1},
	}
	c.light[Block] = Nibbles(s.BlockLight).Clone()
	if c.light[Block] == nil {
		c.light[Block] = NewNibbles()
	}
	if g.hasSky {
		c.light[Sky] = Nibbles(s.SkyLight).Clone()
		if c.light[Sky] == nil {
			c.light[Sky] = NewNibbles()
		}
	}
	if s.Opacity != nil {
		c.solid = true
		for _, b := range s.Opacity {
			if b != 0xff {
				c.solid = false
				break
			}
		}
	}
	return c
}

// horizontalSlot keys the four axis neighbors of a unit.
func horizontalSlot(dx, dz int) (int, bool) {
	if dx < -1 || dx > 1 || dz < -1 || dz > 1 || (dx != 0) == (dz != 0) {
		return 0, false
	}
	return (dx & 1) | ((dx + dz + 1) & 2), true
}

// Link registers every pair of units with each other, widens interior
// bounds toward discovered neighbors and connects cubes on all six faces.
func (g *Grid) Link() {
	if g.linked {
		return
	}
	for i := range g.units {
		for j := range g.units {
			if i != j {
				g.notifyAccessible(int32(i), int32(j))
			}
		}
	}
	for ci := range g.cubes {
		c := &g.cubes[ci]
		u := &g.units[c.unit]
		for f := North; f <= Down; f++ {
			d := faceDelta[f]
			owner := c.unit
			if d[0] != 0 || d[2] != 0 {
				owner = u.Neighbor(d[0], d[2])
				if owner < 0 {
					continue
				}
			}
			c.neighbors[f] = g.cubeAtCY(owner, c.CY+d[1])
		}
	}
	g.linked = true
}

func (g *Grid) notifyAccessible(self, other int32) {
	u := &g.units[self]
	o := &g.units[other]
	dx := o.Key.CX - u.Key.CX
	dz := o.Key.CZ - u.Key.CZ
	slot, ok := horizontalSlot(dx, dz)
	if !ok {
		return
	}
	u.neighbors[slot] = other
	switch {
	case dx == 1:
		u.Bounds.MaxX = 15
	case dx == -1:
		u.Bounds.MinX = 0
	case dz == 1:
		u.Bounds.MaxZ = 15
	case dz == -1:
		u.Bounds.MinZ = 0
	}
}

func (g *Grid) cubeAtCY(ui int32, cy int) int32 {
	u := &g.units[ui]
	i := cy - u.minCY
	if i < 0 || i >= len(u.cubes) {
		return -1
	}
	return u.cubes[i]
}

func (g *Grid) cubeAtY(ui int32, y int) int32 { return g.cubeAtCY(ui, y>>4) }

// step returns the voxel adjacent to (ci, i) through face f, crossing into
// linked cubes when needed. The returned cube is -1 when nothing is there.
func (g *Grid) step(ci int32, i int, f Face) (int32, int) {
	x, y, z := i&15, i>>8, (i>>4)&15
	d := faceDelta[f]
	nx, ny, nz := x+d[0], y+d[1], z+d[2]
	if (nx|ny|nz)&^15 == 0 {
		return ci, Index(nx, ny, nz)
	}
	nc := g.cubes[ci].neighbors[f]
	if nc < 0 {
		return -1, 0
	}
	return nc, Index(nx&15, ny&15, nz&15)
}

// MarkDirty flags every unit for another spread pass.
func (g *Grid) MarkDirty() {
	for i := range g.units {
		for _, c := range Categories {
			g.units[i].dirty[c] = true
		}
	}
}

// LightAt reads a light level by world coordinates.
func (g *Grid) LightAt(c Category, wx, wy, wz int) (int, bool) {
	ci, i, ok := g.locate(wx, wy, wz)
	if !ok || g.cubes[ci].light[c] == nil {
		return 0, false
	}
	return g.cubes[ci].light[c].Get(i), true
}

func (g *Grid) locate(wx, wy, wz int) (int32, int, bool) {
	ui, ok := g.index[geom.ChunkKey{CX: wx >> 4, CZ: wz >> 4}]
	if !ok {
		return -1, 0, false
	}
	ci := g.cubeAtY(ui, wy)
	if ci < 0 {
		return -1, 0, false
	}
	return ci, Index(wx&15, wy&15, wz&15), true
}

// Patch is one section's light bytes that differ from storage.
type Patch struct {
	CY       int
	Category Category
	Data     []byte
}

// Patches lists the sections of a unit whose light differs from the bytes
// returned by stored. Force includes every section.
func (g *Grid) Patches(ui int32, stored func(cy int, c Category) []byte, force bool) []Patch {
	var out []Patch
	for _, ci := range g.units[ui].cubes {
		if ci < 0 {
			continue
		}
		cube := &g.cubes[ci]
		for _, cat := range Categories {
			cur := cube.light[cat]
			if cur == nil {
				continue
			}
			var old []byte
			if stored != nil {
				old = stored(cube.CY, cat)
			}
			if force || old == nil || !bytes.Equal(old, cur) {
				out = append(out, Patch{CY: cube.CY, Category: cat, Data: cur.Clone()})
			}
		}
	}
	return out
}
