// Package light recomputes sky and block light for a batch of chunk columns.
//
// A Grid is an arena of Units (chunk columns) and Cubes (16x16x16 sections)
// linked by index. Engine.Fix initializes both light categories from raw
// block data and relaxes them to a fixed point.
package light

import "fmt"

const (
	Volume    = 16 * 16 * 16
	NibbleLen = Volume / 2
	MaxLevel  = 15

	// MaxSweeps is the number of changing sweeps allowed per category per
	// unit before relaxation gives up on it.
	MaxSweeps = 100
)

// Category selects one of the two independent light fields.
type Category uint8

const (
	Sky Category = iota
	Block

	NumCategories
)

var Categories = [NumCategories]Category{Sky, Block}

func (c Category) String() string {
	switch c {
	case Sky:
		return "Sky"
	case Block:
		return "Block"
	default:
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
}

// Face is one of the six faces of a voxel.
type Face uint8

const (
	North Face = iota // -z
	East              // +x
	South             // +z
	West              // -x
	Up                // +y
	Down              // -y
)

var faceDelta = [6][3]int{
	North: {0, 0, -1},
	East:  {1, 0, 0},
	South: {0, 0, 1},
	West:  {-1, 0, 0},
	Up:    {0, 1, 0},
	Down:  {0, -1, 0},
}

func (f Face) Opposite() Face {
	return [...]Face{North: South, East: West, South: North, West: East, Up: Down, Down: Up}[f]
}

// FaceOf maps a unit offset to a face. Zero and diagonal offsets are rejected.
func FaceOf(dx, dy, dz int) (Face, bool) {
	for f, d := range faceDelta {
		if d[0] == dx && d[1] == dy && d[2] == dz {
			return Face(f), true
		}
	}
	return 0, false
}

// FaceSet is a bitmask of opaque faces.
type FaceSet uint8

const AllFaces FaceSet = 1<<6 - 1

func FacesOf(faces ...Face) FaceSet {
	var s FaceSet
	for _, f := range faces {
		s |= 1 << f
	}
	return s
}

func (s FaceSet) Has(f Face) bool { return s&(1<<f) != 0 }

// Nibbles is a packed array of 4096 4-bit values, low nibble first, indexed
// by Index. A nil Nibbles reads as all zero.
type Nibbles []byte

func NewNibbles() Nibbles { return make(Nibbles, NibbleLen) }

// Index is the voxel index inside a cube for local coordinates 0..15.
func Index(x, y, z int) int { return y<<8 | z<<4 | x }

func (n Nibbles) Get(i int) int {
	if n == nil {
		return 0
	}
	b := n[i>>1]
	if i&1 == 0 {
		return int(b & 0x0f)
	}
	return int(b >> 4)
}

func (n Nibbles) Set(i, v int) {
	j := i >> 1
	if i&1 == 0 {
		n[j] = n[j]&0xf0 | byte(v)&0x0f
	} else {
		n[j] = n[j]&0x0f | byte(v)<<4
	}
}

func (n Nibbles) Clone() Nibbles {
	if n == nil {
		return nil
	}
	out := make(Nibbles, len(n))
	copy(out, n)
	return out
}

// Fill sets every voxel to v.
func (n Nibbles) Fill(v int) {
	b := byte(v)&0x0f | byte(v)<<4
	for i := range n {
		n[i] = b
	}
}

func attenuation(opacity int) int {
	if opacity < 1 {
		return 1
	}
	return opacity
}
