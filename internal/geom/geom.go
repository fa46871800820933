// Package geom holds chunk and region coordinate helpers shared by the
// light engine, the chunk stores and the scheduler.
package geom

import "fmt"

const (
	// ChunkSize is the edge length of a chunk column and of a cube, in voxels.
	ChunkSize = 16
	// RegionSize is the edge length of a storage region, in chunks.
	RegionSize = 32
	// RegionSections is the height of a vertical region, in sections.
	RegionSections = 32
)

type ChunkKey struct {
	CX int
	CZ int
}

func (k ChunkKey) String() string { return fmt.Sprintf("[%d,%d]", k.CX, k.CZ) }

// Region returns the storage region holding the chunk.
func (k ChunkKey) Region() RegionKey {
	return RegionKey{RX: k.CX >> 5, RZ: k.CZ >> 5}
}

// Pack encodes the key as x in the high and z in the low 32 bits.
func (k ChunkKey) Pack() int64 {
	return int64(k.CX)<<32 | int64(uint32(int32(k.CZ)))
}

func Unpack(v int64) ChunkKey {
	return ChunkKey{CX: int(int32(v >> 32)), CZ: int(int32(v))}
}

type RegionKey struct {
	RX int
	RZ int
}

// Origin is the chunk at the lowest corner of the region.
func (r RegionKey) Origin() ChunkKey {
	return ChunkKey{CX: r.RX << 5, CZ: r.RZ << 5}
}

// RegionY is the vertical region index of a section Y.
func RegionY(sectionY int) int { return sectionY >> 5 }

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func Hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}
