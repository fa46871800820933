package chunkstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/light"
)

// SectionRecord is the persisted form of one 16x16x16 section.
type SectionRecord struct {
	Y int
	// Blocks is indexed like light.Index; nil means all air.
	Blocks     []uint16
	SkyLight   []byte
	BlockLight []byte
}

// Record is the persisted form of one chunk column.
type Record struct {
	CX, CZ   int
	Sections []SectionRecord
}

func (r *Record) Key() geom.ChunkKey { return geom.ChunkKey{CX: r.CX, CZ: r.CZ} }

func (r *Record) Section(cy int) *SectionRecord {
	for i := range r.Sections {
		if r.Sections[i].Y == cy {
			return &r.Sections[i]
		}
	}
	return nil
}

// Block reads a block by local x/z and world y.
func (r *Record) Block(x, y, z int) BlockID {
	s := r.Section(y >> 4)
	if s == nil || s.Blocks == nil {
		return Air
	}
	return BlockID(s.Blocks[light.Index(x, y&15, z)])
}

// SetBlock writes a block by local x/z and world y. The section must exist.
func (r *Record) SetBlock(x, y, z int, id BlockID) {
	s := r.Section(y >> 4)
	if s == nil {
		return
	}
	if s.Blocks == nil {
		if id == Air {
			return
		}
		s.Blocks = make([]uint16, light.Volume)
	}
	s.Blocks[light.Index(x, y&15, z)] = uint16(id)
}

// SetLight replaces the stored light of one section.
func (r *Record) SetLight(cy int, c light.Category, data []byte) error {
	s := r.Section(cy)
	if s == nil {
		return fmt.Errorf("chunk %v: no section %d", r.Key(), cy)
	}
	b := append([]byte(nil), data...)
	switch c {
	case light.Sky:
		s.SkyLight = b
	case light.Block:
		s.BlockLight = b
	default:
		return fmt.Errorf("unknown light category %d", c)
	}
	return nil
}

func (s *SectionRecord) light(c light.Category) []byte {
	if c == light.Sky {
		return s.SkyLight
	}
	return s.BlockLight
}

// Clone copies light arrays; block arrays are shared since light repair
// never writes them.
func (r *Record) Clone() *Record {
	out := &Record{CX: r.CX, CZ: r.CZ, Sections: make([]SectionRecord, len(r.Sections))}
	for i, s := range r.Sections {
		out.Sections[i] = SectionRecord{
			Y:          s.Y,
			Blocks:     s.Blocks,
			SkyLight:   append([]byte(nil), s.SkyLight...),
			BlockLight: append([]byte(nil), s.BlockLight...),
		}
	}
	return out
}

// RegionYs lists the vertical regions this record has sections in.
func (r *Record) RegionYs() []int {
	var out []int
	for _, s := range r.Sections {
		ry := geom.RegionY(s.Y)
		if len(out) == 0 || out[len(out)-1] != ry {
			out = append(out, ry)
		}
	}
	return out
}

var (
	encOnce  sync.Once
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	codecErr error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	encOnce.Do(func() {
		enc, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			return
		}
		dec, codecErr = zstd.NewReader(nil)
	})
	return enc, dec, codecErr
}

// EncodeRecord serializes a record as zstd-compressed gob.
func EncodeRecord(r *Record) ([]byte, error) {
	e, _, err := codec()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return e.EncodeAll(buf.Bytes(), nil), nil
}

func DecodeRecord(b []byte) (*Record, error) {
	_, d, err := codec()
	if err != nil {
		return nil, err
	}
	raw, err := d.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&r); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &r, nil
}

// ToColumn converts the sections inside regionYs (nil = all) into light
// engine input using the palette.
func ToColumn(r *Record, p Palette, regionYs []int) light.Column {
	col := light.Column{Key: r.Key()}
	for _, s := range r.Sections {
		if regionYs != nil && !containsInt(regionYs, geom.RegionY(s.Y)) {
			continue
		}
		ls := light.Section{Y: s.Y, SkyLight: s.SkyLight, BlockLight: s.BlockLight}
		if s.Blocks != nil {
			for i, id := range s.Blocks {
				if id == uint16(Air) {
					continue
				}
				def := p.Def(BlockID(id))
				if def.Opacity > 0 {
					if ls.Opacity == nil {
						ls.Opacity = light.NewNibbles()
					}
					ls.Opacity.Set(i, int(def.Opacity))
				}
				if def.Emission > 0 {
					if ls.Emission == nil {
						ls.Emission = light.NewNibbles()
					}
					ls.Emission.Set(i, int(def.Emission))
				}
				if def.Faces != 0 {
					if ls.Faces == nil {
						ls.Faces = make([]light.FaceSet, light.Volume)
					}
					ls.Faces[i] = def.Faces
				}
			}
		}
		col.Sections = append(col.Sections, ls)
	}
	return col
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

type lease struct {
	rec     *Record
	col     light.Column
	once    sync.Once
	release func()
}

// NewLease wraps a record snapshot as a Chunk. release runs once.
func NewLease(rec *Record, p Palette, regionYs []int, release func()) Chunk {
	return &lease{rec: rec, col: ToColumn(rec, p, regionYs), release: release}
}

func (l *lease) Key() geom.ChunkKey   { return l.rec.Key() }
func (l *lease) Column() light.Column { return l.col }

func (l *lease) Light(cy int, c light.Category) []byte {
	s := l.rec.Section(cy)
	if s == nil {
		return nil
	}
	return s.light(c)
}

func (l *lease) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}
