package chunkstore

import "voxellight.ai/internal/geom"

// Generator builds deterministic terrain columns. Generated light is left
// empty (or scrambled with Corrupt) so a repair has work to do.
type Generator struct {
	Seed int64

	MinSection int
	MaxSection int
	// GroundY is the base terrain height in world blocks.
	GroundY int

	BiomeRegionSize int
	CavePermille    int
	TorchPermille   int
	Corrupt         bool
}

func DefaultGenerator(seed int64) Generator {
	return Generator{
		Seed:            seed,
		MinSection:      0,
		MaxSection:      3,
		GroundY:         28,
		BiomeRegionSize: 64,
		CavePermille:    60,
		TorchPermille:   8,
	}
}

func biomeAt(seed int64, x, z, regionSize int) string {
	if regionSize <= 0 {
		regionSize = 1
	}
	switch geom.Hash2(seed, geom.FloorDiv(x, regionSize), geom.FloorDiv(z, regionSize)) % 3 {
	case 0:
		return "PLAINS"
	case 1:
		return "FOREST"
	default:
		return "DESERT"
	}
}

func (g Generator) Generate(key geom.ChunkKey) *Record {
	rec := &Record{CX: key.CX, CZ: key.CZ}
	for cy := g.MinSection; cy <= g.MaxSection; cy++ {
		rec.Sections = append(rec.Sections, SectionRecord{Y: cy})
	}
	minY := g.MinSection << 4
	maxY := g.MaxSection<<4 + 15

	for z := 0; z < 16; z++ {
		for x := 0; x < 16; x++ {
			wx := key.CX*16 + x
			wz := key.CZ*16 + z
			biome := biomeAt(g.Seed, wx, wz, g.BiomeRegionSize)
			ground := g.GroundY + int(geom.Hash2(g.Seed+1, wx>>2, wz>>2)%6)
			if ground > maxY-8 {
				ground = maxY - 8
			}

			top, filler := Grass, Dirt
			if biome == "DESERT" {
				top, filler = Sand, Sand
			}
			for y := minY; y <= ground; y++ {
				b := Stone
				switch {
				case y == ground:
					b = top
				case y > ground-4:
					b = filler
				default:
					roll := geom.Hash3(g.Seed+7, wx, y, wz) % 1000
					switch {
					case roll < uint64(g.CavePermille) && y > minY:
						b = Air
						if roll%9 == 0 {
							b = Lichen
						}
					case roll < uint64(g.CavePermille)+3:
						b = Glowstone
					case roll < uint64(g.CavePermille)+18:
						b = CoalOre
					case roll < uint64(g.CavePermille)+24:
						b = IronOre
					}
				}
				rec.SetBlock(x, y, z, b)
			}

			roll := geom.Hash2(g.Seed+999, wx, wz) % 1000
			switch {
			case roll < uint64(g.TorchPermille):
				rec.SetBlock(x, ground+1, z, Torch)
			case biome == "DESERT" && roll < 40:
				rec.SetBlock(x, ground, z, Water)
			case biome == "PLAINS" && roll < 30:
				rec.SetBlock(x, ground+1, z, Slab)
			case biome == "PLAINS" && roll < 45:
				rec.SetBlock(x, ground+1, z, Glass)
			case biome == "FOREST" && roll < 60 && x >= 2 && x <= 13 && z >= 2 && z <= 13:
				g.tree(rec, x, ground+1, z)
			}
		}
	}

	if g.Corrupt {
		for i := range rec.Sections {
			s := &rec.Sections[i]
			s.SkyLight = make([]byte, 2048)
			s.BlockLight = make([]byte, 2048)
			for j := range s.SkyLight {
				h := geom.Hash3(g.Seed+31, key.CX, s.Y*2048+j, key.CZ)
				s.SkyLight[j] = byte(h)
				s.BlockLight[j] = byte(h >> 8)
			}
		}
	}
	return rec
}

func (g Generator) tree(rec *Record, x, y, z int) {
	const trunk = 4
	for dy := 0; dy < trunk; dy++ {
		if rec.Block(x, y+dy, z) == Air {
			rec.SetBlock(x, y+dy, z, Log)
		}
	}
	top := y + trunk
	for dy := -2; dy <= 1; dy++ {
		for dx := -2; dx <= 2; dx++ {
			for dz := -2; dz <= 2; dz++ {
				if dx*dx+dz*dz+dy*dy > 6 {
					continue
				}
				if rec.Block(x+dx, top+dy, z+dz) == Air {
					rec.SetBlock(x+dx, top+dy, z+dz, Leaves)
				}
			}
		}
	}
}
