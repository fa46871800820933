package chunkstore

import "voxellight.ai/internal/light"

type BlockID uint16

const (
	Air BlockID = iota
	Stone
	Dirt
	Grass
	Sand
	Gravel
	Log
	Leaves
	Water
	Glass
	Torch
	Glowstone
	Slab
	CoalOre
	IronOre
	Lichen
)

// BlockDef carries the light-relevant properties of a block.
type BlockDef struct {
	Name     string
	Opacity  uint8
	Emission uint8
	Faces    light.FaceSet
}

// Palette maps block ids to definitions. Unknown ids are treated as stone.
type Palette []BlockDef

var DefaultPalette = Palette{
	Air:       {Name: "air"},
	Stone:     {Name: "stone", Opacity: 15},
	Dirt:      {Name: "dirt", Opacity: 15},
	Grass:     {Name: "grass", Opacity: 15},
	Sand:      {Name: "sand", Opacity: 15},
	Gravel:    {Name: "gravel", Opacity: 15},
	Log:       {Name: "log", Opacity: 15},
	Leaves:    {Name: "leaves", Opacity: 1},
	Water:     {Name: "water", Opacity: 3},
	Glass:     {Name: "glass"},
	Torch:     {Name: "torch", Emission: 14},
	Glowstone: {Name: "glowstone", Opacity: 15, Emission: 15},
	Slab:      {Name: "slab", Faces: light.FacesOf(light.Down)},
	CoalOre:   {Name: "coal_ore", Opacity: 15},
	IronOre:   {Name: "iron_ore", Opacity: 15},
	Lichen:    {Name: "glow_lichen", Emission: 7},
}

func (p Palette) Def(id BlockID) BlockDef {
	if int(id) < len(p) {
		return p[id]
	}
	return BlockDef{Name: "unknown", Opacity: 15}
}
