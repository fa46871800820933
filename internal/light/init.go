package light

// fill re-derives interior voxels and drops provably invalid border light.
// Sky light inside the bounds is left at zero for initSky.
func (g *Grid) fill(ui int32) {
	u := &g.units[ui]
	for _, ci := range u.cubes {
		if ci < 0 {
			continue
		}
		c := &g.cubes[ci]
		sky, block := c.light[Sky], c.light[Block]
		for i := 0; i < Volume; i++ {
			x, z := i&15, (i>>4)&15
			emission := c.emission.Get(i)
			if u.Bounds.Contains(x, z) {
				block.Set(i, emission)
				if sky != nil {
					sky.Set(i, 0)
				}
				continue
			}
			maxLight := MaxLevel - c.opacityAt(i)
			if sky != nil && sky.Get(i) > maxLight {
				sky.Set(i, 0)
			}
			if emission > maxLight {
				maxLight = emission
			}
			if block.Get(i) > maxLight {
				block.Set(i, 0)
			}
		}
	}
}

// computeHeight records, per column, one above the topmost voxel that
// attenuates or has an opaque face.
func (g *Grid) computeHeight(ui int32) {
	u := &g.units[ui]
	for col := 0; col < 256; col++ {
		x, z := col&15, col>>4
		u.height[col] = u.minY()
		for y := u.maxY(); y >= u.minY(); y-- {
			ci := g.cubeAtY(ui, y)
			if ci < 0 {
				y &^= 15
				continue
			}
			c := &g.cubes[ci]
			i := Index(x, y&15, z)
			if c.opacityAt(i) > 0 || c.facesAt(i) != 0 {
				u.height[col] = y + 1
				break
			}
		}
	}
}

// Height returns the recorded height of local column (x, z).
func (u *Unit) Height(x, z int) int { return u.height[z<<4|x] }

// initSky seeds the sky field of every interior column from the top down.
func (g *Grid) initSky(ui int32) {
	if !g.hasSky {
		return
	}
	u := &g.units[ui]
	for z := u.Bounds.MinZ; z <= u.Bounds.MaxZ; z++ {
		for x := u.Bounds.MinX; x <= u.Bounds.MaxX; x++ {
			height := u.Height(x, z)
			level := MaxLevel
			for y := u.maxY(); y >= u.minY(); y-- {
				ci := g.cubeAtY(ui, y)
				if ci < 0 {
					y &^= 15
					continue
				}
				c := &g.cubes[ci]
				i := Index(x, y&15, z)
				faces := c.facesAt(i)
				if faces.Has(Up) {
					level = 0
				}
				if y < height && level > 0 {
					level -= attenuation(c.opacityAt(i))
					if level < 0 {
						level = 0
					}
				}
				c.light[Sky].Set(i, level)
				if faces.Has(Down) {
					level = 0
				}
			}
		}
	}
}

// spreadEmitters pushes the light of every interior emitter one step into
// its six neighbors. The emitter's own faces never block this step; the
// receiving face does. Border receivers take the light too.
func (g *Grid) spreadEmitters(ui int32) {
	u := &g.units[ui]
	for _, ci := range u.cubes {
		if ci < 0 {
			continue
		}
		c := &g.cubes[ci]
		if c.emission == nil {
			continue
		}
		for i := 0; i < Volume; i++ {
			emitted := c.emission.Get(i)
			if emitted <= 1 || !u.Bounds.Contains(i&15, (i>>4)&15) {
				continue
			}
			for f := North; f <= Down; f++ {
				nc, ni := g.step(ci, i, f)
				if nc < 0 {
					continue
				}
				target := &g.cubes[nc]
				if target.facesAt(ni).Has(f.Opposite()) {
					continue
				}
				level := emitted - attenuation(target.opacityAt(ni))
				if level > target.light[Block].Get(ni) {
					target.light[Block].Set(ni, level)
				}
			}
		}
	}
}
