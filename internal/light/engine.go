package light

import "log"

// Stats summarizes one Fix or Spread call.
type Stats struct {
	// Sweeps counts raster sweeps that changed at least one voxel.
	Sweeps int
	// Changed counts individual voxel updates made while spreading.
	Changed int
	// Capped counts unit/category pairs that hit MaxSweeps.
	Capped int
}

func (s *Stats) add(o Stats) {
	s.Sweeps += o.Sweeps
	s.Changed += o.Changed
	s.Capped += o.Capped
}

type FixOptions struct {
	// SkipSpread stops after initialization, leaving raw initial values.
	SkipSpread bool
	// Aborted is polled between units; a true result stops relaxation.
	Aborted func() bool
}

// Engine drives both light categories of a Grid to a fixed point.
type Engine struct {
	Log *log.Logger
}

// Fix initializes every unit and, unless SkipSpread is set, relaxes the
// grid until a full pass changes nothing. It reports false when aborted.
func (e *Engine) Fix(g *Grid, opts FixOptions) (Stats, bool) {
	g.Link()
	for ui := range g.units {
		g.fill(int32(ui))
	}
	for ui := range g.units {
		g.computeHeight(int32(ui))
		g.initSky(int32(ui))
	}
	for ui := range g.units {
		g.spreadEmitters(int32(ui))
	}
	g.MarkDirty()
	if opts.SkipSpread {
		return Stats{}, true
	}
	return e.Spread(g, opts.Aborted)
}

// Spread runs passes over every dirty unit until a pass performs no
// changing sweep.
func (e *Engine) Spread(g *Grid, aborted func() bool) (Stats, bool) {
	var total Stats
	for {
		var pass Stats
		for ui := range g.units {
			if aborted != nil && aborted() {
				total.add(pass)
				return total, false
			}
			for _, c := range Categories {
				if g.units[ui].dirty[c] {
					pass.add(e.spread(g, int32(ui), c))
				}
			}
		}
		total.add(pass)
		if pass.Sweeps == 0 {
			return total, true
		}
	}
}

func (e *Engine) spread(g *Grid, ui int32, cat Category) Stats {
	var st Stats
	u := &g.units[ui]
	if cat == Sky && !g.hasSky {
		u.dirty[cat] = false
		return st
	}

	var (
		lastX, lastY, lastZ int
		edge                [4]bool // by horizontal slot
		forward             bool
	)
	for {
		changed := false
		forward = !forward
		x0, x1, z0, z1, step := u.Bounds.MinX, u.Bounds.MaxX+1, u.Bounds.MinZ, u.Bounds.MaxZ+1, 1
		if !forward {
			x0, x1, z0, z1, step = u.Bounds.MaxX, u.Bounds.MinX-1, u.Bounds.MaxZ, u.Bounds.MinZ-1, -1
		}
		for x := x0; x != x1; x += step {
			for z := z0; z != z1; z += step {
				startY := u.maxY()
				if cat == Sky && u.Height(x, z) < startY {
					startY = u.Height(x, z)
				}
				for y := startY; y >= u.minY(); y-- {
					ci := g.cubeAtY(ui, y)
					if ci < 0 || g.cubes[ci].solid {
						y &^= 15
						continue
					}
					c := &g.cubes[ci]
					i := Index(x, y&15, z)
					factor := attenuation(c.opacityAt(i))
					if factor == MaxLevel {
						continue
					}
					level := c.light[cat].Get(i)
					next := level + factor
					if next < MaxLevel {
						next = g.brightestNeighbor(cat, ci, i, next)
					}
					next -= factor
					if next > level {
						c.light[cat].Set(i, next)
						lastX, lastY, lastZ = x, y, z
						edge[0] = edge[0] || z == 0
						edge[1] = edge[1] || x == 0
						edge[2] = edge[2] || z == 15
						edge[3] = edge[3] || x == 15
						st.Changed++
						changed = true
					}
				}
			}
		}
		if !changed {
			break
		}
		st.Sweeps++
		if st.Sweeps > MaxSweeps {
			st.Capped++
			if e.Log != nil {
				e.Log.Printf("Failed to fix all %s lighting at [%d/%d/%d]",
					cat, u.Key.CX<<4+lastX, lastY, u.Key.CZ<<4+lastZ)
			}
			break
		}
	}

	u.dirty[cat] = false
	for slot, hit := range edge {
		if n := u.neighbors[slot]; hit && n >= 0 {
			g.units[n].dirty[cat] = true
		}
	}
	return st
}

// brightestNeighbor raises level to the brightest face-adjacent voxel that
// light can pass between in both directions.
func (g *Grid) brightestNeighbor(cat Category, ci int32, i, level int) int {
	self := g.cubes[ci].facesAt(i)
	for f := North; f <= Down; f++ {
		if self.Has(f) {
			continue
		}
		nc, ni := g.step(ci, i, f)
		if nc < 0 {
			continue
		}
		n := &g.cubes[nc]
		if v := n.light[cat].Get(ni); v > level && !n.facesAt(ni).Has(f.Opposite()) {
			level = v
		}
	}
	return level
}
