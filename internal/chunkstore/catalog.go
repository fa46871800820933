package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"voxellight.ai/internal/light"
)

// BlockOverride is one entry of a block catalog file.
type BlockOverride struct {
	Name     string   `yaml:"name"`
	Opacity  *int     `yaml:"opacity,omitempty"`
	Emission *int     `yaml:"emission,omitempty"`
	Faces    []string `yaml:"faces,omitempty"`
}

var faceNames = map[string]light.Face{
	"north": light.North,
	"east":  light.East,
	"south": light.South,
	"west":  light.West,
	"up":    light.Up,
	"down":  light.Down,
}

// LoadPalette reads a YAML block catalog that overrides the light
// properties of DefaultPalette blocks by name. Block ids are fixed by the
// stored records, so unknown names are rejected. It also returns the
// sha256 digest of the file.
func LoadPalette(path string) (Palette, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	var entries []BlockOverride
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	p, err := DefaultPalette.With(entries...)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return p, digest, nil
}

// With returns a copy of p with the overrides applied.
func (p Palette) With(overrides ...BlockOverride) (Palette, error) {
	out := append(Palette(nil), p...)
	byName := make(map[string]int, len(out))
	for i, d := range out {
		byName[d.Name] = i
	}
	for _, o := range overrides {
		name := strings.ToLower(strings.TrimSpace(o.Name))
		i, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown block %q", o.Name)
		}
		if name == "air" {
			return nil, fmt.Errorf("air cannot be overridden")
		}
		d := &out[i]
		if o.Opacity != nil {
			if *o.Opacity < 0 || *o.Opacity > light.MaxLevel {
				return nil, fmt.Errorf("block %s: opacity %d out of range", name, *o.Opacity)
			}
			d.Opacity = uint8(*o.Opacity)
		}
		if o.Emission != nil {
			if *o.Emission < 0 || *o.Emission > light.MaxLevel {
				return nil, fmt.Errorf("block %s: emission %d out of range", name, *o.Emission)
			}
			d.Emission = uint8(*o.Emission)
		}
		if o.Faces != nil {
			var fs light.FaceSet
			for _, f := range o.Faces {
				face, ok := faceNames[strings.ToLower(f)]
				if !ok {
					return nil, fmt.Errorf("block %s: unknown face %q", name, f)
				}
				fs |= light.FacesOf(face)
			}
			d.Faces = fs
		}
	}
	return out, nil
}
