package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"voxellight.ai/internal/light"
)

func TestLoadPaletteRepoCatalog(t *testing.T) {
	p, digest, err := LoadPalette(filepath.Join("..", "..", "configs", "blocks.yaml"))
	if err != nil {
		t.Fatalf("LoadPalette: %v", err)
	}
	if len(digest) != 64 {
		t.Fatalf("digest = %q", digest)
	}
	if len(p) != len(DefaultPalette) {
		t.Fatalf("palette size = %d", len(p))
	}
	if p.Def(Slab).Faces != light.FacesOf(light.Down) || p.Def(Leaves).Opacity != 1 {
		t.Fatalf("catalog changed built-in values: %+v %+v", p.Def(Slab), p.Def(Leaves))
	}
}

func TestLoadPaletteOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.yaml")
	body := "- name: glass\n  opacity: 2\n- name: Torch\n  emission: 10\n- name: slab\n  faces: [up, north]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	p, _, err := LoadPalette(path)
	if err != nil {
		t.Fatalf("LoadPalette: %v", err)
	}
	if p.Def(Glass).Opacity != 2 || p.Def(Torch).Emission != 10 {
		t.Fatalf("glass=%+v torch=%+v", p.Def(Glass), p.Def(Torch))
	}
	if p.Def(Slab).Faces != light.FacesOf(light.Up, light.North) {
		t.Fatalf("slab faces = %b", p.Def(Slab).Faces)
	}
	if DefaultPalette.Def(Glass).Opacity != 0 {
		t.Fatalf("default palette mutated")
	}
}

func TestLoadPaletteRejects(t *testing.T) {
	cases := map[string]string{
		"unknown block": "- name: obsidian\n  opacity: 15\n",
		"air":           "- name: air\n  opacity: 1\n",
		"opacity":       "- name: stone\n  opacity: 16\n",
		"emission":      "- name: torch\n  emission: -1\n",
		"face":          "- name: slab\n  faces: [sideways]\n",
		"yaml":          "name: [",
	}
	dir := t.TempDir()
	for name, body := range cases {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := LoadPalette(path); err == nil {
			t.Fatalf("%s: accepted", name)
		}
	}
	if _, _, err := LoadPalette(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
