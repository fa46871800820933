// Package config loads lightfix.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir        string `yaml:"data_dir"`
	CheckpointPath string `yaml:"checkpoint_path"`
	IndexPath      string `yaml:"index_path"`
	// PalettePath is an optional block catalog layered over the built-in
	// palette.
	PalettePath string `yaml:"palette_path,omitempty"`

	// MinFreeMemoryMB is the available memory the scheduler keeps in
	// reserve between tasks; 0 disables the memory ladder.
	MinFreeMemoryMB     int  `yaml:"min_free_memory_mb"`
	LoadConcurrency     int  `yaml:"load_concurrency"`
	SkipWorldEdge       bool `yaml:"skip_world_edge"`
	CheckpointEvery     int  `yaml:"checkpoint_every"`
	ApplyTimeoutSeconds int  `yaml:"apply_timeout_seconds"`
	PausePollMS         int  `yaml:"pause_poll_ms"`

	// SaveDisabledWorlds are never flushed to relieve memory and never
	// checkpointed.
	SaveDisabledWorlds []string `yaml:"save_disabled_worlds,omitempty"`

	Worlds []WorldSpec `yaml:"worlds"`
}

type WorldSpec struct {
	Name   string `yaml:"name"`
	Dir    string `yaml:"dir"`
	HasSky bool   `yaml:"has_sky"`
	// CacheChunks bounds idle chunks kept resident by the region store.
	CacheChunks int `yaml:"cache_chunks,omitempty"`

	// Section range used when generating a test world.
	MinSectionY int `yaml:"min_section_y"`
	MaxSectionY int `yaml:"max_section_y"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("lightfix.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("lightfix.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		DataDir:             "data",
		MinFreeMemoryMB:     400,
		LoadConcurrency:     50,
		SkipWorldEdge:       true,
		CheckpointEvery:     20,
		ApplyTimeoutSeconds: 600,
		PausePollMS:         500,
		Worlds: []WorldSpec{
			{Name: "overworld", HasSky: true, MinSectionY: -4, MaxSectionY: 19},
		},
	}
}

// Normalize fills derived paths and clamps knobs to usable values.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "data"
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = filepath.Join(c.DataDir, "PendingLight.dat")
	}
	if c.IndexPath == "" {
		c.IndexPath = filepath.Join(c.DataDir, "index", "runs.sqlite")
	}
	if c.LoadConcurrency <= 0 {
		c.LoadConcurrency = 50
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 20
	}
	if c.ApplyTimeoutSeconds <= 0 {
		c.ApplyTimeoutSeconds = 600
	}
	if c.PausePollMS <= 0 {
		c.PausePollMS = 500
	}
	if c.MinFreeMemoryMB < 0 {
		c.MinFreeMemoryMB = 0
	}
	for i := range c.Worlds {
		w := &c.Worlds[i]
		w.Name = strings.TrimSpace(w.Name)
		if w.Dir == "" && w.Name != "" {
			w.Dir = filepath.Join(c.DataDir, "worlds", w.Name)
		}
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		if w.Name == "" {
			return fmt.Errorf("world name must not be empty")
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate world name: %s", w.Name)
		}
		seen[w.Name] = true
		if w.CacheChunks < 0 {
			return fmt.Errorf("world %s cache_chunks must be >= 0", w.Name)
		}
		if w.MinSectionY > w.MaxSectionY {
			return fmt.Errorf("world %s min_section_y must be <= max_section_y", w.Name)
		}
	}
	for _, n := range c.SaveDisabledWorlds {
		if !seen[n] {
			return fmt.Errorf("save_disabled_worlds names unknown world: %s", n)
		}
	}
	return nil
}

func (c Config) ApplyTimeout() time.Duration {
	return time.Duration(c.ApplyTimeoutSeconds) * time.Second
}

func (c Config) PausePoll() time.Duration {
	return time.Duration(c.PausePollMS) * time.Millisecond
}

func (c Config) SaveDisabled(world string) bool {
	for _, n := range c.SaveDisabledWorlds {
		if n == world {
			return true
		}
	}
	return false
}

func (c Config) World(name string) (WorldSpec, bool) {
	for _, w := range c.Worlds {
		if w.Name == name {
			return w, true
		}
	}
	return WorldSpec{}, false
}
