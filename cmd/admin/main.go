package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/chunkstore/regionstore"
	"voxellight.ai/internal/config"
	"voxellight.ai/internal/geom"
	"voxellight.ai/internal/persistence/checkpoint"
	"voxellight.ai/internal/persistence/indexdb"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "gen":
			genCmd(os.Args[2:])
			return
		case "checkpoint":
			checkpointCmd(os.Args[2:])
			return
		case "runs":
			runsCmd(os.Args[2:])
			return
		case "status", "pause", "resume", "clear", "schedule":
			httpCmd(os.Args[1], os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	return cfg
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// listCmd prints the region files of every configured world.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	cfgPath := fs.String("config", "./configs/lightfix.yaml", "path to lightfix.yaml")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	for _, spec := range cfg.Worlds {
		ents, err := os.ReadDir(spec.Dir)
		if err != nil {
			fmt.Printf("%s\t(missing: %s)\n", spec.Name, spec.Dir)
			continue
		}
		var regions []string
		for _, e := range ents {
			if strings.HasSuffix(e.Name(), ".mca") {
				regions = append(regions, e.Name())
			}
		}
		sort.Strings(regions)
		fmt.Printf("%s\t%d regions\t%s\n", spec.Name, len(regions), spec.Dir)
	}
}

// genCmd writes a generated test world into the world's region store.
func genCmd(args []string) {
	fs := flag.NewFlagSet("gen", flag.ExitOnError)
	cfgPath := fs.String("config", "./configs/lightfix.yaml", "path to lightfix.yaml")
	worldName := fs.String("world", "overworld", "world name")
	radius := fs.Int("radius", 8, "generate chunks with |x|,|z| < radius")
	seed := fs.Int64("seed", 1337, "terrain seed")
	corrupt := fs.Bool("corrupt", true, "scramble stored light so a repair has work to do")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	spec, ok := cfg.World(*worldName)
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown world:", *worldName)
		os.Exit(2)
	}
	if *radius <= 0 {
		fmt.Fprintln(os.Stderr, "radius must be positive")
		os.Exit(2)
	}

	w, err := regionstore.Open(regionstore.Options{Name: spec.Name, Dir: spec.Dir, HasSky: spec.HasSky})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	gen := chunkstore.DefaultGenerator(*seed)
	gen.MinSection, gen.MaxSection = spec.MinSectionY, spec.MaxSectionY
	if gen.MaxSection <= gen.MinSection {
		gen.MaxSection = gen.MinSection + 3
	}
	gen.GroundY = gen.MinSection<<4 + (gen.MaxSection-gen.MinSection+1)*16/2
	gen.Corrupt = *corrupt

	ctx := context.Background()
	n := 0
	for cx := -*radius + 1; cx < *radius; cx++ {
		for cz := -*radius + 1; cz < *radius; cz++ {
			w.Put(gen.Generate(geom.ChunkKey{CX: cx, CZ: cz}))
			if n++; n%1024 == 0 {
				if err := w.Flush(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "flush:", err)
					os.Exit(1)
				}
			}
		}
	}
	if err := w.Flush(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "flush:", err)
		os.Exit(1)
	}
	fmt.Printf("generated %d chunks in %s\n", n, spec.Dir)
}

type checkpointSummary struct {
	World    string `json:"world"`
	RegionYs []int  `json:"region_ys,omitempty"`
	Chunks   int    `json:"chunks"`
	Near     [2]int `json:"near"`
}

func checkpointCmd(args []string) {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	cfgPath := fs.String("config", "./configs/lightfix.yaml", "path to lightfix.yaml")
	path := fs.String("file", "", "checkpoint path (defaults to checkpoint_path)")
	_ = fs.Parse(args)

	p := strings.TrimSpace(*path)
	if p == "" {
		p = loadConfig(*cfgPath).CheckpointPath
	}
	entries, err := checkpoint.Read(p, nil, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	if entries == nil {
		fmt.Printf("no pending light batches in %s\n", filepath.Clean(p))
		return
	}
	out := make([]checkpointSummary, 0, len(entries))
	for _, e := range entries {
		s := checkpointSummary{World: e.World, RegionYs: e.RegionYs, Chunks: len(e.Chunks)}
		if len(e.Chunks) > 0 {
			var sx, sz int
			for _, k := range e.Chunks {
				sx += k.CX
				sz += k.CZ
			}
			s.Near = [2]int{sx / len(e.Chunks) * geom.ChunkSize, sz / len(e.Chunks) * geom.ChunkSize}
		}
		out = append(out, s)
	}
	printJSON(out)
}

func runsCmd(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	cfgPath := fs.String("config", "./configs/lightfix.yaml", "path to lightfix.yaml")
	dbPath := fs.String("db", "", "sqlite db path (defaults to index_path)")
	worldName := fs.String("world", "", "world filter")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	p := strings.TrimSpace(*dbPath)
	if p == "" {
		p = loadConfig(*cfgPath).IndexPath
	}
	runs, err := indexdb.RecentRuns(context.Background(), p, *worldName, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "runs:", err)
		os.Exit(1)
	}
	printJSON(runs)
}
