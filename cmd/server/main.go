package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"voxellight.ai/internal/chunkstore"
	"voxellight.ai/internal/chunkstore/regionstore"
	"voxellight.ai/internal/config"
	"voxellight.ai/internal/light"
	"voxellight.ai/internal/lighting"
	"voxellight.ai/internal/metrics"
	"voxellight.ai/internal/persistence/indexdb"
	persistlog "voxellight.ai/internal/persistence/log"
	"voxellight.ai/internal/protocol"
	"voxellight.ai/internal/scheduler"
	"voxellight.ai/internal/transport/status"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address")
		configPath = flag.String("config", "./configs/lightfix.yaml", "path to lightfix.yaml")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite run index")
		paused     = flag.Bool("paused", false, "start with the scheduler paused")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[lightfix] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if d := strings.TrimSpace(*dataDir); d != "" {
		cfg.DataDir = d
		cfg.CheckpointPath, cfg.IndexPath = "", ""
		for i := range cfg.Worlds {
			cfg.Worlds[i].Dir = ""
		}
		cfg.Normalize()
	}
	cfg.LoadConcurrency = envInt("LF_LOAD_CONCURRENCY", cfg.LoadConcurrency)
	cfg.MinFreeMemoryMB = envInt("LF_MIN_FREE_MEMORY_MB", cfg.MinFreeMemoryMB)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	if err := run(cfg, *addr, *disableDB, *paused, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(cfg config.Config, addr string, disableDB, paused bool, logger *log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	palette := chunkstore.DefaultPalette
	if cfg.PalettePath != "" {
		p, digest, err := chunkstore.LoadPalette(cfg.PalettePath)
		if err != nil {
			return fmt.Errorf("load palette: %w", err)
		}
		palette = p
		logger.Printf("block palette %s digest=%s", cfg.PalettePath, digest[:12])
	}

	worlds := chunkstore.NewRegistry()
	for _, spec := range cfg.Worlds {
		w, err := regionstore.Open(regionstore.Options{
			Name:      spec.Name,
			Dir:       spec.Dir,
			HasSky:    spec.HasSky,
			Palette:   palette,
			CacheSize: spec.CacheChunks,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("open world %s: %w", spec.Name, err)
		}
		worlds.Add(w)
	}

	runLog := persistlog.NewRunLogger(cfg.DataDir, func(err error) {
		logger.Printf("run log: %v", err)
	})
	defer runLog.Close()
	recorders := []scheduler.RunRecorder{runLog}
	if !disableDB && !envBool("LF_DISABLE_INDEX", false) {
		idx, err := indexdb.OpenSQLite(cfg.IndexPath)
		if err != nil {
			return fmt.Errorf("open run index: %w", err)
		}
		defer idx.Close()
		recorders = append(recorders, idx)
	}

	pool := pond.NewPool(cfg.LoadConcurrency)
	defer pool.StopAndWait()

	env := &lighting.Env{
		Pool:            pool,
		Engine:          &light.Engine{Log: logger},
		Log:             logger,
		Metrics:         m,
		LoadConcurrency: cfg.LoadConcurrency,
		ApplyTimeout:    cfg.ApplyTimeout(),
	}
	sched := scheduler.New(scheduler.Config{
		Resolver:        worlds,
		Env:             env,
		Logger:          logger,
		Metrics:         m,
		Probe:           scheduler.SystemProbe{},
		MinFreeMemory:   uint64(cfg.MinFreeMemoryMB) << 20,
		CheckpointPath:  cfg.CheckpointPath,
		CheckpointEvery: cfg.CheckpointEvery,
		PausePoll:       cfg.PausePoll(),
		SkipWorldEdge:   cfg.SkipWorldEdge,
		SaveDisabled:    cfg.SaveDisabled,
		Recorders:       recorders,
	})
	if paused {
		sched.SetPaused(true)
	}
	if _, err := sched.Restore(); err != nil {
		logger.Printf("restore: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if envBool("LF_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		stream := status.NewServer(func() protocol.StatusMsg { return statusMsg(sched) }, time.Second, logger)
		(&adminAPI{sched: sched, log: logger}).register(mux, stream)
	} else {
		logger.Printf("admin endpoints disabled (LF_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("LF_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})
	err := g.Wait()

	for _, name := range worlds.Names() {
		if cfg.SaveDisabled(name) {
			continue
		}
		w, _ := worlds.World(name)
		if ferr := w.Flush(context.Background()); ferr != nil {
			logger.Printf("flush world %s: %v", name, ferr)
		}
	}
	logger.Printf("stopped")
	return err
}
