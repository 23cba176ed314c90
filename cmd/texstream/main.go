package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"texstream/internal/asset"
	"texstream/internal/engine"
	"texstream/internal/logging"
	"texstream/internal/streaming"
	"texstream/pkg/config"
)

var (
	configPath = flag.String("config", "configs/texstream.yaml", "Path to configuration file")
	assetDir   = flag.String("dir", "assets", "Directory of source textures")
	ticks      = flag.Int("ticks", 120, "Number of camera steps to simulate (0 runs until interrupted)")
	spacing    = flag.Float64("spacing", 25, "Distance between textures on the layout grid")
	jsonStats  = flag.Bool("json", false, "Print final statistics as JSON")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Early error before logging is initialized
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.InitializeFromConfig("texstream", logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
		LogDir:        cfg.Logging.LogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	logger.Info(ctx, logging.ComponentMain, logging.ActionStart, "texstream starting", logging.Fields{
		"config_file": *configPath,
		"asset_dir":   *assetDir,
	})

	source := asset.NewDirSource(*assetDir)
	paths, err := source.Paths()
	if err != nil {
		logger.Error(ctx, logging.ComponentMain, logging.ActionStart, "failed to list textures", err)
		fmt.Fprintf(os.Stderr, "FATAL: Failed to list textures in %s: %v\n", *assetDir, err)
		os.Exit(1)
	}
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "No textures found in %s\n", *assetDir)
		os.Exit(1)
	}

	eng, err := engine.New(engine.Options{Config: cfg, Source: source, Logger: logger})
	if err != nil {
		logger.Error(ctx, logging.ComponentMain, logging.ActionStart, "failed to create engine", err)
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(runCtx); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to start engine: %v\n", err)
		os.Exit(1)
	}

	layout := gridLayout(paths, *spacing)
	for i, p := range paths {
		eng.RegisterCandidate(p, layout[i], i%3)
	}

	fmt.Printf("Streaming %d textures from %s\n", len(paths), *assetDir)
	fmt.Printf("Budget: %s, batch %d, distance %g\n",
		cfg.MaxMemory, cfg.StreamingBatchSize, cfg.StreamingDistanceThreshold)

	walk(runCtx, eng, extent(layout), cfg.SchedulerTickInterval, *ticks)

	stats := eng.Statistics()
	if err := eng.Close(); err != nil {
		logger.Error(ctx, logging.ComponentMain, logging.ActionStop, "engine shutdown failed", err)
	}

	if *jsonStats {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(stats)
	} else {
		printStats(stats)
	}

	logger.Info(ctx, logging.ComponentMain, logging.ActionStop, "texstream stopped")
}

// gridLayout places paths on a square grid in the XZ plane.
func gridLayout(paths []string, spacing float64) []streaming.Vec3 {
	side := int(math.Ceil(math.Sqrt(float64(len(paths)))))
	out := make([]streaming.Vec3, len(paths))
	for i := range paths {
		out[i] = streaming.Vec3{
			X: float64(i%side) * spacing,
			Z: float64(i/side) * spacing,
		}
	}
	return out
}

func extent(layout []streaming.Vec3) float64 {
	var m float64
	for _, v := range layout {
		m = math.Max(m, math.Max(v.X, v.Z))
	}
	return m
}

// walk moves the viewpoint along a circle over the grid, one step per
// scheduler tick. The engine's own loop does the ticking.
func walk(ctx context.Context, eng *engine.Engine, size float64, interval time.Duration, steps int) {
	center := size / 2
	radius := math.Max(size/2, 1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for step := 0; steps == 0 || step < steps; step++ {
		angle := 2 * math.Pi * float64(step) / 64
		eng.SetViewpoint(streaming.Vec3{
			X: center + radius*math.Cos(angle),
			Y: 2,
			Z: center + radius*math.Sin(angle),
		})

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if step%16 == 0 {
			s := eng.Statistics()
			fmt.Printf("step %4d  resident %3d  %9s / %-9s  loaded %d/%d  pressure %s\n",
				step, s.CachedCount, humanize.IBytes(uint64(s.CurrentBytes)), humanize.IBytes(uint64(s.MaxBytes)),
				s.Candidates.Loaded, s.Candidates.Total, s.PressureLevel)
		}
	}
}

func printStats(s engine.Statistics) {
	fmt.Println("Final statistics:")
	fmt.Printf("  resident textures:  %d (%d referenced)\n", s.CachedCount, s.Referenced)
	fmt.Printf("  memory:             %s of %s (%.1f%%, %s)\n",
		humanize.IBytes(uint64(s.CurrentBytes)), humanize.IBytes(uint64(s.MaxBytes)), s.UsagePercent, s.PressureLevel)
	fmt.Printf("  hits/misses:        %s/%s (%.1f%% hit rate)\n",
		humanize.Comma(int64(s.Hits)), humanize.Comma(int64(s.Misses)), s.HitRate)
	fmt.Printf("  loads:              %d (%d failed, %d optimization fallbacks)\n",
		s.Loads, s.LoadFailures, s.OptimizationFallbacks)
	fmt.Printf("  evictions:          %d\n", s.Evictions)
	fmt.Printf("  candidates:         %d loaded, %d streaming, %d waiting\n",
		s.Candidates.Loaded, s.Candidates.Streaming, s.Candidates.NotLoaded)
	fmt.Printf("  ticks/idle sweeps:  %d/%d\n", s.Ticks, s.IdleSweeps)
}
