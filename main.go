package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/pthm-cable/dispersal/config"
	"github.com/pthm-cable/dispersal/gravity"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/sim"
	"github.com/pthm-cable/dispersal/store"
	"github.com/pthm-cable/dispersal/telemetry"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	populationPath := flag.String("population", "", "Human population raster CSV (overrides raster.path)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs, config snapshot and rasters")
	storePath := flag.String("store", "", "SQLite gravity index cache (overrides store.path)")
	seed := flag.Uint64("seed", 0, "RNG seed (0 = use config)")
	steps := flag.Int("steps", 0, "Number of steps (0 = use config)")
	workers := flag.Int("workers", -1, "Worker goroutines (-1 = use config, 0 = GOMAXPROCS)")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()

	if *populationPath != "" {
		cfg.Raster.Path = *populationPath
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *seed != 0 {
		cfg.Simulation.Seed = *seed
	}
	if *steps > 0 {
		cfg.Simulation.Steps = *steps
	}
	if *workers >= 0 {
		cfg.Simulation.Workers = *workers
		cfg.Gravity.Workers = *workers
	}
	if err := cfg.Resolve(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *outputDir); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, outputDir string) error {
	human, err := cfg.HumanPopulation()
	if err != nil {
		return err
	}
	initial, err := cfg.InitialPopulation(human)
	if err != nil {
		return err
	}

	var db *store.DB
	if cfg.Store.Path != "" {
		db, err = store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	p := cfg.GravityParams()
	start := time.Now()
	idx, cached, err := store.LoadOrBuild(db, store.NewIndexKey(p, cfg.Gravity.Aggregator, human), func() (*gravity.Index, error) {
		return gravity.BuildContext(ctx, human, p)
	})
	if err != nil {
		return err
	}
	slog.Info("gravity index ready",
		"rows", human.Rows,
		"cols", human.Cols,
		"coarse_rows", idx.Rows,
		"coarse_cols", idx.Cols,
		"cached", cached,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	s, err := sim.New(sim.Config{
		Gravity:         p,
		DispersalPerPop: cfg.Transport.DispersalPerPop,
		Mode:            cfg.Derived.Mode,
		Policy:          cfg.Derived.Policy,
		MaxRedraws:      cfg.Transport.MaxRedraws,
		Seed:            cfg.Simulation.Seed,
		Workers:         cfg.Simulation.Workers,
		Index:           idx,
	}, human, initial, nil)
	if err != nil {
		return err
	}
	perf := telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow)
	s.SetPerf(perf)

	om, err := telemetry.NewOutputManager(outputDir)
	if err != nil {
		return err
	}
	defer om.Close()
	if err := om.WriteConfig(cfg); err != nil {
		return err
	}
	if err := om.WriteRaster("initial", initial); err != nil {
		return err
	}

	slog.Info("starting simulation",
		"seed", cfg.Simulation.Seed,
		"steps", cfg.Simulation.Steps,
		"mode", cfg.Transport.Mode,
		"discard_policy", cfg.Derived.Policy,
		"initial_population", initial.Sum(),
	)

	logEvery := cfg.Telemetry.LogEvery
	err = s.Run(ctx, cfg.Simulation.Steps, func(st telemetry.StepStats) error {
		if err := om.WriteStep(st); err != nil {
			return err
		}
		if logEvery > 0 && st.Step%logEvery == 0 {
			st.LogStats()
			ps := perf.Stats()
			ps.LogStats()
			return om.WritePerf(ps, st.Step)
		}
		return nil
	})
	if err != nil {
		return err
	}

	final := s.World().Current()
	slog.Info("simulation finished",
		"steps", s.StepCount(),
		"total", s.World().Total(),
		"occupied", countOccupied(final),
	)
	if cfg.Telemetry.WriteFinal {
		if err := om.WriteRaster("final", final); err != nil {
			return err
		}
	}
	return nil
}

func countOccupied(g *raster.Grid) int {
	n := 0
	for _, v := range g.Data {
		if v > 0 {
			n++
		}
	}
	return n
}
