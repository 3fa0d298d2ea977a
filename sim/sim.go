// Package sim is a minimal host for the dispersal executor: it owns a
// double-buffered world, the gravity index and one executor per worker, and
// advances the world one step at a time.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/pthm-cable/dispersal/dispersal"
	"github.com/pthm-cable/dispersal/gravity"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/telemetry"
	"github.com/pthm-cable/dispersal/transport"
)

// ErrIndexShape indicates a prebuilt index whose geometry does not match the
// population raster and scale.
var ErrIndexShape = errors.New("sim: gravity index does not match the raster")

// Config holds the parameters of a simulation.
type Config struct {
	Gravity         gravity.Params
	DispersalPerPop float64
	Mode            transport.Mode
	Policy          dispersal.Policy
	MaxRedraws      int
	Seed            uint64
	Workers         int // 0 uses GOMAXPROCS

	// Index is a prebuilt index for Gravity, e.g. loaded from a cache.
	// Nil builds one.
	Index *gravity.Index
}

// Simulation advances a World with gravity-model dispersal.
type Simulation struct {
	world  *World
	rule   *dispersal.Rule
	holder *gravity.Holder

	buildMu sync.Mutex
	builder *gravity.Builder
	params  gravity.Params

	seed      uint64
	executors []*dispersal.Executor
	outcomes  []dispersal.Outcome

	step         int
	cumDiscarded float64
	perf         *telemetry.PerfCollector
	occScratch   []float64
}

// New builds the gravity index for human and returns a simulation starting
// from initial. mask flags extra cells that may not receive mass and may be
// nil. Configuration errors, including an nshortlisted larger than the
// coarse grid, are returned here.
func New(cfg Config, human, initial *raster.Grid, mask []bool) (*Simulation, error) {
	if !human.SameShape(initial) {
		return nil, fmt.Errorf("human population %dx%d, initial %dx%d: %w",
			human.Rows, human.Cols, initial.Rows, initial.Cols, raster.ErrShape)
	}
	// Cells without human population data never receive dispersers.
	combined := make([]bool, human.Len())
	if mask != nil {
		if len(mask) != len(combined) {
			return nil, fmt.Errorf("mask has %d cells, grid %d: %w", len(mask), len(combined), raster.ErrShape)
		}
		copy(combined, mask)
	}
	for i, v := range human.Data {
		if raster.IsNoData(v) {
			combined[i] = true
		}
	}
	world, err := NewWorld(initial, combined)
	if err != nil {
		return nil, fmt.Errorf("creating world: %w", err)
	}

	s := &Simulation{
		world:   world,
		builder: gravity.NewBuilder(),
		params:  cfg.Gravity,
		seed:    cfg.Seed,
	}

	idx := cfg.Index
	if idx == nil {
		idx, err = s.builder.Build(context.Background(), human, cfg.Gravity)
		if err != nil {
			return nil, fmt.Errorf("building gravity index: %w", err)
		}
	} else if err := checkIndex(idx, human, cfg.Gravity); err != nil {
		return nil, err
	}
	s.holder = gravity.NewHolder(idx)

	s.rule = &dispersal.Rule{
		HumanPop:        human,
		DispersalPerPop: cfg.DispersalPerPop,
		Mode:            cfg.Mode,
		Index:           s.holder,
		Policy:          cfg.Policy,
		MaxRedraws:      cfg.MaxRedraws,
	}
	if err := s.rule.Validate(); err != nil {
		return nil, err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = max(1, min(workers, world.Rows))
	s.executors = make([]*dispersal.Executor, workers)
	for i := range s.executors {
		s.executors[i] = dispersal.NewExecutor(s.rule, cfg.Seed, uint64(i))
	}
	s.outcomes = make([]dispersal.Outcome, workers)

	return s, nil
}

func checkIndex(idx *gravity.Index, human *raster.Grid, p gravity.Params) error {
	rows, cols := raster.CoarseShape(human.Rows, human.Cols, p.Scale)
	if idx.Scale != p.Scale || idx.Rows != rows || idx.Cols != cols || len(idx.Shortlists) != rows*cols {
		return fmt.Errorf("index %dx%d at scale %d, want %dx%d at scale %d: %w",
			idx.Rows, idx.Cols, idx.Scale, rows, cols, p.Scale, ErrIndexShape)
	}
	return nil
}

// World returns the simulated world.
func (s *Simulation) World() *World { return s.world }

// Index returns the published gravity index.
func (s *Simulation) Index() *gravity.Index { return s.holder.Load() }

// Params returns the parameters of the published index.
func (s *Simulation) Params() gravity.Params {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	return s.params
}

// StepCount returns the number of completed steps.
func (s *Simulation) StepCount() int { return s.step }

// SetPerf enables phase timing. A nil collector disables it.
func (s *Simulation) SetPerf(p *telemetry.PerfCollector) { s.perf = p }

// SetParams rebuilds the gravity index and publishes it. Steps running
// concurrently keep the old index until they next load it. On error the old
// index stays in place.
func (s *Simulation) SetParams(ctx context.Context, p gravity.Params) error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	idx, err := s.builder.Build(ctx, s.rule.HumanPop, p)
	if err != nil {
		return fmt.Errorf("rebuilding gravity index: %w", err)
	}
	s.holder.Store(idx)
	s.params = p
	slog.Info("gravity index swapped",
		"human_exponent", p.HumanExponent,
		"dist_exponent", p.DistExponent,
		"nshortlisted", p.NShortlisted,
		"scale", p.Scale,
	)
	return nil
}

// Step advances the world by one step and returns its statistics. Rows are
// processed by a worker pool; every row reseeds its executor from
// (seed, step, row), so the result does not depend on the worker count.
func (s *Simulation) Step() telemetry.StepStats {
	w := s.world
	s.perf.StartStep()

	s.perf.StartPhase(telemetry.PhaseTotals)
	before := w.Total()

	s.perf.StartPhase(telemetry.PhaseCopy)
	w.begin()

	s.perf.StartPhase(telemetry.PhaseDispersal)
	step := uint64(s.step)
	rowChan := make(chan int, len(s.executors))
	var wg sync.WaitGroup
	for k, e := range s.executors {
		s.outcomes[k] = dispersal.Outcome{}
		wg.Add(1)
		go func(e *dispersal.Executor, out *dispersal.Outcome) {
			defer wg.Done()
			for row := range rowChan {
				e.Reseed(s.seed, step<<32|uint64(row))
				s.row(e, row, out)
			}
		}(e, &s.outcomes[k])
	}
	for row := 0; row < w.Rows; row++ {
		rowChan <- row
	}
	close(rowChan)
	wg.Wait()

	s.perf.StartPhase(telemetry.PhaseCommit)
	w.Swap()
	s.step++

	s.perf.StartPhase(telemetry.PhaseStats)
	var total dispersal.Outcome
	for _, o := range s.outcomes {
		total.Merge(o)
	}
	s.cumDiscarded += total.Discarded

	stats := telemetry.StepStats{
		Step:         s.step,
		TotalBefore:  before,
		TotalAfter:   w.Total(),
		CumDiscarded: s.cumDiscarded,
		Events:       total.Events,
		Dispersed:    total.Dispersed,
		Discarded:    total.Discarded,
		Retained:     total.Retained,
		Redraws:      total.Redraws,
	}
	stats.Occupied, stats.MaxCell, stats.OccupiedP10, stats.OccupiedP50, stats.OccupiedP90, s.occScratch =
		telemetry.Occupancy(w.cur, s.occScratch)

	s.perf.EndStep()
	return stats
}

// row runs the executor over every unmasked cell of one row.
func (s *Simulation) row(e *dispersal.Executor, row int, out *dispersal.Outcome) {
	w := s.world
	for col := 0; col < w.Cols; col++ {
		i := row*w.Cols + col
		if w.mask[i] {
			continue
		}
		if n := w.cur[i]; n > 0 {
			out.Merge(e.Execute(w, n, raster.Index{Row: row, Col: col}))
		}
	}
}

// Run advances the world by steps steps, calling fn after each one. It stops
// early when ctx is cancelled or fn returns an error.
func (s *Simulation) Run(ctx context.Context, steps int, fn func(telemetry.StepStats) error) error {
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats := s.Step()
		if fn != nil {
			if err := fn(stats); err != nil {
				return err
			}
		}
	}
	return nil
}
