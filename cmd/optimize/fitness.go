package main

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/pthm-cable/dispersal/config"
	"github.com/pthm-cable/dispersal/gravity"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/sim"
	"github.com/pthm-cable/dispersal/store"
)

// invalidFitness is returned for parameter vectors the config rejects. It is
// worse than any real mismatch.
const invalidFitness = 2.0

// FitnessEvaluator runs simulations and scores their final occupancy
// against an observed raster.
type FitnessEvaluator struct {
	params     *ParamVector
	baseConfig *config.Config
	seeds      []uint64
	steps      int
	threshold  float64

	human    *raster.Grid
	initial  *raster.Grid
	observed []bool
	db       *store.DB // optional index cache

	mu          sync.Mutex
	lastJaccard float64 // similarity from the most recent Evaluate call
}

// NewFitnessEvaluator creates a new evaluator. observed must have the shape
// of human; cells above cfg.Fit.Threshold count as occupied.
func NewFitnessEvaluator(params *ParamVector, baseCfg *config.Config, human, initial, observed *raster.Grid, db *store.DB) (*FitnessEvaluator, error) {
	if !observed.SameShape(human) {
		return nil, fmt.Errorf("observed raster %dx%d, human population %dx%d: %w",
			observed.Rows, observed.Cols, human.Rows, human.Cols, raster.ErrShape)
	}
	seeds := make([]uint64, max(1, baseCfg.Fit.Seeds))
	for i := range seeds {
		seeds[i] = baseCfg.Simulation.Seed + uint64(i)*1000
	}
	return &FitnessEvaluator{
		params:     params,
		baseConfig: baseCfg,
		seeds:      seeds,
		steps:      baseCfg.Fit.Steps,
		threshold:  baseCfg.Fit.Threshold,
		human:      human,
		initial:    initial,
		observed:   occupancy(observed, baseCfg.Fit.Threshold),
		db:         db,
	}, nil
}

// LastJaccard returns the mean occupancy similarity of the most recent
// evaluation.
func (fe *FitnessEvaluator) LastJaccard() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastJaccard
}

// Evaluate computes fitness for a parameter vector (lower = better): one
// minus the mean Jaccard similarity between simulated and observed
// occupancy across seeds.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	cfg := fe.copyConfig()
	if err := fe.params.ApplyToConfig(cfg, x); err != nil {
		return invalidFitness
	}

	// All seeds share the parameters, so the index is built once.
	p := cfg.GravityParams()
	key := store.NewIndexKey(p, cfg.Gravity.Aggregator, fe.human)
	idx, _, err := store.LoadOrBuild(fe.db, key, func() (*gravity.Index, error) {
		return gravity.BuildContext(context.Background(), fe.human, p)
	})
	if err != nil {
		return invalidFitness
	}

	scores := make([]float64, len(fe.seeds))
	errs := make([]error, len(fe.seeds))
	var wg sync.WaitGroup
	for i, seed := range fe.seeds {
		wg.Add(1)
		go func(i int, seed uint64) {
			defer wg.Done()
			scores[i], errs[i] = fe.runSimulation(cfg, idx, seed)
		}(i, seed)
	}
	wg.Wait()

	var sum float64
	for i, s := range scores {
		if errs[i] != nil {
			return invalidFitness
		}
		sum += s
	}
	mean := sum / float64(len(scores))

	fe.mu.Lock()
	fe.lastJaccard = mean
	fe.mu.Unlock()

	return 1 - clamp01(mean)
}

// runSimulation runs one seed and returns the Jaccard similarity of its final
// occupancy.
func (fe *FitnessEvaluator) runSimulation(cfg *config.Config, idx *gravity.Index, seed uint64) (float64, error) {
	s, err := sim.New(sim.Config{
		Gravity:         cfg.GravityParams(),
		DispersalPerPop: cfg.Transport.DispersalPerPop,
		Mode:            cfg.Derived.Mode,
		Policy:          cfg.Derived.Policy,
		MaxRedraws:      cfg.Transport.MaxRedraws,
		Seed:            seed,
		Workers:         cfg.Simulation.Workers,
		Index:           idx,
	}, fe.human, fe.initial, nil)
	if err != nil {
		return 0, err
	}
	if err := s.Run(context.Background(), fe.steps, nil); err != nil {
		return 0, err
	}
	return jaccard(occupancy(s.World().Current(), fe.threshold), fe.observed), nil
}

// copyConfig returns a copy of the base config that evaluations may modify.
func (fe *FitnessEvaluator) copyConfig() *config.Config {
	cfg := *fe.baseConfig
	return &cfg
}

// occupancy flags cells whose value exceeds threshold. No-data cells are
// never occupied.
func occupancy(g *raster.Grid, threshold float64) []bool {
	occ := make([]bool, len(g.Data))
	for i, v := range g.Data {
		occ[i] = v > threshold
	}
	return occ
}

// jaccard returns |a ∩ b| / |a ∪ b|, or 1 when both are empty.
func jaccard(a, b []bool) float64 {
	var inter, union int
	for i := range a {
		if a[i] && b[i] {
			inter++
		}
		if a[i] || b[i] {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// clamp01 clamps x to [0, 1].
func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
