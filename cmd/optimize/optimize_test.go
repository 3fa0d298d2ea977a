package main

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/pthm-cable/dispersal/config"
	"github.com/pthm-cable/dispersal/raster"
)

func TestParamVectorFromDefaults(t *testing.T) {
	cfg := config.Defaults()
	pv, err := NewParamVector(cfg)
	if err != nil {
		t.Fatalf("NewParamVector: %v", err)
	}
	if pv.Dim() != len(cfg.Fit.Params) {
		t.Fatalf("Dim() = %d, want %d", pv.Dim(), len(cfg.Fit.Params))
	}

	def := pv.DefaultVector()
	got := pv.ExtractFromConfig(cfg)
	for i, spec := range pv.Specs {
		if def[i] < spec.Min || def[i] > spec.Max {
			t.Errorf("%s default %v outside [%v, %v]", spec.Name, def[i], spec.Min, spec.Max)
		}
		if def[i] != math.Max(spec.Min, math.Min(spec.Max, got[i])) {
			t.Errorf("%s default %v, config %v", spec.Name, def[i], got[i])
		}
	}

	back := pv.Denormalize(pv.Normalize(def))
	for i := range def {
		if math.Abs(back[i]-def[i]) > 1e-12*math.Max(1, math.Abs(def[i])) {
			t.Errorf("%s round trip %v, want %v", pv.Specs[i].Name, back[i], def[i])
		}
	}
}

func TestParamVectorApply(t *testing.T) {
	cfg := config.Defaults()
	cfg.Fit.Params = []config.ParamBound{
		{Name: "dist_exponent", Min: 1, Max: 3},
		{Name: "max_dispersers", Min: 10, Max: 100},
	}
	pv, err := NewParamVector(cfg)
	if err != nil {
		t.Fatalf("NewParamVector: %v", err)
	}

	clamped := pv.Clamp([]float64{5, 42.6})
	if clamped[0] != 3 || clamped[1] != 43 {
		t.Errorf("Clamp = %v, want [3 43]", clamped)
	}

	if err := pv.ApplyToConfig(cfg, []float64{1.5, 0}); err != nil {
		t.Fatalf("ApplyToConfig: %v", err)
	}
	if cfg.Gravity.DistExponent != 1.5 {
		t.Errorf("dist_exponent = %v, want 1.5", cfg.Gravity.DistExponent)
	}
	if cfg.Transport.MaxDispersers != 10 || cfg.Derived.Mode.MaxEventSize != 10 {
		t.Errorf("max_dispersers = %d (derived %d), want 10",
			cfg.Transport.MaxDispersers, cfg.Derived.Mode.MaxEventSize)
	}
}

func TestNewParamVectorErrors(t *testing.T) {
	tests := []struct {
		name   string
		params []config.ParamBound
	}{
		{"empty", nil},
		{"unknown", []config.ParamBound{{Name: "gravity", Min: 0, Max: 1}}},
		{"duplicate", []config.ParamBound{{Name: "dist_exponent", Min: 1, Max: 2}, {Name: "dist_exponent", Min: 1, Max: 3}}},
		{"empty range", []config.ParamBound{{Name: "dist_exponent", Min: 2, Max: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Fit.Params = tt.params
			_, err := NewParamVector(cfg)
			if !errors.Is(err, config.ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []bool
		want float64
	}{
		{"both empty", []bool{false, false}, []bool{false, false}, 1},
		{"identical", []bool{true, false, true}, []bool{true, false, true}, 1},
		{"disjoint", []bool{true, false}, []bool{false, true}, 0},
		{"half", []bool{true, true, false}, []bool{true, false, false}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jaccard(tt.a, tt.b); got != tt.want {
				t.Errorf("jaccard = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOccupancyIgnoresNoData(t *testing.T) {
	g, err := raster.FromRows([][]float64{{0, 2, raster.NoData}})
	if err != nil {
		t.Fatal(err)
	}
	occ := occupancy(g, 1)
	if occ[0] || !occ[1] || occ[2] {
		t.Errorf("occupancy = %v, want [false true false]", occ)
	}
}

func smallFitConfig(t *testing.T, params ...config.ParamBound) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Raster.Synth.Rows, cfg.Raster.Synth.Cols = 16, 16
	cfg.Gravity.Scale = 2
	cfg.Gravity.NShortlisted = 10
	cfg.Fit.Steps = 3
	cfg.Fit.Seeds = 2
	cfg.Fit.Params = params
	if err := cfg.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return cfg
}

func TestEvaluate(t *testing.T) {
	cfg := smallFitConfig(t,
		config.ParamBound{Name: "dispersal_per_pop", Min: 0, Max: 1e-3},
		config.ParamBound{Name: "nshortlisted", Min: 1, Max: 1000},
	)
	pv, err := NewParamVector(cfg)
	if err != nil {
		t.Fatalf("NewParamVector: %v", err)
	}
	human, err := cfg.HumanPopulation()
	if err != nil {
		t.Fatal(err)
	}
	initial, err := cfg.InitialPopulation(human)
	if err != nil {
		t.Fatal(err)
	}

	fe, err := NewFitnessEvaluator(pv, cfg, human, initial, initial.Clone(), nil)
	if err != nil {
		t.Fatalf("NewFitnessEvaluator: %v", err)
	}

	// Without dispersal the initial occupancy is reproduced exactly.
	if got := fe.Evaluate([]float64{0, 10}); got != 0 {
		t.Errorf("fitness without dispersal = %v, want 0", got)
	}
	if fe.LastJaccard() != 1 {
		t.Errorf("LastJaccard = %v, want 1", fe.LastJaccard())
	}

	// An 8x8 coarse grid cannot hold 1000 shortlisted cells.
	if got := fe.Evaluate([]float64{1e-4, 1000}); got != invalidFitness {
		t.Errorf("fitness with oversized shortlist = %v, want %v", got, invalidFitness)
	}

	if _, err := NewFitnessEvaluator(pv, cfg, human, initial, raster.New(3, 3), nil); !errors.Is(err, raster.ErrShape) {
		t.Errorf("mismatched observed raster: err = %v, want ErrShape", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "0m42s"},
		{61*time.Minute + 5*time.Second, "1h01m05s"},
		{1500 * time.Millisecond, "0m02s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
