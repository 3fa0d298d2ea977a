package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pthm-cable/dispersal/dispersal"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/transport"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}

	p := cfg.GravityParams()
	if p.Scale != 4 || p.NShortlisted != 100 || p.Cellsize != 1 {
		t.Errorf("unexpected gravity defaults %+v", p)
	}
	if cfg.Derived.Mode.Kind != transport.BatchGroups || cfg.Derived.Mode.MaxEventSize != 50 {
		t.Errorf("unexpected transport mode %+v", cfg.Derived.Mode)
	}
	if cfg.Derived.Policy != dispersal.Discard {
		t.Errorf("default policy = %v, want discard", cfg.Derived.Policy)
	}
	if len(cfg.Fit.Params) != 4 {
		t.Errorf("expected 4 fit params, got %d", len(cfg.Fit.Params))
	}
}

func TestLoadOverlay(t *testing.T) {
	path := writeFile(t, `
gravity:
  scale: 2
  aggregator: median
transport:
  mode: hierarchical
  discard_policy: redraw
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gravity.Scale != 2 {
		t.Errorf("scale = %d, want 2", cfg.Gravity.Scale)
	}
	if cfg.Gravity.NShortlisted != 100 {
		t.Errorf("nshortlisted = %d, want default 100", cfg.Gravity.NShortlisted)
	}
	if got := cfg.Derived.Aggregator([]float64{1, 5, 2}); got != 2 {
		t.Errorf("median aggregator gave %v", got)
	}
	if cfg.Derived.Mode.Kind != transport.HierarchicalGroups || cfg.Derived.Mode.Scalar != 0.01 {
		t.Errorf("mode = %+v", cfg.Derived.Mode)
	}
	if cfg.Derived.Policy != dispersal.Redraw {
		t.Errorf("policy = %v", cfg.Derived.Policy)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"aggregator", "gravity: {aggregator: mode}", raster.ErrAggregator},
		{"transport mode", "transport: {mode: teleport}", transport.ErrKind},
		{"policy", "transport: {discard_policy: bounce}", dispersal.ErrPolicy},
		{"scale", "gravity: {scale: 0}", raster.ErrScale},
		{"max dispersers", "transport: {max_dispersers: 0}", transport.ErrMaxEventSize},
		{"negative rate", "transport: {dispersal_per_pop: -1}", ErrInvalid},
		{"empty fit range", "fit: {params: [{name: dist_exponent, min: 2, max: 2}]}", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("Load error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Load error %v does not wrap ErrInvalid", err)
			}
		})
	}
}

func TestResolveAfterEdit(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.MaxDispersers = 250
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}
	if cfg.Derived.Mode.MaxEventSize != 250 {
		t.Errorf("derived max event size = %d, want 250", cfg.Derived.Mode.MaxEventSize)
	}
}

func TestInitialPopulation(t *testing.T) {
	human, err := raster.FromRows([][]float64{
		{1, raster.NoData, 3},
		{9, 2, 4},
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	g, err := cfg.InitialPopulation(human)
	if err != nil {
		t.Fatal(err)
	}
	if got := g.At(raster.Index{Row: 1, Col: 0}); got != cfg.Simulation.Initial.Population {
		t.Errorf("densest cell holds %v, want %v", got, cfg.Simulation.Initial.Population)
	}
	if g.Sum() != cfg.Simulation.Initial.Population {
		t.Errorf("total %v", g.Sum())
	}

	cfg.Simulation.Initial.Row, cfg.Simulation.Initial.Col = 5, 0
	if _, err := cfg.InitialPopulation(human); !errors.Is(err, ErrInvalid) {
		t.Errorf("out of bounds seed cell: %v", err)
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.Gravity.DistExponent = 1.5
	cfg.Transport.Mode = "hierarchical"

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatal(err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Gravity.DistExponent != 1.5 || back.Derived.Mode.Kind != transport.HierarchicalGroups {
		t.Errorf("round trip lost values: %+v", back.Gravity)
	}
}

func TestCfgBeforeInitPanics(t *testing.T) {
	saved := global
	global = nil
	defer func() {
		global = saved
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Cfg()
}
