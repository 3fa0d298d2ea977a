// Package config provides configuration loading and access for the simulation.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/dispersal/dispersal"
	"github.com/pthm-cable/dispersal/gravity"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/transport"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all simulation configuration parameters.
type Config struct {
	Raster     RasterConfig     `yaml:"raster"`
	Gravity    GravityConfig    `yaml:"gravity"`
	Transport  TransportConfig  `yaml:"transport"`
	Simulation SimulationConfig `yaml:"simulation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Store      StoreConfig      `yaml:"store"`
	Fit        FitConfig        `yaml:"fit"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// RasterConfig selects the human population raster.
type RasterConfig struct {
	Path  string      `yaml:"path"` // long-format CSV (row,col,value); empty = synthesize
	Synth SynthConfig `yaml:"synth"`
}

// SynthConfig holds parameters of the synthetic population raster.
type SynthConfig struct {
	Rows       int     `yaml:"rows"`
	Cols       int     `yaml:"cols"`
	Seed       int64   `yaml:"seed"`
	Frequency  float64 `yaml:"frequency"`
	Octaves    int     `yaml:"octaves"`
	Lacunarity float64 `yaml:"lacunarity"`
	Gain       float64 `yaml:"gain"`
	Contrast   float64 `yaml:"contrast"`    // exponent sharpening dense centres
	MaxDensity float64 `yaml:"max_density"` // population of the densest cell
	SeaLevel   float64 `yaml:"sea_level"`   // land noise below this is no-data
}

// GravityConfig holds gravity index parameters. Any change rebuilds the index.
type GravityConfig struct {
	Cellsize      float64 `yaml:"cellsize"`
	Scale         int     `yaml:"scale"`
	Aggregator    string  `yaml:"aggregator"` // mean, sum, max, min, median
	HumanExponent float64 `yaml:"human_exponent"`
	DistExponent  float64 `yaml:"dist_exponent"`
	NShortlisted  int     `yaml:"nshortlisted"`
	Workers       int     `yaml:"workers"` // 0 = GOMAXPROCS
}

// TransportConfig holds the transport mode and dispersal rate.
type TransportConfig struct {
	Mode               string  `yaml:"mode"` // batch or hierarchical
	DispersalPerPop    float64 `yaml:"dispersal_per_pop"`
	MaxDispersers      int     `yaml:"max_dispersers"`      // batch: largest event
	HierarchicalScalar float64 `yaml:"hierarchical_scalar"` // hierarchical: mean event size / N
	DiscardPolicy      string  `yaml:"discard_policy"`      // discard, retain or redraw
	MaxRedraws         int     `yaml:"max_redraws"`
}

// SimulationConfig holds run parameters of the reference host.
type SimulationConfig struct {
	Seed    uint64        `yaml:"seed"`
	Steps   int           `yaml:"steps"`
	Workers int           `yaml:"workers"` // 0 = GOMAXPROCS
	Initial InitialConfig `yaml:"initial"`
}

// InitialConfig places the initial dispersing population.
type InitialConfig struct {
	Path       string  `yaml:"path"`       // raster CSV; empty = single seeded cell
	Row        int     `yaml:"row"`        // -1 with col -1 = densest human cell
	Col        int     `yaml:"col"`
	Population float64 `yaml:"population"` // individuals in the seeded cell
}

// TelemetryConfig holds output parameters.
type TelemetryConfig struct {
	LogEvery   int  `yaml:"log_every"`   // steps between stats log lines (0 = never)
	PerfWindow int  `yaml:"perf_window"` // steps averaged by the perf collector
	WriteFinal bool `yaml:"write_final"` // save the final population raster
}

// StoreConfig holds the gravity index cache location.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite file; empty disables caching
}

// FitConfig holds parameter fitting settings.
type FitConfig struct {
	ObservedPath string       `yaml:"observed_path"` // observed occupancy raster
	Steps        int          `yaml:"steps"`         // simulation steps per evaluation
	Seeds        int          `yaml:"seeds"`         // replicate runs per evaluation
	Threshold    float64      `yaml:"threshold"`     // population above which a cell counts as occupied
	Params       []ParamBound `yaml:"params"`
}

// ParamBound is the fitting range of one parameter. Bounds are not
// enforced on ordinary runs.
type ParamBound struct {
	Name string  `yaml:"name"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	Aggregator raster.Aggregator
	Mode       transport.Mode
	Policy     dispersal.Policy
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Defaults returns the embedded default configuration.
func Defaults() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Only overwrites fields present in the file.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve recomputes derived values and validates the config. Call it again
// after modifying a loaded Config.
func (c *Config) Resolve() error {
	agg, err := raster.AggregatorByName(c.Gravity.Aggregator)
	if err != nil {
		return fmt.Errorf("gravity.aggregator: %w: %w", ErrInvalid, err)
	}
	c.Derived.Aggregator = agg

	kind, err := transport.ParseKind(c.Transport.Mode)
	if err != nil {
		return fmt.Errorf("transport.mode: %w: %w", ErrInvalid, err)
	}
	c.Derived.Mode = transport.Mode{
		Kind:         kind,
		MaxEventSize: c.Transport.MaxDispersers,
		Scalar:       c.Transport.HierarchicalScalar,
	}

	policy, err := dispersal.ParsePolicy(c.Transport.DiscardPolicy)
	if err != nil {
		return fmt.Errorf("transport.discard_policy: %w: %w", ErrInvalid, err)
	}
	c.Derived.Policy = policy

	return c.Validate()
}

// Validate rejects values that have no physical meaning. It does not check
// raster-dependent limits such as nshortlisted against the coarse grid.
func (c *Config) Validate() error {
	if err := c.GravityParams().Validate(); err != nil {
		return fmt.Errorf("gravity: %w: %w", ErrInvalid, err)
	}
	if err := c.Derived.Mode.Validate(); err != nil {
		return fmt.Errorf("transport: %w: %w", ErrInvalid, err)
	}
	if c.Transport.DispersalPerPop < 0 {
		return fmt.Errorf("transport.dispersal_per_pop %v: %w", c.Transport.DispersalPerPop, ErrInvalid)
	}
	if c.Transport.MaxRedraws < 0 {
		return fmt.Errorf("transport.max_redraws %d: %w", c.Transport.MaxRedraws, ErrInvalid)
	}
	if c.Raster.Path == "" && (c.Raster.Synth.Rows < 1 || c.Raster.Synth.Cols < 1) {
		return fmt.Errorf("raster.synth shape %dx%d: %w", c.Raster.Synth.Rows, c.Raster.Synth.Cols, ErrInvalid)
	}
	if c.Simulation.Steps < 0 {
		return fmt.Errorf("simulation.steps %d: %w", c.Simulation.Steps, ErrInvalid)
	}
	for _, b := range c.Fit.Params {
		if !(b.Max > b.Min) {
			return fmt.Errorf("fit.params %s [%v, %v]: %w", b.Name, b.Min, b.Max, ErrInvalid)
		}
	}
	return nil
}

// GravityParams returns the gravity index build parameters.
func (c *Config) GravityParams() gravity.Params {
	agg := c.Derived.Aggregator
	if agg == nil {
		agg = raster.Mean
	}
	return gravity.Params{
		Cellsize:      c.Gravity.Cellsize,
		Scale:         c.Gravity.Scale,
		Aggregator:    agg,
		HumanExponent: c.Gravity.HumanExponent,
		DistExponent:  c.Gravity.DistExponent,
		NShortlisted:  c.Gravity.NShortlisted,
		Workers:       c.Gravity.Workers,
	}
}

// SynthParams returns the synthetic raster parameters.
func (c *Config) SynthParams() raster.SynthParams {
	s := c.Raster.Synth
	return raster.SynthParams{
		Rows:       s.Rows,
		Cols:       s.Cols,
		Seed:       s.Seed,
		Frequency:  s.Frequency,
		Octaves:    s.Octaves,
		Lacunarity: s.Lacunarity,
		Gain:       s.Gain,
		Contrast:   s.Contrast,
		MaxDensity: s.MaxDensity,
		SeaLevel:   s.SeaLevel,
	}
}

// HumanPopulation loads the raster named by raster.path, or synthesizes one.
func (c *Config) HumanPopulation() (*raster.Grid, error) {
	if c.Raster.Path == "" {
		return raster.Synthesize(c.SynthParams()), nil
	}
	g, err := raster.Load(c.Raster.Path)
	if err != nil {
		return nil, fmt.Errorf("loading human population: %w", err)
	}
	return g, nil
}

// InitialPopulation returns the starting population for a world shaped like
// human. Without a path, Initial.Population is placed in one cell, by
// default the densest cell of human.
func (c *Config) InitialPopulation(human *raster.Grid) (*raster.Grid, error) {
	in := c.Simulation.Initial
	if in.Path != "" {
		g, err := raster.Load(in.Path)
		if err != nil {
			return nil, fmt.Errorf("loading initial population: %w", err)
		}
		if !g.SameShape(human) {
			return nil, fmt.Errorf("initial population %dx%d, human population %dx%d: %w",
				g.Rows, g.Cols, human.Rows, human.Cols, raster.ErrShape)
		}
		return g, nil
	}

	g := raster.New(human.Rows, human.Cols)
	ix := raster.Index{Row: in.Row, Col: in.Col}
	if ix.Row < 0 && ix.Col < 0 {
		best := -1
		for i, v := range human.Data {
			if !raster.IsNoData(v) && (best < 0 || v > human.Data[best]) {
				best = i
			}
		}
		if best < 0 {
			return nil, fmt.Errorf("human population has no data: %w", raster.ErrEmpty)
		}
		ix = human.Unflat(best)
	}
	if !g.InBounds(ix) {
		return nil, fmt.Errorf("simulation.initial cell %v outside %dx%d: %w", ix, g.Rows, g.Cols, ErrInvalid)
	}
	g.Set(ix, in.Population)
	return g, nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
