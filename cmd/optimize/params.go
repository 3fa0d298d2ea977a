// Package main fits dispersal parameters to an observed occupancy raster
// with CMA-ES.
package main

import (
	"fmt"
	"math"

	"github.com/pthm-cable/dispersal/config"
)

// ParamSpec defines a single optimizable parameter.
type ParamSpec struct {
	Name    string  // Name used in fit.params
	Path    string  // Config path for logging
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64 // Starting value, taken from the base config
	Integer bool    // Rounded before it is applied
}

// paramField binds a fittable parameter name to its config field.
type paramField struct {
	path    string
	integer bool
	get     func(cfg *config.Config) float64
	set     func(cfg *config.Config, v float64)
}

var paramFields = map[string]paramField{
	"human_exponent": {
		path: "gravity.human_exponent",
		get:  func(c *config.Config) float64 { return c.Gravity.HumanExponent },
		set:  func(c *config.Config, v float64) { c.Gravity.HumanExponent = v },
	},
	"dist_exponent": {
		path: "gravity.dist_exponent",
		get:  func(c *config.Config) float64 { return c.Gravity.DistExponent },
		set:  func(c *config.Config, v float64) { c.Gravity.DistExponent = v },
	},
	"dispersal_per_pop": {
		path: "transport.dispersal_per_pop",
		get:  func(c *config.Config) float64 { return c.Transport.DispersalPerPop },
		set:  func(c *config.Config, v float64) { c.Transport.DispersalPerPop = v },
	},
	"max_dispersers": {
		path:    "transport.max_dispersers",
		integer: true,
		get:     func(c *config.Config) float64 { return float64(c.Transport.MaxDispersers) },
		set:     func(c *config.Config, v float64) { c.Transport.MaxDispersers = int(v) },
	},
	"hierarchical_scalar": {
		path: "transport.hierarchical_scalar",
		get:  func(c *config.Config) float64 { return c.Transport.HierarchicalScalar },
		set:  func(c *config.Config, v float64) { c.Transport.HierarchicalScalar = v },
	},
	"nshortlisted": {
		path:    "gravity.nshortlisted",
		integer: true,
		get:     func(c *config.Config) float64 { return float64(c.Gravity.NShortlisted) },
		set:     func(c *config.Config, v float64) { c.Gravity.NShortlisted = int(v) },
	},
}

// ParamVector holds the set of all optimizable parameters.
type ParamVector struct {
	Specs []ParamSpec
}

// NewParamVector builds the parameter set named by cfg.Fit.Params. Defaults
// come from cfg, clamped into range.
func NewParamVector(cfg *config.Config) (*ParamVector, error) {
	if len(cfg.Fit.Params) == 0 {
		return nil, fmt.Errorf("fit.params is empty: %w", config.ErrInvalid)
	}
	pv := &ParamVector{}
	seen := make(map[string]bool)
	for _, b := range cfg.Fit.Params {
		f, ok := paramFields[b.Name]
		if !ok {
			return nil, fmt.Errorf("fit.params: unknown parameter %q: %w", b.Name, config.ErrInvalid)
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("fit.params: %q listed twice: %w", b.Name, config.ErrInvalid)
		}
		if !(b.Max > b.Min) {
			return nil, fmt.Errorf("fit.params: %q needs max > min, got [%g, %g]: %w", b.Name, b.Min, b.Max, config.ErrInvalid)
		}
		seen[b.Name] = true
		pv.Specs = append(pv.Specs, ParamSpec{
			Name:    b.Name,
			Path:    f.path,
			Min:     b.Min,
			Max:     b.Max,
			Default: math.Max(b.Min, math.Min(b.Max, f.get(cfg))),
			Integer: f.integer,
		})
	}
	return pv, nil
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector returns the default parameter values as a slice.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp ensures all values are within bounds. Integer parameters are
// rounded.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		val := math.Max(spec.Min, math.Min(spec.Max, v[i]))
		if spec.Integer {
			val = math.Round(val)
		}
		clamped[i] = val
	}
	return clamped
}

// ApplyToConfig applies parameter values to cfg and recomputes its derived
// values.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) error {
	for i, v := range pv.Clamp(values) {
		paramFields[pv.Specs[i].Name].set(cfg, v)
	}
	return cfg.Resolve()
}

// ExtractFromConfig extracts current parameter values from a Config struct.
func (pv *ParamVector) ExtractFromConfig(cfg *config.Config) []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = paramFields[spec.Name].get(cfg)
	}
	return v
}
