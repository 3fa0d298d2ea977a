package raster

import (
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// SynthParams controls generation of a synthetic population raster.
type SynthParams struct {
	Rows, Cols int
	Seed       int64

	Frequency  float64 // base noise frequency over the whole raster
	Octaves    int     // fBm octaves
	Lacunarity float64 // frequency multiplier per octave
	Gain       float64 // amplitude multiplier per octave
	Contrast   float64 // exponent applied to the fBm value (higher = sparser settlements)
	MaxDensity float64 // population of the densest cell

	// SeaLevel in [0,1). Cells whose land noise falls below it are no-data.
	// Zero disables the sea mask.
	SeaLevel float64
}

// DefaultSynthParams returns a moderate 64×64 raster configuration.
func DefaultSynthParams() SynthParams {
	return SynthParams{
		Rows:       64,
		Cols:       64,
		Seed:       42,
		Frequency:  4,
		Octaves:    4,
		Lacunarity: 2,
		Gain:       0.5,
		Contrast:   3,
		MaxDensity: 1000,
	}
}

// Synthesize generates a clustered population raster from fractal simplex
// noise. The same params always give the same raster.
func Synthesize(p SynthParams) *Grid {
	pop := opensimplex.NewNormalized(p.Seed)
	land := opensimplex.NewNormalized(p.Seed + 1)

	g := New(p.Rows, p.Cols)
	for i := 0; i < p.Rows; i++ {
		for j := 0; j < p.Cols; j++ {
			u := float64(j) / float64(p.Cols)
			v := float64(i) / float64(p.Rows)
			if p.SeaLevel > 0 && fbm(land, u, v, p.Frequency/2, 2, p.Lacunarity, p.Gain) < p.SeaLevel {
				g.Data[i*p.Cols+j] = NoData
				continue
			}
			n := fbm(pop, u, v, p.Frequency, p.Octaves, p.Lacunarity, p.Gain)
			g.Data[i*p.Cols+j] = math.Pow(n, p.Contrast) * p.MaxDensity
		}
	}
	return g
}

// fbm sums octaves of normalized noise and rescales the result to [0,1].
func fbm(noise opensimplex.Noise, u, v, freq float64, octaves int, lacunarity, gain float64) float64 {
	sum, amp, norm := 0.0, 1.0, 0.0
	for o := 0; o < octaves; o++ {
		sum += amp * noise.Eval2(u*freq, v*freq)
		norm += amp
		freq *= lacunarity
		amp *= gain
	}
	if norm == 0 {
		return 0
	}
	return math.Min(math.Max(sum/norm, 0), 1)
}
