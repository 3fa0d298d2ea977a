package gravity

import "github.com/pthm-cable/dispersal/raster"

// Populate renders shortlists into dst, a raster at fine resolution. For each
// source coarse cell, the probability of each shortlisted destination is
// added to every fine cell of that destination's block. With no sources,
// every coarse cell is rendered. Fine cells outside dst are skipped.
func (x *Index) Populate(dst *raster.Grid, sources ...raster.Index) {
	if len(sources) == 0 {
		sources = make([]raster.Index, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			sources = append(sources, x.Coarse(i))
		}
	}
	for _, src := range sources {
		sl := x.Shortlist(src)
		for i, p := range sl {
			prob := sl.Probability(i)
			origin := raster.FineIndex(x.Coarse(p.Index), x.Scale)
			for dr := 0; dr < x.Scale; dr++ {
				for dc := 0; dc < x.Scale; dc++ {
					fine := origin.Add(raster.Index{Row: dr, Col: dc})
					if dst.InBounds(fine) {
						dst.Data[dst.Flat(fine)] += prob
					}
				}
			}
		}
	}
}
