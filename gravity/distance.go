package gravity

import "math"

// DistanceField holds distance^exponent for every non-negative coarse
// offset. Euclidean distance is symmetric across both axes, so callers index
// it with absolute row and column offsets.
type DistanceField struct {
	Rows, Cols int
	Data       []float64
}

// At returns the exponentiated distance for offset (di, dj), both >= 0.
func (d *DistanceField) At(di, dj int) float64 {
	return d.Data[di*d.Cols+dj]
}

// SelfDistance is the mean distance from the centroid of a square cell of
// side cellsize*scale to a uniformly random point inside it.
func SelfDistance(cellsize float64, scale int) float64 {
	side := cellsize * float64(scale)
	return side / 6 * (math.Sqrt2 + math.Log(1+math.Sqrt2))
}

// BuildDistances computes the distance field for a coarse grid of the given
// shape. Offset (0,0) uses SelfDistance, since the centre-to-centre distance
// of zero would make a cell's gravity to itself infinite.
func BuildDistances(rows, cols int, distExponent, cellsize float64, scale int) DistanceField {
	d := DistanceField{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
	side := cellsize * float64(scale)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			d.Data[i*cols+j] = math.Pow(math.Hypot(float64(i), float64(j))*side, distExponent)
		}
	}
	d.Data[0] = math.Pow(SelfDistance(cellsize, scale), distExponent)
	return d
}
