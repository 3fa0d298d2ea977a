package store

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"math"

	"github.com/davecgh/go-spew/spew"

	"github.com/pthm-cable/dispersal/gravity"
	"github.com/pthm-cable/dispersal/raster"
)

// IndexKey is everything a gravity index depends on.
type IndexKey struct {
	Cellsize      float64
	Scale         int
	Aggregator    string
	HumanExponent float64
	DistExponent  float64
	NShortlisted  int
	Rows, Cols    int
	Human         []float64
}

// NewIndexKey describes the index built from human with p. Aggregator
// functions cannot be compared, so the configured aggregator name is used.
func NewIndexKey(p gravity.Params, aggregator string, human *raster.Grid) IndexKey {
	if aggregator == "" {
		aggregator = "mean"
	}
	return IndexKey{
		Cellsize:      p.Cellsize,
		Scale:         p.Scale,
		Aggregator:    aggregator,
		HumanExponent: p.HumanExponent,
		DistExponent:  p.DistExponent,
		NShortlisted:  p.NShortlisted,
		Rows:          human.Rows,
		Cols:          human.Cols,
		Human:         human.Data,
	}
}

// keyPrinter dumps keys with field names and sorted map keys, so any field
// added to IndexKey takes part in the fingerprint.
var keyPrinter = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// Fingerprint returns a hex fnv-128a digest of the key's parameters, dumped
// by spew, followed by a digest of the raster values.
func (k IndexKey) Fingerprint() string {
	h := fnv.New128a()
	io.WriteString(h, k.Dump())
	writeValues(h, k.Human)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Dump returns the text that Fingerprint hashes for the key's parameters.
func (k IndexKey) Dump() string {
	params := k
	params.Human = nil
	return keyPrinter.Sprintf("%#v", params)
}

// writeValues writes the bits of every value, with all no-data cells mapped
// to one canonical NaN.
func writeValues(w io.Writer, values []float64) {
	buf := make([]byte, 8)
	canonicalNaN := math.Float64bits(raster.NoData)
	for _, v := range values {
		bits := math.Float64bits(v)
		if raster.IsNoData(v) {
			bits = canonicalNaN
		}
		binary.LittleEndian.PutUint64(buf, bits)
		w.Write(buf)
	}
}
