package raster

import (
	"fmt"
	"io"
	"os"

	"github.com/gocarina/gocsv"
)

// CellRecord is one row of the long-format raster CSV.
type CellRecord struct {
	Row   int     `csv:"row"`
	Col   int     `csv:"col"`
	Value float64 `csv:"value"`
}

// ReadCSV parses a long-format raster (row,col,value). The shape is taken
// from the largest row and column present; cells that are not listed, or
// listed as NaN, are no-data.
func ReadCSV(r io.Reader) (*Grid, error) {
	var records []CellRecord
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, fmt.Errorf("parsing raster csv: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmpty
	}

	rows, cols := 0, 0
	for _, rec := range records {
		if rec.Row < 0 || rec.Col < 0 {
			return nil, fmt.Errorf("raster: negative index (%d,%d)", rec.Row, rec.Col)
		}
		rows = max(rows, rec.Row+1)
		cols = max(cols, rec.Col+1)
	}

	g := New(rows, cols)
	g.Fill(NoData)
	for _, rec := range records {
		g.Data[rec.Row*cols+rec.Col] = rec.Value
	}
	return g, nil
}

// WriteCSV writes g in long format. No-data cells are written as NaN unless
// skipNoData is set.
func WriteCSV(w io.Writer, g *Grid, skipNoData bool) error {
	records := make([]CellRecord, 0, g.Len())
	for i, v := range g.Data {
		if skipNoData && IsNoData(v) {
			continue
		}
		ix := g.Unflat(i)
		records = append(records, CellRecord{Row: ix.Row, Col: ix.Col, Value: v})
	}
	if err := gocsv.Marshal(records, w); err != nil {
		return fmt.Errorf("writing raster csv: %w", err)
	}
	return nil
}

// Load reads a long-format raster CSV from disk.
func Load(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening raster: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// Save writes g to disk in long format.
func Save(path string, g *Grid) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating raster file: %w", err)
	}
	if err := WriteCSV(f, g, false); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
