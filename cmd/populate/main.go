// Gravity index preview tool: renders the destination probabilities of one
// source cell, or of every cell, as a fine-resolution raster CSV.
//
// Usage: go run ./cmd/populate -row 10 -col 12 -output dest.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pthm-cable/dispersal/config"
	"github.com/pthm-cable/dispersal/gravity"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	populationPath := flag.String("population", "", "Human population raster CSV (overrides raster.path)")
	row := flag.Int("row", -1, "Fine source row (-1 with -col -1 = every cell)")
	col := flag.Int("col", -1, "Fine source column")
	output := flag.String("output", "populate.csv", "Output raster CSV")
	humanOut := flag.String("human-output", "", "Also write the human population raster here")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *populationPath, raster.Index{Row: *row, Col: *col}, *output, *humanOut); err != nil {
		slog.Error("populate failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, populationPath string, src raster.Index, output, humanOut string) error {
	if err := config.Init(configPath); err != nil {
		return err
	}
	cfg := config.Cfg()
	if populationPath != "" {
		cfg.Raster.Path = populationPath
	}

	human, err := cfg.HumanPopulation()
	if err != nil {
		return err
	}
	if humanOut != "" {
		if err := raster.Save(humanOut, human); err != nil {
			return err
		}
	}

	var db *store.DB
	if cfg.Store.Path != "" {
		if db, err = store.Open(cfg.Store.Path); err != nil {
			return err
		}
		defer db.Close()
	}
	p := cfg.GravityParams()
	idx, cached, err := store.LoadOrBuild(db, store.NewIndexKey(p, cfg.Gravity.Aggregator, human), func() (*gravity.Index, error) {
		return gravity.BuildContext(context.Background(), human, p)
	})
	if err != nil {
		return err
	}

	dst, err := render(idx, human, src)
	if err != nil {
		return err
	}
	if err := raster.Save(output, dst); err != nil {
		return err
	}
	slog.Info("populated",
		"source", src,
		"cached", cached,
		"sum", dst.Sum(),
		"output", output,
	)
	return nil
}

// render returns the destination probabilities of the coarse cell containing
// the fine cell src, or of every coarse cell when src is (-1, -1). Cells
// without human population data are no-data in the result.
func render(idx *gravity.Index, human *raster.Grid, src raster.Index) (*raster.Grid, error) {
	dst := raster.New(human.Rows, human.Cols)
	if src.Row < 0 && src.Col < 0 {
		idx.Populate(dst)
	} else {
		if !human.InBounds(src) {
			return nil, fmt.Errorf("source %v outside %dx%d: %w", src, human.Rows, human.Cols, raster.ErrShape)
		}
		idx.Populate(dst, raster.CoarseIndex(src, idx.Scale))
	}
	for i, v := range human.Data {
		if raster.IsNoData(v) {
			dst.Data[i] = raster.NoData
		}
	}
	return dst, nil
}
