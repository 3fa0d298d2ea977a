package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/dispersal/config"
	"github.com/pthm-cable/dispersal/raster"
	"github.com/pthm-cable/dispersal/store"
)

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Base config YAML file (empty = use defaults)")
	observedPath := flag.String("observed", "", "Observed occupancy raster CSV (overrides fit.observed_path)")
	steps := flag.Int("steps", 0, "Simulation steps per run (0 = use fit.steps)")
	seeds := flag.Int("seeds", 0, "Number of seeds per evaluation (0 = use fit.seeds)")
	maxEvals := flag.Int("max-evals", 200, "Maximum number of evaluations")
	population := flag.Int("population", 0, "CMA-ES population size (0 = auto)")
	storePath := flag.String("store", "", "SQLite gravity index cache (overrides store.path)")
	outputDir := flag.String("output", "", "Output directory for results")
	flag.Parse()

	if *outputDir == "" {
		log.Fatal("--output is required")
	}

	// Create output directory
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	// Load base config
	if err := config.Init(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	baseCfg := config.Cfg()
	if *observedPath != "" {
		baseCfg.Fit.ObservedPath = *observedPath
	}
	if *steps > 0 {
		baseCfg.Fit.Steps = *steps
	}
	if *seeds > 0 {
		baseCfg.Fit.Seeds = *seeds
	}
	if *storePath != "" {
		baseCfg.Store.Path = *storePath
	}
	if baseCfg.Fit.ObservedPath == "" {
		log.Fatal("--observed or fit.observed_path is required")
	}

	human, err := baseCfg.HumanPopulation()
	if err != nil {
		log.Fatalf("failed to load human population: %v", err)
	}
	initial, err := baseCfg.InitialPopulation(human)
	if err != nil {
		log.Fatalf("failed to place initial population: %v", err)
	}
	observed, err := raster.Load(baseCfg.Fit.ObservedPath)
	if err != nil {
		log.Fatalf("failed to load observed raster: %v", err)
	}

	var db *store.DB
	if baseCfg.Store.Path != "" {
		db, err = store.Open(baseCfg.Store.Path)
		if err != nil {
			log.Fatalf("failed to open index cache: %v", err)
		}
		defer db.Close()
	}

	// Create parameter vector
	params, err := NewParamVector(baseCfg)
	if err != nil {
		log.Fatalf("invalid fit parameters: %v", err)
	}

	// Create fitness evaluator
	evaluator, err := NewFitnessEvaluator(params, baseCfg, human, initial, observed, db)
	if err != nil {
		log.Fatalf("failed to create evaluator: %v", err)
	}

	// Set up CMA-ES
	dim := params.Dim()
	initX := params.Normalize(params.DefaultVector())

	// Create optimization problem
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return evaluator.Evaluate(params.Denormalize(x))
		},
	}

	// CMA-ES settings
	settings := &optimize.Settings{
		FuncEvaluations: *maxEvals,
		Concurrent:      0, // Sequential evaluation
	}

	// Population size
	popSize := *population
	if popSize == 0 {
		popSize = 4 + int(3.0*float64(dim)/2.0)
	}

	method := &optimize.CmaEsChol{
		InitStepSize: 0.3,
		Population:   popSize,
	}

	// Open log file
	logPath := filepath.Join(*outputDir, "optimize_log.csv")
	logFile, err := os.Create(logPath)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	logWriter := csv.NewWriter(logFile)
	defer logWriter.Flush()

	header := []string{"eval", "fitness", "jaccard"}
	for _, spec := range params.Specs {
		header = append(header, spec.Name)
	}
	logWriter.Write(header)

	// Track evaluations and timing
	evalCount := 0
	bestFitness := invalidFitness
	var bestParams []float64
	startTime := time.Now()

	// Wrap the function to log evaluations
	originalFunc := problem.Func
	problem.Func = func(x []float64) float64 {
		fitness := originalFunc(x)
		evalCount++

		// Log clamped values, which are the ones actually simulated
		clamped := params.Clamp(params.Denormalize(x))
		if fitness < bestFitness {
			bestFitness = fitness
			bestParams = clamped
		}

		jac := evaluator.LastJaccard()
		row := []string{strconv.Itoa(evalCount), fmt.Sprintf("%.6f", fitness), fmt.Sprintf("%.6f", jac)}
		for _, v := range clamped {
			row = append(row, strconv.FormatFloat(v, 'g', 8, 64))
		}
		logWriter.Write(row)
		logWriter.Flush()

		elapsed := time.Since(startTime)
		avgPerEval := elapsed / time.Duration(evalCount)
		remaining := time.Duration(*maxEvals-evalCount) * avgPerEval

		fmt.Printf("Eval %d/%d: jaccard=%.3f (best fitness=%.4f) | elapsed: %s, ETA: %s\n",
			evalCount, *maxEvals, jac, bestFitness,
			formatDuration(elapsed), formatDuration(remaining))

		return fitness
	}

	fmt.Printf("Starting CMA-ES optimization with %d parameters, population=%d, max_evals=%d\n",
		dim, popSize, *maxEvals)
	fmt.Printf("Seeds per evaluation: %d, steps per run: %d\n", baseCfg.Fit.Seeds, baseCfg.Fit.Steps)

	result, err := optimize.Minimize(problem, initX, settings, method)
	if err != nil {
		log.Printf("optimization ended: %v", err)
	}

	// Use best params found (may be from any evaluation, not just final)
	if bestParams == nil && result != nil {
		bestParams = params.Clamp(params.Denormalize(result.X))
	}
	if bestParams == nil {
		log.Fatal("no evaluations completed")
	}

	totalTime := time.Since(startTime)
	fmt.Printf("\nOptimization complete after %d evaluations in %s\n", evalCount, formatDuration(totalTime))
	fmt.Printf("Best fitness: %.4f\n", bestFitness)

	fmt.Println("\nBest parameters:")
	for i, spec := range params.Specs {
		fmt.Printf("  %s (%s): %g\n", spec.Name, spec.Path, bestParams[i])
	}

	// Save best config
	bestCfg := *baseCfg
	if err := params.ApplyToConfig(&bestCfg, bestParams); err != nil {
		log.Fatalf("best parameters rejected: %v", err)
	}

	configOutPath := filepath.Join(*outputDir, "best_config.yaml")
	if err := bestCfg.WriteYAML(configOutPath); err != nil {
		log.Printf("failed to write best config: %v", err)
	} else {
		fmt.Printf("\nBest config saved to: %s\n", configOutPath)
	}
}
