package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"visflag/internal/monitoring"
	"visflag/pkg/config"
	"visflag/pkg/flagging"
	"visflag/pkg/pipeline"
	"visflag/pkg/source"
)

// parseIndices parses a comma separated list such as "0,1,4-7".
func parseIndices(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q", part)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("invalid range %q", part)
			}
		}
		for i := start; i <= end; i++ {
			out = append(out, i)
		}
	}
	return out, nil
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "visflag.yaml", "Configuration file (defaults are used when it does not exist)")
	writeConfig := flag.Bool("write-config", false, "Write the effective configuration to -config and exit")
	datasetPath := flag.String("dataset", "", "Dataset descriptor (YAML)")
	strategy := flag.String("strategy", "", "Flagging strategy: "+strings.Join(flagging.BuiltinStrategies(), ", ")+" or a strategy file")
	flagTemplate := flag.String("flag-template", "", "Flag file template, a run of % is replaced by the gpubox id")
	channels := flag.String("channels", "", "Coarse channel indices to process, e.g. 0,1,4-7 (default: all)")
	timesteps := flag.String("timesteps", "", "Timestep indices to process (default: all)")
	numCores := flag.Int("cores", 0, "Number of concurrent flagging workers (default: from config)")
	verify := flag.Bool("verify", false, "Read the flag files back and compare them after writing")
	report := flag.String("report", "", "Write the occupancy report to this YAML file")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save images of sampled baselines")
	intermediaryDir := flag.String("intermediary-dir", "", "Directory to save intermediary results")
	quiet := flag.Bool("quiet", false, "Only print errors")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags given on the command line override the configuration
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dataset":
			cfg.Input.Dataset = *datasetPath
		case "strategy":
			cfg.Flagging.Strategy = *strategy
		case "flag-template":
			cfg.Output.FlagTemplate = *flagTemplate
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "verify":
			cfg.Output.Verify = *verify
		case "report":
			cfg.Output.ReportFile = *report
		case "save-intermediary":
			cfg.Output.SaveIntermediaryResults = *saveIntermediary
		case "intermediary-dir":
			cfg.Output.IntermediaryDir = *intermediaryDir
		case "quiet":
			cfg.Output.Verbose = !*quiet
		case "channels":
			idx, err := parseIndices(*channels)
			if err != nil {
				log.Fatalf("Invalid -channels: %v", err)
			}
			cfg.Input.CoarseChannels = idx
		case "timesteps":
			idx, err := parseIndices(*timesteps)
			if err != nil {
				log.Fatalf("Invalid -timesteps: %v", err)
			}
			cfg.Input.Timesteps = idx
		}
	})

	if *writeConfig {
		if err := config.SaveConfig(cfg, *configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Configuration written to %s\n", *configPath)
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if !cfg.Output.Verbose {
		monitoring.SetLogger(nil)
	}

	dataset, err := source.OpenDataset(cfg.Input.Dataset)
	if err != nil {
		log.Fatalf("Failed to open dataset: %v", err)
	}

	if cfg.Output.Verbose {
		fmt.Println("================================")
		fmt.Println("VISFLAG: RFI FLAGGING OF RAW CORRELATOR VISIBILITIES")
		fmt.Println("================================")
	}

	var chunksDone, baselinesDone atomic.Int64
	numCoarse, numTimesteps := len(dataset.CoarseChannels()), dataset.NumTimesteps()
	if cfg.Input.CoarseChannels != nil {
		numCoarse = len(cfg.Input.CoarseChannels)
	}
	if cfg.Input.Timesteps != nil {
		numTimesteps = len(cfg.Input.Timesteps)
	}
	totalChunks := int64(numCoarse * numTimesteps)
	totalBaselines := int64(dataset.NumBaselines())

	params := &pipeline.Params{
		Context:                 dataset,
		Reader:                  dataset,
		CoarseChannels:          cfg.Input.CoarseChannels,
		Timesteps:               cfg.Input.Timesteps,
		Strategy:                cfg.Flagging.Strategy,
		FlagTemplate:            cfg.Output.FlagTemplate,
		NumCores:                cfg.Processing.NumCores,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         cfg.Output.IntermediaryDir,
		ReportFile:              cfg.Output.ReportFile,
	}
	if cfg.Output.Verbose {
		params.Hooks = pipeline.Hooks{
			OnChunk: func(int, int) {
				n := chunksDone.Add(1)
				fmt.Printf("\rReading chunks: %.1f%% complete", float64(n)/float64(totalChunks)*100)
				if n == totalChunks {
					fmt.Println()
				}
			},
			OnBaseline: func(int) {
				n := baselinesDone.Add(1)
				if n == totalBaselines || n%64 == 0 {
					fmt.Printf("\rFlagging baselines: %d/%d", n, totalBaselines)
				}
				if n == totalBaselines {
					fmt.Println()
				}
			},
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	preprocessor := pipeline.NewPreprocessor(params)
	startTime := time.Now()
	if err := preprocessor.Process(ctx); err != nil {
		log.Fatalf("Preprocessing failed: %v", err)
	}
	processingTime := time.Since(startTime)

	if cfg.Output.Verify {
		if err := preprocessor.Verify(); err != nil {
			log.Fatalf("Flag file verification failed: %v", err)
		}
	}

	if !cfg.Output.Verbose {
		return
	}

	metrics := preprocessor.GetMetrics()
	fmt.Printf("\nFlagging completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Println("Flag files written:")
	for _, path := range preprocessor.WrittenFiles() {
		fmt.Printf("- %s\n", path)
	}

	fmt.Printf("\nFlag occupancy:\n")
	fmt.Printf("=======================================\n")
	ids := make([]int, 0, len(metrics.PerChannel))
	for id := range metrics.PerChannel {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Printf("Gpubox %02d: %.3f%%\n", id, metrics.PerChannel[id]*100)
	}
	fmt.Printf("Total: %.3f%% (%d of %d cells)\n", metrics.Total*100, metrics.FlaggedCells, metrics.TotalCells)

	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", cfg.Output.IntermediaryDir)
		fmt.Println("The following stages were saved:")
		fmt.Println("- 01_amplitudes: Amplitude of each polarisation of sampled baselines")
		fmt.Println("- 02_flags: Flag masks of sampled baselines")
		fmt.Println("- 03_overlay: xx amplitude with flagged cells in red")
		fmt.Println("- 04_occupancy: Occupancy per baseline and per coarse channel")
	}
}
