// Package pipeline drives a preprocessing run: read and reshape the raw
// visibilities, flag every baseline, write one flag file per coarse channel.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"

	"visflag/internal/models"
	"visflag/internal/monitoring"
	"visflag/pkg/flagfile"
	"visflag/pkg/flagging"
	"visflag/pkg/geometry"
	"visflag/pkg/reshape"
	"visflag/pkg/source"
	"visflag/pkg/visualization"
)

// Hooks are optional progress observers. They never influence the run.
type Hooks struct {
	// OnChunk is called after each raw chunk has been scattered.
	OnChunk func(coarsePos, timestepPos int)

	// OnBaseline is called after each baseline has been flagged, possibly
	// from several goroutines at once.
	OnBaseline func(baseline int)
}

// Params holds the preprocessing parameters.
type Params struct {
	// Context describes the observation, Reader fetches its raw chunks.
	Context source.Context
	Reader  source.ChunkReader

	// CoarseChannels selects correlator coarse channel indices, nil for all.
	CoarseChannels []int

	// Timesteps selects timestep indices, nil for all.
	Timesteps []int

	// Strategy is a built-in strategy name or a YAML strategy file.
	Strategy string

	// Engine flags the image sets. Nil selects the built-in SumThreshold engine.
	Engine flagging.Engine

	// FlagTemplate names the output files, with a run of '%' for the gpubox id.
	FlagTemplate string

	// GpuboxIDs restricts the exported flag files, nil exports every selected
	// coarse channel.
	GpuboxIDs []int

	// NumCores bounds the number of concurrent flagging workers.
	NumCores int

	// SaveIntermediaryResults saves amplitude and flag images of a sample of
	// baselines to IntermediaryDir.
	SaveIntermediaryResults bool
	IntermediaryDir         string

	// IntermediaryBaselines is the number of sampled baselines, 0 means 4.
	IntermediaryBaselines int

	// ReportFile, when set, receives the occupancy report as YAML.
	ReportFile string

	Hooks Hooks
}

// Preprocessor runs the preprocessing pipeline for one set of parameters.
//
// The pipeline consists of these steps:
// 1. Resolving the selection into a geometry
// 2. Loading the flagging strategy
// 3. Reshaping raw chunks into per-baseline image sets
// 4. Flagging every baseline in parallel
// 5. Writing one flag file per coarse channel
// 6. Calculating flag occupancy
type Preprocessor struct {
	params *Params

	// geo and timesteps describe the resolved selection
	geo       *geometry.Geometry
	timesteps []int

	// gpuboxIDs are the exported coarse channels
	gpuboxIDs []int

	// masks holds the flags of every baseline after step 4
	masks models.FlagMasks

	// samples holds copies of the image sets of the baselines saved as
	// intermediary results, keyed by baseline
	samples models.ImageSets

	written   []string
	occupancy Occupancy
}

// NewPreprocessor creates a preprocessor for the given parameters.
//
// Parameters:
//   - params: Configuration of the run
//
// Returns:
//   - A new Preprocessor, ready for Process
func NewPreprocessor(params *Params) *Preprocessor {
	return &Preprocessor{params: params}
}

// Process runs the complete pipeline. Flag files are written all together or
// not at all. Diagnostics (intermediary images, occupancy plots and the
// report) are only produced once the flag files are in place, so a report
// error leaves WrittenFiles valid.
func (p *Preprocessor) Process(ctx context.Context) error {
	if p.params.Context == nil || p.params.Reader == nil {
		return fmt.Errorf("preprocessor needs a source context and reader")
	}
	if p.params.SaveIntermediaryResults {
		if err := os.MkdirAll(p.params.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	monitoring.Logf("Step 1: Resolving selection...")
	geo, timesteps, err := source.GeometryFor(p.params.Context, p.params.CoarseChannels, p.params.Timesteps)
	if err != nil {
		return fmt.Errorf("failed to resolve selection: %w", err)
	}
	p.geo, p.timesteps = geo, timesteps
	p.gpuboxIDs = p.params.GpuboxIDs
	if p.gpuboxIDs == nil {
		p.gpuboxIDs = geo.GpuboxIDs()
	}
	monitoring.Logf("Selected %d timesteps, %d coarse channels of %d fine channels, %d baselines",
		geo.NumTimesteps, geo.NumCoarseChannels(), geo.FineChansPerCoarse, geo.NumBaselines())

	monitoring.Logf("Step 2: Loading flagging strategy %q...", p.params.Strategy)
	strategy, err := flagging.LoadStrategy(p.params.Strategy)
	if err != nil {
		return fmt.Errorf("failed to load strategy: %w", err)
	}
	engine := p.params.Engine
	if engine == nil {
		engine = flagging.NewSumThreshold()
	}

	monitoring.Logf("Step 3: Reshaping raw chunks into baseline images...")
	imgsets, err := reshape.Reshape(ctx, geo, p.params.Reader, timesteps, reshape.Options{
		OnChunk: p.params.Hooks.OnChunk,
	})
	if err != nil {
		return fmt.Errorf("failed to reshape visibilities: %w", err)
	}
	if p.params.SaveIntermediaryResults {
		p.samples = make(models.ImageSets)
		for _, bl := range sampleBaselines(geo.NumBaselines(), p.params.IntermediaryBaselines) {
			p.samples[bl] = imgsets[bl].Clone()
		}
	}

	monitoring.Logf("Step 4: Flagging %d baselines with %s...", geo.NumBaselines(), strategy.Name)
	masks, err := flagging.FlagImageSets(ctx, engine, strategy, imgsets, geo.NumBaselines(), flagging.DispatchOptions{
		Workers:    p.params.NumCores,
		OnBaseline: p.params.Hooks.OnBaseline,
	})
	if err != nil {
		return fmt.Errorf("failed to flag baselines: %w", err)
	}
	p.masks = masks

	monitoring.Logf("Step 5: Writing %d flag files...", len(p.gpuboxIDs))
	written, err := flagfile.WriteFlags(geo, masks, p.params.FlagTemplate, p.gpuboxIDs)
	if err != nil {
		return fmt.Errorf("failed to write flag files: %w", err)
	}
	p.written = written

	monitoring.Logf("Step 6: Calculating flag occupancy...")
	p.occupancy = computeOccupancy(geo, masks)
	if p.params.SaveIntermediaryResults {
		monitoring.Logf("Saving intermediary results...")
		for _, bl := range sortedBaselines(p.samples) {
			if err := p.saveBaseline(bl); err != nil {
				monitoring.Logf("Warning: Failed to save intermediary images of baseline %d: %v", bl, err)
			}
		}
		if err := p.saveOccupancyPlots(); err != nil {
			monitoring.Logf("Warning: Failed to save occupancy plots: %v", err)
		}
	}
	if p.params.ReportFile != "" {
		if err := p.occupancy.Save(p.params.ReportFile); err != nil {
			return fmt.Errorf("failed to write occupancy report: %w", err)
		}
	}
	return nil
}

// Verify reads every written flag file back and compares the mask it holds
// for each baseline with the one kept in memory.
func (p *Preprocessor) Verify() error {
	if p.masks == nil {
		return fmt.Errorf("nothing to verify, Process has not completed")
	}
	files, err := flagfile.ReadFlags(p.params.FlagTemplate, p.gpuboxIDs, flagfile.ExpectationFor(p.geo))
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	for _, id := range p.gpuboxIDs {
		coarsePos, ok := p.geo.CoarsePosForGpubox(id)
		if !ok {
			return fmt.Errorf("%w: gpubox %d is not in the selection", models.ErrUnknownChannel, id)
		}
		for bl := 0; bl < p.geo.NumBaselines(); bl++ {
			got, want := files[id].BaselineMask(bl), p.masks[bl]
			for fine := 0; fine < p.geo.FineChansPerCoarse; fine++ {
				row := p.geo.RowOffset(coarsePos, fine)
				for ts := 0; ts < p.geo.NumTimesteps; ts++ {
					if got.Get(fine, ts) != want.Get(row, ts) {
						return fmt.Errorf("%w: verification failed for gpubox %d at timestep %d, baseline %d, channel %d",
							models.ErrDimensionMismatch, id, ts, bl, fine)
					}
				}
			}
		}
	}
	monitoring.Logf("Verified %d flag files", len(files))
	return nil
}

// GetMetrics returns the occupancy computed by the last successful Process.
func (p *Preprocessor) GetMetrics() Occupancy {
	return p.occupancy
}

// Geometry returns the resolved selection, nil before Process.
func (p *Preprocessor) Geometry() *geometry.Geometry {
	return p.geo
}

// Masks returns the flags of every baseline, nil before Process.
func (p *Preprocessor) Masks() models.FlagMasks {
	return p.masks
}

// WrittenFiles returns the flag file paths, in gpubox id order of the run.
func (p *Preprocessor) WrittenFiles() []string {
	return p.written
}

// saveBaseline saves the amplitude planes, the flags and an xx overlay of one
// sampled baseline.
func (p *Preprocessor) saveBaseline(bl int) error {
	viewer := visualization.NewViewer(p.samples[bl], p.masks[bl])
	name := fmt.Sprintf("baseline_%03d", bl)

	if err := viewer.SavePolarisations(filepath.Join(p.params.IntermediaryDir, "01_amplitudes"), name); err != nil {
		return err
	}
	mask, err := viewer.ExtractMask()
	if err != nil {
		return err
	}
	if err := p.saveIntermediaryResult("02_flags", mask, name); err != nil {
		return err
	}
	overlay, err := viewer.Overlay("xx")
	if err != nil {
		return err
	}
	return p.saveIntermediaryResult("03_overlay", overlay, name)
}

// saveOccupancyPlots charts the occupancy per baseline and per channel.
func (p *Preprocessor) saveOccupancyPlots() error {
	stageDir := filepath.Join(p.params.IntermediaryDir, "04_occupancy")
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("failed to create intermediary directory: %w", err)
	}
	if err := visualization.PlotBaselineOccupancy(p.occupancy.PerBaseline, filepath.Join(stageDir, "baselines.png")); err != nil {
		return err
	}
	return visualization.PlotChannelOccupancy(p.occupancy.PerChannel, filepath.Join(stageDir, "channels.png"))
}

// saveIntermediaryResult saves one image under a stage directory.
func (p *Preprocessor) saveIntermediaryResult(stage string, img image.Image, name string) error {
	stageDir := filepath.Join(p.params.IntermediaryDir, stage)
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("failed to create intermediary directory: %w", err)
	}
	return visualization.NewViewer(nil, nil).SaveImage(img, filepath.Join(stageDir, name+".png"))
}

// sampleBaselines picks up to n evenly spaced baselines, always including
// the first.
func sampleBaselines(numBaselines, n int) []int {
	if n <= 0 {
		n = 4
	}
	if n > numBaselines {
		n = numBaselines
	}
	picked := make([]int, 0, n)
	for i := 0; i < n; i++ {
		picked = append(picked, i*numBaselines/n)
	}
	return picked
}

func sortedBaselines(s models.ImageSets) []int {
	out := make([]int, 0, len(s))
	for bl := range s {
		out = append(out, bl)
	}
	sort.Ints(out)
	return out
}
