package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"visflag/internal/models"
	"visflag/pkg/geometry"
)

// Occupancy is the fraction of flagged cells of a run.
type Occupancy struct {
	// Total is the flagged fraction over the whole selection.
	Total float64 `yaml:"total"`

	// PerChannel maps a gpubox id to the flagged fraction of its coarse channel.
	PerChannel map[int]float64 `yaml:"perChannel"`

	// PerBaseline holds the flagged fraction of each baseline, in baseline order.
	PerBaseline []float64 `yaml:"perBaseline"`

	FlaggedCells int `yaml:"flaggedCells"`
	TotalCells   int `yaml:"totalCells"`
}

// computeOccupancy averages the flags of every (baseline, fine channel) row.
// All rows have the same length, so the mean of row fractions is the cell
// fraction.
func computeOccupancy(geo *geometry.Geometry, masks models.FlagMasks) Occupancy {
	numBaselines := geo.NumBaselines()
	occ := Occupancy{
		PerChannel:  make(map[int]float64, geo.NumCoarseChannels()),
		PerBaseline: make([]float64, numBaselines),
		TotalCells:  numBaselines * geo.Height() * geo.Width(),
	}

	rowFractions := func(bl, fromRow, toRow int) []float64 {
		m := masks[bl]
		out := make([]float64, 0, toRow-fromRow)
		for row := fromRow; row < toRow; row++ {
			n := 0
			for col := 0; col < m.Width; col++ {
				if m.Get(row, col) {
					n++
				}
			}
			occ.FlaggedCells += n
			out = append(out, float64(n)/float64(m.Width))
		}
		return out
	}

	var perChannel []float64
	for pos, cc := range geo.CoarseChannels {
		from := geo.RowOffset(pos, 0)
		to := from + geo.FineChansPerCoarse
		var fractions []float64
		for bl := 0; bl < numBaselines; bl++ {
			fractions = append(fractions, rowFractions(bl, from, to)...)
		}
		occ.PerChannel[cc.GpuboxID] = stat.Mean(fractions, nil)
		perChannel = append(perChannel, occ.PerChannel[cc.GpuboxID])
	}
	occ.Total = stat.Mean(perChannel, nil)

	for bl := 0; bl < numBaselines; bl++ {
		occ.PerBaseline[bl] = float64(masks[bl].Count()) / float64(geo.Height()*geo.Width())
	}
	return occ
}

// Save writes the occupancy report as YAML.
func (o Occupancy) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating report directory: %w", err)
	}
	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("error marshaling occupancy: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing occupancy report: %w", err)
	}
	return nil
}

// LoadOccupancy reads a report written by Save.
func LoadOccupancy(path string) (Occupancy, error) {
	var o Occupancy
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("error reading occupancy report: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("error parsing occupancy report: %w", err)
	}
	return o, nil
}
