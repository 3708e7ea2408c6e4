// Package geometry computes buffer dimensions, strides and index mappings
// from correlator metadata. Everything here is pure and free of I/O.
package geometry

import (
	"fmt"
)

// NumPolPlanes is the number of float planes per fine channel: four
// polarisations (xx, xy, yx, yy), each as a real and an imaginary plane.
const NumPolPlanes = 8

// strideAlign is the horizontal alignment applied to every image row.
const strideAlign = 8

// CoarseChannel identifies one coarse channel of the observation.
type CoarseChannel struct {
	// Index is the correlator's coarse channel index, as used by the raw reader.
	Index int `yaml:"index"`

	// GpuboxID is the receiver channel number used to name flag files.
	GpuboxID int `yaml:"gpubox"`
}

// Stride pads a width up to the next multiple of 8.
func Stride(width int) int {
	if width < 1 {
		panic(fmt.Sprintf("geometry: stride of non-positive width %d", width))
	}
	return ((width-1)/strideAlign + 1) * strideAlign
}

// NumBaselines returns the number of antenna pairs, autocorrelations included.
func NumBaselines(numAntennas int) int {
	return numAntennas * (numAntennas + 1) / 2
}

// BaselineAntennas maps a baseline index to its antenna pair using the
// row-major upper triangular ordering (0,0), (0,1), ..., (0,A-1), (1,1), ...
func BaselineAntennas(baseline, numAntennas int) (ant1, ant2 int) {
	if baseline < 0 || baseline >= NumBaselines(numAntennas) {
		panic(fmt.Sprintf("geometry: baseline %d out of range for %d antennas", baseline, numAntennas))
	}
	remaining := baseline
	for ant1 = 0; ant1 < numAntennas; ant1++ {
		rowLen := numAntennas - ant1
		if remaining < rowLen {
			return ant1, ant1 + remaining
		}
		remaining -= rowLen
	}
	// unreachable, the range check above covers every index
	panic("geometry: baseline ordering overflow")
}

// BaselineIndex is the inverse of BaselineAntennas. ant1 must not exceed ant2.
func BaselineIndex(ant1, ant2, numAntennas int) int {
	if ant1 < 0 || ant2 < ant1 || ant2 >= numAntennas {
		panic(fmt.Sprintf("geometry: invalid antenna pair (%d,%d) for %d antennas", ant1, ant2, numAntennas))
	}
	// rows before ant1 hold A + (A-1) + ... + (A-ant1+1) baselines
	return ant1*numAntennas - ant1*(ant1-1)/2 + (ant2 - ant1)
}

// Geometry describes the shape of the data selected for processing.
// The coarse channel list and timestep count refer to the selection, so
// positions within it (not correlator indices) drive every offset below.
type Geometry struct {
	NumTimesteps       int
	NumAntennas        int
	FineChansPerCoarse int
	CoarseChannels     []CoarseChannel
}

// Validate checks that every dimension is usable.
func (g *Geometry) Validate() error {
	if g.NumTimesteps < 1 {
		return fmt.Errorf("geometry: need at least one timestep, got %d", g.NumTimesteps)
	}
	if g.NumAntennas < 1 {
		return fmt.Errorf("geometry: need at least one antenna, got %d", g.NumAntennas)
	}
	if g.FineChansPerCoarse < 1 {
		return fmt.Errorf("geometry: need at least one fine channel, got %d", g.FineChansPerCoarse)
	}
	if len(g.CoarseChannels) == 0 {
		return fmt.Errorf("geometry: no coarse channels selected")
	}
	seen := make(map[int]bool, len(g.CoarseChannels))
	for _, cc := range g.CoarseChannels {
		if seen[cc.GpuboxID] {
			return fmt.Errorf("geometry: duplicate gpubox id %d", cc.GpuboxID)
		}
		seen[cc.GpuboxID] = true
	}
	return nil
}

func (g *Geometry) NumBaselines() int      { return NumBaselines(g.NumAntennas) }
func (g *Geometry) NumCoarseChannels() int { return len(g.CoarseChannels) }

// Width is the number of image columns, one per timestep.
func (g *Geometry) Width() int { return g.NumTimesteps }

// Height is the number of image rows, one per fine channel across all
// selected coarse channels.
func (g *Geometry) Height() int { return len(g.CoarseChannels) * g.FineChansPerCoarse }

// Stride is the padded row length of every image plane.
func (g *Geometry) Stride() int { return Stride(g.NumTimesteps) }

// FloatsPerFineChannel is the number of floats one fine channel of one
// baseline occupies in a raw chunk.
func (g *Geometry) FloatsPerFineChannel() int { return NumPolPlanes }

// FloatsPerBaselineRow is the number of floats one baseline occupies in a raw
// chunk.
func (g *Geometry) FloatsPerBaselineRow() int { return g.FineChansPerCoarse * g.FloatsPerFineChannel() }

// ChunkLen is the number of floats in one raw (timestep, coarse channel) chunk.
func (g *Geometry) ChunkLen() int { return g.NumBaselines() * g.FloatsPerBaselineRow() }

// RowOffset returns the image row for a fine channel of the coarse channel at
// position coarsePos in the selection.
func (g *Geometry) RowOffset(coarsePos, fineChan int) int {
	if coarsePos < 0 || coarsePos >= len(g.CoarseChannels) {
		panic(fmt.Sprintf("geometry: coarse position %d out of range [0,%d)", coarsePos, len(g.CoarseChannels)))
	}
	if fineChan < 0 || fineChan >= g.FineChansPerCoarse {
		panic(fmt.Sprintf("geometry: fine channel %d out of range [0,%d)", fineChan, g.FineChansPerCoarse))
	}
	return g.FineChansPerCoarse*coarsePos + fineChan
}

// ChunkOffset returns the index of a float within a raw chunk.
func (g *Geometry) ChunkOffset(baseline, fineChan, plane int) int {
	return baseline*g.FloatsPerBaselineRow() + fineChan*g.FloatsPerFineChannel() + plane
}

// CoarsePosForGpubox finds the selection position of a gpubox id.
func (g *Geometry) CoarsePosForGpubox(gpuboxID int) (int, bool) {
	for i, cc := range g.CoarseChannels {
		if cc.GpuboxID == gpuboxID {
			return i, true
		}
	}
	return 0, false
}

// GpuboxIDs lists the gpubox ids of the selection in order.
func (g *Geometry) GpuboxIDs() []int {
	ids := make([]int, len(g.CoarseChannels))
	for i, cc := range g.CoarseChannels {
		ids[i] = cc.GpuboxID
	}
	return ids
}
