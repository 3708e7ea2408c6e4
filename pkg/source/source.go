// Package source defines the boundary to the correlator data: the metadata
// context and the raw chunk reader, plus two implementations of both.
package source

import (
	"fmt"

	"visflag/internal/models"
	"visflag/pkg/geometry"
)

// Context exposes the observation metadata.
type Context interface {
	NumTimesteps() int
	CoarseChannels() []geometry.CoarseChannel
	FineChansPerCoarse() int
	NumAntennas() int
	NumBaselines() int
	NumPolPlanes() int
}

// ChunkReader fetches the raw visibilities of one (timestep, coarse channel)
// pair: NumBaselines*FineChansPerCoarse*NumPolPlanes floats ordered by
// (baseline, fine channel, polarisation plane). Implementations must be safe
// for concurrent use.
type ChunkReader interface {
	ReadChunk(timestepIdx, coarseChanIdx int) ([]float32, error)
}

// GeometryFor builds the geometry of a selection. coarseIdxs are correlator
// coarse channel indices, timestepIdxs are timestep indices; nil selects all.
// The returned timestep list is the resolved selection.
func GeometryFor(ctx Context, coarseIdxs, timestepIdxs []int) (*geometry.Geometry, []int, error) {
	if ctx.NumPolPlanes() != geometry.NumPolPlanes {
		return nil, nil, fmt.Errorf("%w: context has %d polarisation planes, want %d",
			models.ErrDimensionMismatch, ctx.NumPolPlanes(), geometry.NumPolPlanes)
	}
	if want := geometry.NumBaselines(ctx.NumAntennas()); ctx.NumBaselines() != want {
		return nil, nil, fmt.Errorf("%w: context has %d baselines, %d antennas imply %d",
			models.ErrDimensionMismatch, ctx.NumBaselines(), ctx.NumAntennas(), want)
	}

	all := ctx.CoarseChannels()
	var coarse []geometry.CoarseChannel
	if coarseIdxs == nil {
		coarse = append(coarse, all...)
	} else {
		byIndex := make(map[int]geometry.CoarseChannel, len(all))
		for _, cc := range all {
			byIndex[cc.Index] = cc
		}
		for _, idx := range coarseIdxs {
			cc, ok := byIndex[idx]
			if !ok {
				return nil, nil, fmt.Errorf("%w: coarse channel index %d", models.ErrUnknownChannel, idx)
			}
			coarse = append(coarse, cc)
		}
	}

	if timestepIdxs == nil {
		timestepIdxs = make([]int, ctx.NumTimesteps())
		for i := range timestepIdxs {
			timestepIdxs[i] = i
		}
	}
	for _, ts := range timestepIdxs {
		if ts < 0 || ts >= ctx.NumTimesteps() {
			return nil, nil, fmt.Errorf("timestep index %d out of range [0,%d)", ts, ctx.NumTimesteps())
		}
	}

	geo := &geometry.Geometry{
		NumTimesteps:       len(timestepIdxs),
		NumAntennas:        ctx.NumAntennas(),
		FineChansPerCoarse: ctx.FineChansPerCoarse(),
		CoarseChannels:     coarse,
	}
	if err := geo.Validate(); err != nil {
		return nil, nil, err
	}
	return geo, timestepIdxs, nil
}
