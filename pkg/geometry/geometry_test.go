package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry() *Geometry {
	return &Geometry{
		NumTimesteps:       5,
		NumAntennas:        3,
		FineChansPerCoarse: 2,
		CoarseChannels: []CoarseChannel{
			{Index: 0, GpuboxID: 1},
			{Index: 1, GpuboxID: 2},
			{Index: 5, GpuboxID: 6},
		},
	}
}

func TestStride(t *testing.T) {
	assert.Equal(t, 8, Stride(1))
	assert.Equal(t, 8, Stride(8))
	assert.Equal(t, 16, Stride(9))
	assert.Equal(t, 64, Stride(64))
	assert.Equal(t, 72, Stride(65))

	for w := 1; w <= 300; w++ {
		s := Stride(w)
		assert.Zero(t, s%8, "stride(%d) not a multiple of 8", w)
		assert.GreaterOrEqual(t, s, w)
		assert.Less(t, s-w, 8, "stride(%d) pads too much", w)
	}
}

func TestStride_PanicsOnZeroWidth(t *testing.T) {
	assert.Panics(t, func() { Stride(0) })
}

func TestBaselineOrdering(t *testing.T) {
	const ants = 4
	require.Equal(t, 10, NumBaselines(ants))

	want := [][2]int{
		{0, 0}, {0, 1}, {0, 2}, {0, 3},
		{1, 1}, {1, 2}, {1, 3},
		{2, 2}, {2, 3},
		{3, 3},
	}
	for bl, pair := range want {
		a1, a2 := BaselineAntennas(bl, ants)
		assert.Equal(t, pair[0], a1, "baseline %d ant1", bl)
		assert.Equal(t, pair[1], a2, "baseline %d ant2", bl)
		assert.Equal(t, bl, BaselineIndex(a1, a2, ants))
	}

	assert.Panics(t, func() { BaselineAntennas(10, ants) })
	assert.Panics(t, func() { BaselineIndex(2, 1, ants) })
}

func TestGeometryDimensions(t *testing.T) {
	g := testGeometry()
	require.NoError(t, g.Validate())

	assert.Equal(t, 6, g.NumBaselines())
	assert.Equal(t, 3, g.NumCoarseChannels())
	assert.Equal(t, 5, g.Width())
	assert.Equal(t, 6, g.Height())
	assert.Equal(t, 8, g.Stride())
	assert.Equal(t, 8, g.FloatsPerFineChannel())
	assert.Equal(t, 16, g.FloatsPerBaselineRow())
	assert.Equal(t, 6*16, g.ChunkLen())
	assert.Equal(t, []int{1, 2, 6}, g.GpuboxIDs())
}

func TestRowOffset(t *testing.T) {
	g := testGeometry()
	assert.Equal(t, 0, g.RowOffset(0, 0))
	assert.Equal(t, 1, g.RowOffset(0, 1))
	assert.Equal(t, 4, g.RowOffset(2, 0))
	assert.Equal(t, 5, g.RowOffset(2, 1))

	assert.Panics(t, func() { g.RowOffset(3, 0) })
	assert.Panics(t, func() { g.RowOffset(0, 2) })
	assert.Panics(t, func() { g.RowOffset(-1, 0) })
}

func TestChunkOffset(t *testing.T) {
	g := testGeometry()
	assert.Equal(t, 0, g.ChunkOffset(0, 0, 0))
	assert.Equal(t, 7, g.ChunkOffset(0, 0, 7))
	assert.Equal(t, 8, g.ChunkOffset(0, 1, 0))
	assert.Equal(t, 16, g.ChunkOffset(1, 0, 0))
	assert.Equal(t, g.ChunkLen()-1, g.ChunkOffset(5, 1, 7))
}

func TestCoarsePosForGpubox(t *testing.T) {
	g := testGeometry()
	pos, ok := g.CoarsePosForGpubox(6)
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	_, ok = g.CoarsePosForGpubox(3)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *Geometry)
	}{
		{"no timesteps", func(g *Geometry) { g.NumTimesteps = 0 }},
		{"no antennas", func(g *Geometry) { g.NumAntennas = 0 }},
		{"no fine channels", func(g *Geometry) { g.FineChansPerCoarse = 0 }},
		{"no coarse channels", func(g *Geometry) { g.CoarseChannels = nil }},
		{"duplicate gpubox", func(g *Geometry) { g.CoarseChannels[1].GpuboxID = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGeometry()
			tt.mutate(g)
			assert.Error(t, g.Validate())
		})
	}
}
