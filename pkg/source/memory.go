package source

import (
	"fmt"

	"visflag/internal/models"
	"visflag/pkg/geometry"
)

// Memory is a Context and ChunkReader that synthesises chunks on demand.
type Memory struct {
	Timesteps int
	Antennas  int
	FineChans int
	Coarse    []geometry.CoarseChannel

	// Generate returns the value of one float. Nil produces zeros.
	Generate func(timestep, coarseChanIdx, baseline, fineChan, plane int) float32

	// Fail, when set, can reject a chunk before it is generated.
	Fail func(timestep, coarseChanIdx int) error
}

// NewMemory creates a Memory context with gpubox ids 1..numCoarse on coarse
// indices 0..numCoarse-1.
func NewMemory(timesteps, antennas, fineChans, numCoarse int) *Memory {
	coarse := make([]geometry.CoarseChannel, numCoarse)
	for i := range coarse {
		coarse[i] = geometry.CoarseChannel{Index: i, GpuboxID: i + 1}
	}
	return &Memory{
		Timesteps: timesteps,
		Antennas:  antennas,
		FineChans: fineChans,
		Coarse:    coarse,
	}
}

func (m *Memory) NumTimesteps() int                        { return m.Timesteps }
func (m *Memory) CoarseChannels() []geometry.CoarseChannel { return m.Coarse }
func (m *Memory) FineChansPerCoarse() int                  { return m.FineChans }
func (m *Memory) NumAntennas() int                         { return m.Antennas }
func (m *Memory) NumBaselines() int                        { return geometry.NumBaselines(m.Antennas) }
func (m *Memory) NumPolPlanes() int                        { return geometry.NumPolPlanes }

// ReadChunk implements ChunkReader.
func (m *Memory) ReadChunk(timestepIdx, coarseChanIdx int) ([]float32, error) {
	if timestepIdx < 0 || timestepIdx >= m.Timesteps {
		return nil, fmt.Errorf("%w: timestep %d out of range", models.ErrSourceRead, timestepIdx)
	}
	if m.Fail != nil {
		if err := m.Fail(timestepIdx, coarseChanIdx); err != nil {
			return nil, err
		}
	}
	baselines := m.NumBaselines()
	chunk := make([]float32, baselines*m.FineChans*geometry.NumPolPlanes)
	if m.Generate == nil {
		return chunk, nil
	}
	i := 0
	for bl := 0; bl < baselines; bl++ {
		for fine := 0; fine < m.FineChans; fine++ {
			for p := 0; p < geometry.NumPolPlanes; p++ {
				chunk[i] = m.Generate(timestepIdx, coarseChanIdx, bl, fine, p)
				i++
			}
		}
	}
	return chunk, nil
}

// RFI is a bright cell injected by Synthetic. The amplitude is written to
// every polarisation plane of the cell.
type RFI struct {
	Timestep      int
	CoarseChanIdx int
	Baseline      int
	FineChan      int
	Amplitude     float32
}

// Synthetic creates a Memory of quiet visibilities, zero everywhere except
// at the injected RFI cells. Gpubox ids and coarse indices follow NewMemory.
func Synthetic(timesteps, antennas, fineChans, numCoarse int, rfi ...RFI) *Memory {
	type cell struct{ ts, cc, bl, fine int }
	bright := make(map[cell]float32, len(rfi))
	for _, r := range rfi {
		bright[cell{r.Timestep, r.CoarseChanIdx, r.Baseline, r.FineChan}] = r.Amplitude
	}
	m := NewMemory(timesteps, antennas, fineChans, numCoarse)
	m.Generate = func(ts, cc, bl, fine, plane int) float32 {
		return bright[cell{ts, cc, bl, fine}]
	}
	return m
}
