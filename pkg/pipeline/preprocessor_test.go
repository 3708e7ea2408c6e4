package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visflag/internal/models"
	"visflag/internal/monitoring"
	"visflag/pkg/flagfile"
	"visflag/pkg/flagging"
	"visflag/pkg/geometry"
	"visflag/pkg/source"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// spike is a bright correlator cell.
func spike(timestep, coarse, baseline, fine int) source.RFI {
	return source.RFI{Timestep: timestep, CoarseChanIdx: coarse, Baseline: baseline, FineChan: fine, Amplitude: 100}
}

// spikedMemory has 8 timesteps, 3 antennas (6 baselines), 2 coarse channels
// of 4 fine channels, and the given bright cells.
func spikedMemory(rfi ...source.RFI) *source.Memory {
	return source.Synthetic(8, 3, 4, 2, rfi...)
}

func TestProcess_FlagsSpike(t *testing.T) {
	s := spike(2, 1, 4, 3)
	mem := spikedMemory(s)
	template := filepath.Join(t.TempDir(), "Flagfile%%.mwaf")

	var chunks, baselines atomic.Int32
	p := NewPreprocessor(&Params{
		Context:      mem,
		Reader:       mem,
		Strategy:     "minimal",
		FlagTemplate: template,
		NumCores:     3,
		Hooks: Hooks{
			OnChunk:    func(int, int) { chunks.Add(1) },
			OnBaseline: func(int) { baselines.Add(1) },
		},
	})
	require.NoError(t, p.Process(context.Background()))

	assert.Equal(t, int32(16), chunks.Load())
	assert.Equal(t, int32(6), baselines.Load())

	dir := filepath.Dir(template)
	assert.Equal(t, []string{
		filepath.Join(dir, "Flagfile01.mwaf"),
		filepath.Join(dir, "Flagfile02.mwaf"),
	}, p.WrittenFiles())

	geo := p.Geometry()
	masks := p.Masks()
	require.Len(t, masks, 6)
	for bl, m := range masks {
		if bl == s.Baseline {
			assert.Equal(t, 1, m.Count(), "baseline %d", bl)
			assert.True(t, m.Get(geo.RowOffset(1, s.FineChan), s.Timestep))
			continue
		}
		assert.Zero(t, m.Count(), "baseline %d", bl)
	}

	files, err := flagfile.ReadFlags(template, []int{1, 2}, flagfile.ExpectationFor(geo))
	require.NoError(t, err)
	assert.NotContains(t, files[1].Flags, byte(1))
	f := files[2]
	for ts := 0; ts < 8; ts++ {
		for bl := 0; bl < 6; bl++ {
			for fine := 0; fine < 4; fine++ {
				want := ts == s.Timestep && bl == s.Baseline && fine == s.FineChan
				assert.Equal(t, want, f.Flagged(ts, bl, fine), "ts %d bl %d fine %d", ts, bl, fine)
			}
		}
	}

	require.NoError(t, p.Verify())

	occ := p.GetMetrics()
	assert.Equal(t, 1, occ.FlaggedCells)
	assert.Equal(t, 6*8*8, occ.TotalCells)
	assert.InDelta(t, 0, occ.PerChannel[1], 1e-12)
	assert.InDelta(t, 1.0/192, occ.PerChannel[2], 1e-12)
	assert.InDelta(t, 1.0/384, occ.Total, 1e-12)
	assert.InDelta(t, 1.0/64, occ.PerBaseline[s.Baseline], 1e-12)
}

func TestProcess_DatasetSelection(t *testing.T) {
	dir := t.TempDir()
	desc := source.DatasetDescriptor{
		Antennas:     3,
		Timesteps:    8,
		FineChannels: 16,
		CoarseChannels: []geometry.CoarseChannel{
			{Index: 0, GpuboxID: 1},
			{Index: 1, GpuboxID: 2},
		},
		ChunkTemplate: "raw/t{t}_c{c}.bin",
	}
	ds, err := source.CreateDataset(filepath.Join(dir, "dataset.yaml"), desc)
	require.NoError(t, err)

	s := spike(3, 1, 2, 9)
	mem := source.Synthetic(8, 3, 16, 2, s)
	for ts := 0; ts < 8; ts++ {
		for cc := 0; cc < 2; cc++ {
			chunk, err := mem.ReadChunk(ts, cc)
			require.NoError(t, err)
			require.NoError(t, ds.WriteChunk(ts, cc, chunk))
		}
	}

	opened, err := source.OpenDataset(filepath.Join(dir, "dataset.yaml"))
	require.NoError(t, err)

	template := filepath.Join(dir, "flags", "obs_%%%.mwaf")
	p := NewPreprocessor(&Params{
		Context:        opened,
		Reader:         opened,
		CoarseChannels: []int{1},
		Timesteps:      []int{1, 2, 3, 4, 5, 6},
		Strategy:       "minimal",
		FlagTemplate:   template,
	})
	require.NoError(t, p.Process(context.Background()))
	require.NoError(t, p.Verify())

	// only the selected coarse channel is written
	assert.Equal(t, []string{filepath.Join(dir, "flags", "obs_002.mwaf")}, p.WrittenFiles())

	f, err := flagfile.ReadFlagFile(p.WrittenFiles()[0])
	require.NoError(t, err)
	want := flagfile.ChannelHeader{GpuboxID: 2, NumTimesteps: 6, NumAntennas: 3, NumChannels: 16}
	if diff := cmp.Diff(want, f.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	// correlator timestep 3 is the third selected column
	assert.True(t, f.Flagged(2, s.Baseline, s.FineChan))
	assert.Equal(t, 1, p.GetMetrics().FlaggedCells)
}

func TestProcess_ReadFailureWritesNothing(t *testing.T) {
	mem := spikedMemory(spike(1, 0, 0, 0))
	mem.Fail = func(ts, cc int) error {
		if ts == 3 && cc == 0 {
			return errors.New("disk gone")
		}
		return nil
	}
	dir := t.TempDir()

	p := NewPreprocessor(&Params{
		Context:      mem,
		Reader:       mem,
		Strategy:     "minimal",
		FlagTemplate: filepath.Join(dir, "Flagfile%%.mwaf"),
	})
	err := p.Process(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSourceRead))
	assert.ErrorContains(t, err, "disk gone")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Error(t, p.Verify())
}

func TestProcess_Errors(t *testing.T) {
	mem := spikedMemory()
	dir := t.TempDir()

	run := func(params *Params) error {
		params.Context = mem
		params.Reader = mem
		if params.FlagTemplate == "" {
			params.FlagTemplate = filepath.Join(dir, "Flagfile%%.mwaf")
		}
		if params.Strategy == "" {
			params.Strategy = "minimal"
		}
		return NewPreprocessor(params).Process(context.Background())
	}

	err := run(&Params{Strategy: "no-such-strategy"})
	assert.True(t, errors.Is(err, models.ErrUnknownStrategy))

	err = run(&Params{CoarseChannels: []int{5}})
	assert.True(t, errors.Is(err, models.ErrUnknownChannel))

	err = run(&Params{GpuboxIDs: []int{9}})
	assert.True(t, errors.Is(err, models.ErrUnknownChannel))

	err = run(&Params{FlagTemplate: filepath.Join(dir, "Flagfile.mwaf")})
	assert.True(t, errors.Is(err, models.ErrInvalidTemplate))

	assert.Error(t, NewPreprocessor(&Params{}).Process(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewPreprocessor(&Params{
		Context:      mem,
		Reader:       mem,
		Strategy:     "minimal",
		FlagTemplate: filepath.Join(dir, "Flagfile%%.mwaf"),
	}).Process(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// flagAll flags every cell it is given.
type flagAll struct{}

func (flagAll) Run(_ *flagging.Strategy, img *models.ImageSet) (*models.FlagMask, error) {
	mask := models.NewFlagMask(img.Width, img.Height, 0)
	for row := 0; row < img.Height; row++ {
		for col := 0; col < img.Width; col++ {
			mask.Set(row, col, true)
		}
	}
	return mask, nil
}

func TestProcess_CustomEngineAndReport(t *testing.T) {
	mem := spikedMemory()
	dir := t.TempDir()
	report := filepath.Join(dir, "report", "occupancy.yaml")

	p := NewPreprocessor(&Params{
		Context:      mem,
		Reader:       mem,
		Strategy:     "default",
		Engine:       flagAll{},
		FlagTemplate: filepath.Join(dir, "Flagfile%%.mwaf"),
		GpuboxIDs:    []int{2},
		ReportFile:   report,
	})
	require.NoError(t, p.Process(context.Background()))
	require.NoError(t, p.Verify())
	assert.Len(t, p.WrittenFiles(), 1)

	occ := p.GetMetrics()
	assert.Equal(t, 1.0, occ.Total)
	assert.Equal(t, occ.TotalCells, occ.FlaggedCells)

	loaded, err := LoadOccupancy(report)
	require.NoError(t, err)
	if diff := cmp.Diff(occ, loaded); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	s := spike(2, 1, 4, 3)
	mem := spikedMemory(s)
	template := filepath.Join(t.TempDir(), "Flagfile%%.mwaf")

	p := NewPreprocessor(&Params{
		Context:      mem,
		Reader:       mem,
		Strategy:     "minimal",
		FlagTemplate: template,
	})
	require.NoError(t, p.Process(context.Background()))

	path := p.WrittenFiles()[1]
	f, err := flagfile.ReadFlagFile(path)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[flagfile.HeaderSize+f.Offset(s.Timestep, s.Baseline, s.FineChan)] = 0
	require.NoError(t, os.WriteFile(path, raw, 0644))

	err = p.Verify()
	assert.True(t, errors.Is(err, models.ErrDimensionMismatch))
	assert.ErrorContains(t, err, "gpubox 2")

	// a nonzero byte other than 1 still reads as flagged
	raw[flagfile.HeaderSize+f.Offset(s.Timestep, s.Baseline, s.FineChan)] = 7
	require.NoError(t, os.WriteFile(path, raw, 0644))
	assert.NoError(t, p.Verify())
}

func TestProcess_IntermediaryResults(t *testing.T) {
	mem := spikedMemory(spike(2, 1, 4, 3))
	dir := t.TempDir()
	intermediary := filepath.Join(dir, "intermediary")

	p := NewPreprocessor(&Params{
		Context:                 mem,
		Reader:                  mem,
		Strategy:                "minimal",
		FlagTemplate:            filepath.Join(dir, "Flagfile%%.mwaf"),
		SaveIntermediaryResults: true,
		IntermediaryDir:         intermediary,
	})
	require.NoError(t, p.Process(context.Background()))

	// 4 of 6 baselines are sampled
	for _, bl := range []string{"000", "001", "003", "004"} {
		name := "baseline_" + bl
		for _, pol := range []string{"xx", "xy", "yx", "yy"} {
			assert.FileExists(t, filepath.Join(intermediary, "01_amplitudes", name+"_"+pol+".png"))
		}
		assert.FileExists(t, filepath.Join(intermediary, "02_flags", name+".png"))
		assert.FileExists(t, filepath.Join(intermediary, "03_overlay", name+".png"))
	}
	assert.NoFileExists(t, filepath.Join(intermediary, "02_flags", "baseline_002.png"))
	assert.FileExists(t, filepath.Join(intermediary, "04_occupancy", "baselines.png"))
	assert.FileExists(t, filepath.Join(intermediary, "04_occupancy", "channels.png"))
}

// narrowMaskEngine returns masks whose stride cannot hold a row.
type narrowMaskEngine struct{}

func (narrowMaskEngine) Run(_ *flagging.Strategy, img *models.ImageSet) (*models.FlagMask, error) {
	return &models.FlagMask{Width: img.Width, Height: img.Height, Stride: 1, Flags: make([]bool, img.Height)}, nil
}

func TestProcess_MalformedEngineMask(t *testing.T) {
	mem := spikedMemory()
	dir := t.TempDir()

	p := NewPreprocessor(&Params{
		Context:      mem,
		Reader:       mem,
		Strategy:     "minimal",
		Engine:       narrowMaskEngine{},
		FlagTemplate: filepath.Join(dir, "Flagfile%%.mwaf"),
	})
	var err error
	require.NotPanics(t, func() { err = p.Process(context.Background()) })
	assert.True(t, errors.Is(err, models.ErrDimensionMismatch), "%v", err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcess_WriteFailureSavesNoImages(t *testing.T) {
	mem := spikedMemory(spike(2, 1, 4, 3))
	dir := t.TempDir()
	intermediary := filepath.Join(dir, "intermediary")

	p := NewPreprocessor(&Params{
		Context:                 mem,
		Reader:                  mem,
		Strategy:                "minimal",
		FlagTemplate:            filepath.Join(dir, "Flagfile.mwaf"),
		SaveIntermediaryResults: true,
		IntermediaryDir:         intermediary,
	})
	err := p.Process(context.Background())
	assert.True(t, errors.Is(err, models.ErrInvalidTemplate))

	entries, err := os.ReadDir(intermediary)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// zeroingEngine wipes the planes it is given before flagging nothing.
type zeroingEngine struct{}

func (zeroingEngine) Run(_ *flagging.Strategy, img *models.ImageSet) (*models.FlagMask, error) {
	for _, buf := range img.Buffers {
		clear(buf)
	}
	return models.NewFlagMask(img.Width, img.Height, 0), nil
}

func TestProcess_SamplesAreCopies(t *testing.T) {
	s := spike(2, 1, 4, 3)
	mem := spikedMemory(s)
	dir := t.TempDir()

	p := NewPreprocessor(&Params{
		Context:                 mem,
		Reader:                  mem,
		Strategy:                "minimal",
		Engine:                  zeroingEngine{},
		FlagTemplate:            filepath.Join(dir, "Flagfile%%.mwaf"),
		SaveIntermediaryResults: true,
		IntermediaryDir:         filepath.Join(dir, "intermediary"),
	})
	require.NoError(t, p.Process(context.Background()))

	img := p.samples[s.Baseline]
	require.NotNil(t, img)
	assert.Equal(t, float32(100), img.At(0, p.Geometry().RowOffset(1, s.FineChan), s.Timestep))
}

func TestSampleBaselines(t *testing.T) {
	assert.Equal(t, []int{0, 1, 3, 4}, sampleBaselines(6, 0))
	assert.Equal(t, []int{0, 1, 2}, sampleBaselines(3, 10))
	assert.Equal(t, []int{0}, sampleBaselines(300, 1))
}
