package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"visflag/internal/models"
	"visflag/pkg/geometry"
)

// DatasetDescriptor is the YAML description of an on-disk dataset. Each raw
// chunk is a file of little-endian float32 values named by ChunkTemplate,
// where {t} expands to the timestep index and {c} to the coarse channel index.
type DatasetDescriptor struct {
	Antennas       int                      `yaml:"antennas"`
	Timesteps      int                      `yaml:"timesteps"`
	FineChannels   int                      `yaml:"fineChannels"`
	CoarseChannels []geometry.CoarseChannel `yaml:"coarseChannels"`
	ChunkTemplate  string                   `yaml:"chunkTemplate"`
}

// Dataset reads raw chunks from files described by a DatasetDescriptor.
type Dataset struct {
	desc DatasetDescriptor
	dir  string
}

// OpenDataset loads a dataset descriptor. A relative chunk template is
// resolved against the descriptor's directory.
func OpenDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset descriptor: %w", err)
	}
	var desc DatasetDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("error parsing dataset descriptor: %w", err)
	}
	if desc.ChunkTemplate == "" {
		return nil, fmt.Errorf("dataset descriptor %s has no chunkTemplate", path)
	}
	if !strings.Contains(desc.ChunkTemplate, "{t}") || !strings.Contains(desc.ChunkTemplate, "{c}") {
		return nil, fmt.Errorf("%w: chunk template %q needs {t} and {c}", models.ErrInvalidTemplate, desc.ChunkTemplate)
	}
	return &Dataset{desc: desc, dir: filepath.Dir(path)}, nil
}

// CreateDataset writes a descriptor to path and returns the dataset it
// describes, ready for WriteChunk.
func CreateDataset(path string, desc DatasetDescriptor) (*Dataset, error) {
	data, err := yaml.Marshal(&desc)
	if err != nil {
		return nil, fmt.Errorf("error marshaling dataset descriptor: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating dataset directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("error writing dataset descriptor: %w", err)
	}
	return OpenDataset(path)
}

func (d *Dataset) NumTimesteps() int                        { return d.desc.Timesteps }
func (d *Dataset) CoarseChannels() []geometry.CoarseChannel { return d.desc.CoarseChannels }
func (d *Dataset) FineChansPerCoarse() int                  { return d.desc.FineChannels }
func (d *Dataset) NumAntennas() int                         { return d.desc.Antennas }
func (d *Dataset) NumBaselines() int                        { return geometry.NumBaselines(d.desc.Antennas) }
func (d *Dataset) NumPolPlanes() int                        { return geometry.NumPolPlanes }

func (d *Dataset) chunkLen() int {
	return d.NumBaselines() * d.desc.FineChannels * geometry.NumPolPlanes
}

// ChunkPath returns the file holding one chunk.
func (d *Dataset) ChunkPath(timestepIdx, coarseChanIdx int) string {
	name := strings.NewReplacer(
		"{t}", strconv.Itoa(timestepIdx),
		"{c}", strconv.Itoa(coarseChanIdx),
	).Replace(d.desc.ChunkTemplate)
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.dir, name)
}

// ReadChunk implements ChunkReader. Missing, short or oversized files are
// reported as ErrSourceRead.
func (d *Dataset) ReadChunk(timestepIdx, coarseChanIdx int) ([]float32, error) {
	path := d.ChunkPath(timestepIdx, coarseChanIdx)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: timestep %d coarse chan %d: %v", models.ErrSourceRead, timestepIdx, coarseChanIdx, err)
	}
	want := d.chunkLen() * 4
	if len(raw) != want {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", models.ErrSourceRead, path, len(raw), want)
	}
	chunk := make([]float32, d.chunkLen())
	for i := range chunk {
		chunk[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return chunk, nil
}

// WriteChunk stores one chunk in the dataset's layout.
func (d *Dataset) WriteChunk(timestepIdx, coarseChanIdx int, chunk []float32) error {
	if len(chunk) != d.chunkLen() {
		return errors.New("chunk length does not match dataset dimensions")
	}
	raw := make([]byte, len(chunk)*4)
	for i, v := range chunk {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	path := d.ChunkPath(timestepIdx, coarseChanIdx)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating chunk directory: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}
