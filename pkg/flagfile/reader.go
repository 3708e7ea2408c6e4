package flagfile

import (
	"bufio"
	"fmt"
	"os"

	"visflag/internal/models"
	"visflag/pkg/geometry"
)

// Expectation holds the dimensions a flag file must match.
type Expectation struct {
	NumTimesteps int
	NumAntennas  int
	NumChannels  int
}

// ExpectationFor derives the expected header dimensions from a geometry.
func ExpectationFor(geo *geometry.Geometry) Expectation {
	return Expectation{
		NumTimesteps: geo.NumTimesteps,
		NumAntennas:  geo.NumAntennas,
		NumChannels:  geo.FineChansPerCoarse,
	}
}

// ReadFlagFile decodes a single file without checking its dimensions.
func ReadFlagFile(path string) (*FlagFile, error) {
	return readFlagFile(path, nil)
}

// readFlagFile decodes one file. When check is set it vets the header before
// the body is allocated.
func readFlagFile(path string, check func(ChannelHeader) error) (*FlagFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open flag file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	h, err := DecodeHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if check != nil {
		if err := check(h); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	f, err := decodeBody(r, h)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ReadFlags opens the flag file of every requested gpubox id and checks its
// header against expect before reading the body. The flag bytes are
// returned as stored.
func ReadFlags(template string, gpuboxIDs []int, expect Expectation) (map[int]*FlagFile, error) {
	files := make(map[int]*FlagFile, len(gpuboxIDs))
	for _, id := range gpuboxIDs {
		path, err := ExpandTemplate(template, id)
		if err != nil {
			return nil, err
		}
		f, err := readFlagFile(path, func(h ChannelHeader) error {
			return checkHeader(h, id, expect)
		})
		if err != nil {
			return nil, err
		}
		files[id] = f
	}
	return files, nil
}

func checkHeader(h ChannelHeader, gpuboxID int, expect Expectation) error {
	switch {
	case h.GpuboxID != gpuboxID:
		return fmt.Errorf("%w: header gpubox id %d, want %d", models.ErrDimensionMismatch, h.GpuboxID, gpuboxID)
	case h.NumAntennas != expect.NumAntennas:
		return fmt.Errorf("%w: header has %d antennas, want %d", models.ErrDimensionMismatch, h.NumAntennas, expect.NumAntennas)
	case h.NumTimesteps != expect.NumTimesteps:
		return fmt.Errorf("%w: header has %d timesteps, want %d", models.ErrDimensionMismatch, h.NumTimesteps, expect.NumTimesteps)
	case h.NumChannels != expect.NumChannels:
		return fmt.Errorf("%w: header has %d fine channels, want %d", models.ErrDimensionMismatch, h.NumChannels, expect.NumChannels)
	}
	return nil
}
