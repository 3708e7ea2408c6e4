package flagfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"visflag/internal/models"
	"visflag/pkg/geometry"
)

// BuildFlagFile transposes the masks of every baseline into the file layout
// of one coarse channel. Rows coarsePos*F .. coarsePos*F+F-1 of each mask
// become the fine channels of the file.
func BuildFlagFile(geo *geometry.Geometry, masks models.FlagMasks, gpuboxID int) (*FlagFile, error) {
	coarsePos, ok := geo.CoarsePosForGpubox(gpuboxID)
	if !ok {
		return nil, fmt.Errorf("%w: gpubox %d is not in the selection", models.ErrUnknownChannel, gpuboxID)
	}
	if err := checkMasks(geo, masks); err != nil {
		return nil, err
	}

	f := NewFlagFile(ChannelHeader{
		GpuboxID:     gpuboxID,
		NumTimesteps: geo.NumTimesteps,
		NumAntennas:  geo.NumAntennas,
		NumChannels:  geo.FineChansPerCoarse,
	})
	numBaselines := geo.NumBaselines()
	i := 0
	for ts := 0; ts < geo.NumTimesteps; ts++ {
		for bl := 0; bl < numBaselines; bl++ {
			mask := masks[bl]
			for fine := 0; fine < geo.FineChansPerCoarse; fine++ {
				if mask.Get(geo.RowOffset(coarsePos, fine), ts) {
					f.Flags[i] = 1
				}
				i++
			}
		}
	}
	return f, nil
}

func checkMasks(geo *geometry.Geometry, masks models.FlagMasks) error {
	if missing := masks.MissingBaselines(geo.NumBaselines()); len(missing) > 0 {
		return fmt.Errorf("%w: %d of %d baselines have no flags, first %d",
			models.ErrMissingBaseline, len(missing), geo.NumBaselines(), missing[0])
	}
	for bl := 0; bl < geo.NumBaselines(); bl++ {
		if err := masks[bl].CheckShape(geo.Width(), geo.Height()); err != nil {
			return fmt.Errorf("baseline %d: %w", bl, err)
		}
	}
	return nil
}

// WriteFlags writes one flag file per requested gpubox id, named by
// expanding template. Either every file is written or none is: files go to
// temporary names first and are renamed once all of them are complete.
//
// Returns the paths written, in gpuboxIDs order.
func WriteFlags(geo *geometry.Geometry, masks models.FlagMasks, template string, gpuboxIDs []int) ([]string, error) {
	if err := checkMasks(geo, masks); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(gpuboxIDs))
	seen := make(map[string]bool, len(gpuboxIDs))
	for _, id := range gpuboxIDs {
		if _, ok := geo.CoarsePosForGpubox(id); !ok {
			return nil, fmt.Errorf("%w: gpubox %d is not in the selection", models.ErrUnknownChannel, id)
		}
		path, err := ExpandTemplate(template, id)
		if err != nil {
			return nil, err
		}
		if seen[path] {
			return nil, fmt.Errorf("%w: gpubox %d maps to %s twice", models.ErrInvalidTemplate, id, path)
		}
		seen[path] = true
		paths = append(paths, path)
	}

	var temps []string
	cleanup := func() {
		for _, tmp := range temps {
			os.Remove(tmp)
		}
	}
	for i, id := range gpuboxIDs {
		f, err := BuildFlagFile(geo, masks, id)
		if err != nil {
			cleanup()
			return nil, err
		}
		tmp, err := writeTemp(paths[i], f)
		if err != nil {
			cleanup()
			return nil, err
		}
		temps = append(temps, tmp)
	}

	for i, tmp := range temps {
		if err := os.Rename(tmp, paths[i]); err != nil {
			for _, done := range paths[:i] {
				os.Remove(done)
			}
			temps = temps[i:]
			cleanup()
			return nil, fmt.Errorf("failed to move flag file into place: %w", err)
		}
	}
	return paths, nil
}

// writeTemp encodes f next to path under a unique name and syncs it.
func writeTemp(path string, f *FlagFile) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create flag directory: %w", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create flag file: %w", err)
	}

	w := bufio.NewWriter(file)
	err = Encode(w, f)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = file.Sync()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return tmp, nil
}
