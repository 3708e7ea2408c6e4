// Package reshape transposes raw per-(timestep, coarse channel) visibility
// chunks into per-baseline time/frequency image sets.
package reshape

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"visflag/internal/models"
	"visflag/pkg/geometry"
	"visflag/pkg/source"
)

// Options controls optional behaviour of Reshape.
type Options struct {
	// OnChunk is invoked by the consumer after a chunk has been scattered.
	OnChunk func(coarsePos, timestepPos int)
}

// chunk is one raw visibility record in flight between a worker and the
// consumer. Positions index the selection, not the correlator.
type chunk struct {
	coarsePos   int
	timestepPos int
	data        []float32
}

// Reshape reads every (timestep, coarse channel) chunk of the selection and
// scatters it into one image set per baseline.
//
// One worker is started per selected coarse channel. Workers claim coarse
// channels from a shared queue and read their chunks in timestep order,
// publishing them on a channel whose capacity equals the worker count. The
// calling goroutine is the only consumer and the only writer of the image
// sets. Reshape returns after all workers have exited and the channel is
// drained.
//
// Parameters:
//   - ctx: cancels the read when done
//   - geo: geometry of the selection, geo.NumTimesteps must equal len(timestepIdxs)
//   - reader: source of raw chunks, called concurrently
//   - timestepIdxs: correlator timestep indices, in column order
//
// Returns:
//   - A fully populated image set for every baseline, or the first error. Any
//     read failure aborts the whole operation and no image sets are returned.
func Reshape(ctx context.Context, geo *geometry.Geometry, reader source.ChunkReader, timestepIdxs []int, opts Options) (models.ImageSets, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if len(timestepIdxs) != geo.NumTimesteps {
		return nil, fmt.Errorf("%w: %d timestep indices for geometry width %d",
			models.ErrDimensionMismatch, len(timestepIdxs), geo.NumTimesteps)
	}

	numBaselines := geo.NumBaselines()
	imgsets := make(models.ImageSets, numBaselines)
	for bl := 0; bl < numBaselines; bl++ {
		imgsets[bl] = models.NewImageSet(geo.Width(), geo.Height(), geometry.NumPolPlanes, 0, geo.Width())
	}

	numWorkers := geo.NumCoarseChannels()
	queue := make(chan int, numWorkers)
	for pos := range geo.CoarseChannels {
		queue <- pos
	}
	close(queue)

	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan chunk, numWorkers)
	for w := 0; w < numWorkers; w++ {
		g.Go(func() error {
			return produce(gctx, geo, reader, timestepIdxs, queue, chunks)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(chunks)
	}()

	consumed := 0
	for c := range chunks {
		scatter(geo, imgsets, c)
		consumed++
		if opts.OnChunk != nil {
			opts.OnChunk(c.coarsePos, c.timestepPos)
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if want := numWorkers * geo.NumTimesteps; consumed != want {
		return nil, fmt.Errorf("%w: consumed %d chunks, want %d", models.ErrSourceRead, consumed, want)
	}
	return imgsets, nil
}

// produce is the body of one worker.
func produce(ctx context.Context, geo *geometry.Geometry, reader source.ChunkReader, timestepIdxs []int, queue <-chan int, out chan<- chunk) error {
	chunkLen := geo.ChunkLen()
	for pos := range queue {
		cc := geo.CoarseChannels[pos]
		for tPos, ts := range timestepIdxs {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := reader.ReadChunk(ts, cc.Index)
			if err != nil {
				return fmt.Errorf("%w: timestep %d coarse chan %d: %w", models.ErrSourceRead, ts, cc.Index, err)
			}
			if len(data) != chunkLen {
				return fmt.Errorf("%w: timestep %d coarse chan %d: got %d floats, want %d",
					models.ErrSourceRead, ts, cc.Index, len(data), chunkLen)
			}
			select {
			case out <- chunk{coarsePos: pos, timestepPos: tPos, data: data}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// scatter copies one chunk into the image sets. Each (coarse, timestep) pair
// owns distinct rows and a distinct column, so chunks never overlap.
func scatter(geo *geometry.Geometry, imgsets models.ImageSets, c chunk) {
	for bl := 0; bl < geo.NumBaselines(); bl++ {
		img := imgsets[bl]
		for fine := 0; fine < geo.FineChansPerCoarse; fine++ {
			cell := geo.RowOffset(c.coarsePos, fine)*img.Stride + c.timestepPos
			for p := 0; p < geometry.NumPolPlanes; p++ {
				img.Buffers[p][cell] = c.data[geo.ChunkOffset(bl, fine, p)]
			}
		}
	}
}
