package flagging

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"visflag/internal/models"
)

// DispatchOptions controls FlagImageSets.
type DispatchOptions struct {
	// Workers bounds the number of concurrent engine invocations.
	// Zero means runtime.NumCPU().
	Workers int

	// OnBaseline is invoked after a baseline has been flagged. It may be
	// called from several goroutines at once.
	OnBaseline func(baseline int)
}

// FlagImageSets runs the engine on every image set and returns one mask per
// input baseline.
//
// Baselines are independent and are flagged in any order on up to
// opts.Workers goroutines. The engine and strategy are shared read-only.
// FlagImageSets takes ownership of imgsets: the map is emptied before it
// returns, whatever the outcome.
//
// Parameters:
//   - engine, strategy: the flagging engine and its loaded strategy
//   - imgsets: the image sets to flag, keyed by baseline index
//   - numBaselines: every baseline in [0, numBaselines) must be present
//
// Returns:
//   - A mask for every input baseline, or the first error. An engine error
//     aborts the whole dispatch and no masks are returned.
func FlagImageSets(ctx context.Context, engine Engine, strategy *Strategy, imgsets models.ImageSets, numBaselines int, opts DispatchOptions) (models.FlagMasks, error) {
	defer clear(imgsets)

	if missing := imgsets.MissingBaselines(numBaselines); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d baselines absent, first %d",
			models.ErrMissingBaseline, len(missing), numBaselines, missing[0])
	}

	baselines := make([]int, 0, len(imgsets))
	for bl := range imgsets {
		baselines = append(baselines, bl)
	}
	sort.Ints(baselines)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var mu sync.Mutex
	masks := make(models.FlagMasks, len(baselines))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, bl := range baselines {
		bl := bl
		img := imgsets[bl]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			mask, err := engine.Run(strategy, img)
			if err != nil {
				return fmt.Errorf("%w: baseline %d: %w", models.ErrEngine, bl, err)
			}
			if err := mask.CheckShape(img.Width, img.Height); err != nil {
				return fmt.Errorf("baseline %d: engine output: %w", bl, err)
			}
			mu.Lock()
			masks[bl] = mask
			mu.Unlock()
			if opts.OnBaseline != nil {
				opts.OnBaseline(bl)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return masks, nil
}
