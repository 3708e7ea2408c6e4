package flagging

import (
	"fmt"
	"math"

	"visflag/internal/models"
	"visflag/pkg/geometry"
)

// Engine turns an image set into a flag mask. Implementations must be safe
// for concurrent use with a shared, read-only Strategy.
type Engine interface {
	Run(strategy *Strategy, img *models.ImageSet) (*models.FlagMask, error)
}

// SumThreshold is the built-in engine. Each polarisation is flagged on its
// own and the masks are merged.
type SumThreshold struct{}

// NewSumThreshold returns the built-in engine.
func NewSumThreshold() *SumThreshold {
	return &SumThreshold{}
}

// Run implements Engine.
//
// Planes are taken in (real, imaginary) pairs and flagged on their amplitude.
// An image set with an odd plane count is flagged plane by plane on the
// absolute value. The returned mask has the image's width and height and a
// stride padded from the width.
func (e *SumThreshold) Run(strategy *Strategy, img *models.ImageSet) (*models.FlagMask, error) {
	if strategy == nil {
		return nil, fmt.Errorf("%w: no strategy loaded", models.ErrEngine)
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if img == nil || img.Count() == 0 || img.Width < 1 || img.Height < 1 {
		return nil, fmt.Errorf("%w: empty image set", models.ErrEngine)
	}
	for p, buf := range img.Buffers {
		if len(buf) < img.Height*img.Stride {
			return nil, fmt.Errorf("%w: plane %d holds %d floats, want %d",
				models.ErrDimensionMismatch, p, len(buf), img.Height*img.Stride)
		}
	}

	mask := models.NewFlagMask(img.Width, img.Height, geometry.Stride(img.Width))
	for _, amp := range amplitudes(img) {
		pol := &models.FlagMask{
			Width:  img.Width,
			Height: img.Height,
			Stride: img.Width,
			Flags:  flagPlane(strategy, amp, img.Width, img.Height),
		}
		if err := mask.Or(pol); err != nil {
			return nil, err
		}
	}
	return mask, nil
}

// amplitudes returns one dense width*height amplitude image per polarisation.
func amplitudes(img *models.ImageSet) [][]float64 {
	w, h := img.Width, img.Height
	paired := img.Count()%2 == 0
	n := img.Count()
	if paired {
		n /= 2
	}
	out := make([][]float64, n)
	for pol := range out {
		amp := make([]float64, w*h)
		for row := 0; row < h; row++ {
			dst := amp[row*w : (row+1)*w]
			if paired {
				re, im := img.Row(2*pol, row), img.Row(2*pol+1, row)
				for col := range dst {
					dst[col] = math.Hypot(float64(re[col]), float64(im[col]))
				}
				continue
			}
			for col, v := range img.Row(pol, row) {
				dst[col] = math.Abs(float64(v))
			}
		}
		out[pol] = amp
	}
	return out
}

// flagPlane runs the iterative background/threshold loop on one amplitude
// image and returns its flags in dense layout.
func flagPlane(s *Strategy, amp []float64, width, height int) []bool {
	flags := make([]bool, width*height)
	for it := 0; it < s.Iterations; it++ {
		residual := subtractBackground(s.Background, amp, flags, width, height)
		sensitivity := math.Pow(2, float64(s.Iterations-1-it))
		chi1 := s.Threshold * robustSigma(residual, flags) * sensitivity

		for _, n := range s.WindowLengths {
			chi := chi1 / math.Pow(s.ThresholdFactor, math.Log2(float64(n)))
			if s.TimeDirection {
				for row := 0; row < height; row++ {
					sumThreshold(residual[row*width:(row+1)*width], flags[row*width:(row+1)*width], n, chi)
				}
			}
			if s.FrequencyDirection {
				vals := make([]float64, height)
				colFlags := make([]bool, height)
				for col := 0; col < width; col++ {
					for row := 0; row < height; row++ {
						vals[row] = residual[row*width+col]
						colFlags[row] = flags[row*width+col]
					}
					sumThreshold(vals, colFlags, n, chi)
					for row := 0; row < height; row++ {
						flags[row*width+col] = colFlags[row]
					}
				}
			}
		}
	}
	return flags
}

// sumThreshold flags every window of n consecutive samples whose mean
// magnitude exceeds chi. Samples flagged before the pass count as chi with
// their own sign, so an isolated flag cannot flag its neighbours.
func sumThreshold(vals []float64, flags []bool, n int, chi float64) {
	if n > len(vals) {
		return
	}
	sample := func(i int) float64 {
		if flags[i] {
			return math.Copysign(chi, vals[i])
		}
		return vals[i]
	}

	marks := make([]bool, len(vals))
	var sum float64
	for i := 0; i < n; i++ {
		sum += sample(i)
	}
	for start := 0; ; start++ {
		if math.Abs(sum)/float64(n) > chi {
			for j := start; j < start+n; j++ {
				marks[j] = true
			}
		}
		if start+n >= len(vals) {
			break
		}
		sum += sample(start+n) - sample(start)
	}
	for i, m := range marks {
		if m {
			flags[i] = true
		}
	}
}
