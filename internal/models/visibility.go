package models

import (
	"fmt"

	"visflag/pkg/geometry"
)

// ImageSet holds the time/frequency images of a single baseline, one plane
// per polarisation component. Rows are fine channels, columns are timesteps.
type ImageSet struct {
	// Width is the number of valid columns (timesteps)
	Width int

	// Height is the number of rows (fine channels over all coarse channels)
	Height int

	// Stride is the padded row length, always a multiple of 8
	Stride int

	// Buffers holds Count planes of Height*Stride floats each
	Buffers [][]float32
}

// NewImageSet allocates count planes of width x height. widthCapacity sets
// the minimum row capacity before padding, the stride is the padded value of
// the larger of width and widthCapacity.
func NewImageSet(width, height, count int, initialValue float32, widthCapacity int) *ImageSet {
	if width < 1 || height < 1 || count < 1 {
		panic(fmt.Sprintf("models: invalid image set shape %dx%dx%d", width, height, count))
	}
	if widthCapacity < width {
		widthCapacity = width
	}
	stride := geometry.Stride(widthCapacity)
	buffers := make([][]float32, count)
	for i := range buffers {
		buffers[i] = make([]float32, height*stride)
		if initialValue != 0 {
			for j := range buffers[i] {
				buffers[i][j] = initialValue
			}
		}
	}
	return &ImageSet{
		Width:   width,
		Height:  height,
		Stride:  stride,
		Buffers: buffers,
	}
}

// Count is the number of planes.
func (s *ImageSet) Count() int { return len(s.Buffers) }

func (s *ImageSet) At(plane, row, col int) float32 {
	return s.Buffers[plane][row*s.Stride+col]
}

func (s *ImageSet) Set(plane, row, col int, v float32) {
	s.Buffers[plane][row*s.Stride+col] = v
}

// Row returns the valid (unpadded) part of a row. The slice aliases the plane.
func (s *ImageSet) Row(plane, row int) []float32 {
	start := row * s.Stride
	return s.Buffers[plane][start : start+s.Width]
}

// Clone returns a deep copy of s.
func (s *ImageSet) Clone() *ImageSet {
	buffers := make([][]float32, len(s.Buffers))
	for i, buf := range s.Buffers {
		buffers[i] = append([]float32(nil), buf...)
	}
	return &ImageSet{
		Width:   s.Width,
		Height:  s.Height,
		Stride:  s.Stride,
		Buffers: buffers,
	}
}

// FlagMask marks flagged cells of an image. The stride is chosen by the
// flagging engine and need not match the image stride.
type FlagMask struct {
	Width  int
	Height int
	Stride int
	Flags  []bool
}

// NewFlagMask allocates an all-clear mask. A stride below width is raised to
// the padded width.
func NewFlagMask(width, height, stride int) *FlagMask {
	if width < 1 || height < 1 {
		panic(fmt.Sprintf("models: invalid flag mask shape %dx%d", width, height))
	}
	if stride < width {
		stride = geometry.Stride(width)
	}
	return &FlagMask{
		Width:  width,
		Height: height,
		Stride: stride,
		Flags:  make([]bool, height*stride),
	}
}

// CheckShape reports ErrDimensionMismatch unless m covers width x height and
// its stride and backing slice can hold every row.
func (m *FlagMask) CheckShape(width, height int) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: no mask for %dx%d image", ErrDimensionMismatch, width, height)
	case m.Width != width || m.Height != height:
		return fmt.Errorf("%w: mask is %dx%d, want %dx%d", ErrDimensionMismatch, m.Width, m.Height, width, height)
	case m.Stride < m.Width:
		return fmt.Errorf("%w: mask stride %d below width %d", ErrDimensionMismatch, m.Stride, m.Width)
	case len(m.Flags) < m.Height*m.Stride:
		return fmt.Errorf("%w: mask holds %d cells, %d rows of stride %d need %d",
			ErrDimensionMismatch, len(m.Flags), m.Height, m.Stride, m.Height*m.Stride)
	}
	return nil
}

func (m *FlagMask) Get(row, col int) bool {
	return m.Flags[row*m.Stride+col]
}

func (m *FlagMask) Set(row, col int, flagged bool) {
	m.Flags[row*m.Stride+col] = flagged
}

// Count returns the number of flagged cells inside the valid region.
func (m *FlagMask) Count() int {
	n := 0
	for row := 0; row < m.Height; row++ {
		start := row * m.Stride
		for _, f := range m.Flags[start : start+m.Width] {
			if f {
				n++
			}
		}
	}
	return n
}

// Or merges other into m. Both masks must share width and height.
func (m *FlagMask) Or(other *FlagMask) error {
	if err := other.CheckShape(m.Width, m.Height); err != nil {
		return err
	}
	for row := 0; row < m.Height; row++ {
		for col := 0; col < m.Width; col++ {
			if other.Get(row, col) {
				m.Set(row, col, true)
			}
		}
	}
	return nil
}

// ImageSets maps a baseline index to its images.
type ImageSets map[int]*ImageSet

// FlagMasks maps a baseline index to its flags.
type FlagMasks map[int]*FlagMask

// MissingBaselines returns the baselines in [0, n) absent from the map.
func (s ImageSets) MissingBaselines(n int) []int {
	var missing []int
	for bl := 0; bl < n; bl++ {
		if s[bl] == nil {
			missing = append(missing, bl)
		}
	}
	return missing
}

// MissingBaselines returns the baselines in [0, n) absent from the map.
func (m FlagMasks) MissingBaselines(n int) []int {
	var missing []int
	for bl := 0; bl < n; bl++ {
		if m[bl] == nil {
			missing = append(missing, bl)
		}
	}
	return missing
}
