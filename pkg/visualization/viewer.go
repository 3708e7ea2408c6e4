// Package visualization renders baseline image sets and flag masks as
// pictures for inspection. Columns are timesteps and rows are fine channels,
// with the first channel at the top.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"visflag/internal/models"
)

// Polarisations lists the names accepted by ExtractPlane, in plane order.
var Polarisations = []string{"xx", "xy", "yx", "yy"}

// flagColor marks flagged cells in overlays.
var flagColor = color.RGBA{R: 255, A: 255}

// Viewer renders the images of one baseline and, optionally, its flags.
type Viewer struct {
	// images holds the visibility planes of the baseline
	images *models.ImageSet

	// mask holds the flags, nil when the baseline has not been flagged yet
	mask *models.FlagMask
}

// NewViewer creates a viewer. mask may be nil.
func NewViewer(images *models.ImageSet, mask *models.FlagMask) *Viewer {
	return &Viewer{
		images: images,
		mask:   mask,
	}
}

// polIndex resolves a polarisation name to its plane pair index.
func polIndex(pol string) (int, error) {
	for i, name := range Polarisations {
		if strings.EqualFold(pol, name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("invalid polarisation: %s (must be xx, xy, yx or yy)", pol)
}

// amplitude returns the dense amplitude image of one polarisation and its
// maximum value.
func (v *Viewer) amplitude(pol string) ([]float64, float64, error) {
	if v.images == nil {
		return nil, 0, fmt.Errorf("viewer has no images")
	}
	idx, err := polIndex(pol)
	if err != nil {
		return nil, 0, err
	}
	if 2*idx+1 >= v.images.Count() {
		return nil, 0, fmt.Errorf("polarisation %s needs planes %d and %d, image set has %d",
			pol, 2*idx, 2*idx+1, v.images.Count())
	}

	w, h := v.images.Width, v.images.Height
	amp := make([]float64, w*h)
	var peak float64
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			a := math.Hypot(float64(v.images.At(2*idx, row, col)), float64(v.images.At(2*idx+1, row, col)))
			if math.IsNaN(a) || math.IsInf(a, 0) {
				a = 0
			}
			amp[row*w+col] = a
			if a > peak {
				peak = a
			}
		}
	}
	return amp, peak, nil
}

// ExtractPlane renders the amplitude of one polarisation, scaled so that the
// brightest cell is white.
func (v *Viewer) ExtractPlane(pol string) (image.Image, error) {
	amp, peak, err := v.amplitude(pol)
	if err != nil {
		return nil, err
	}

	w, h := v.images.Width, v.images.Height
	img := image.NewGray16(image.Rect(0, 0, w, h))
	if peak == 0 {
		return img, nil
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			value := uint16(math.Max(0, math.Min(65535, amp[y*w+x]/peak*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// ExtractMask renders the flags in white on black.
func (v *Viewer) ExtractMask() (image.Image, error) {
	if v.mask == nil {
		return nil, fmt.Errorf("viewer has no flag mask")
	}
	img := image.NewGray(image.Rect(0, 0, v.mask.Width, v.mask.Height))
	for y := 0; y < v.mask.Height; y++ {
		for x := 0; x < v.mask.Width; x++ {
			if v.mask.Get(y, x) {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img, nil
}

// Overlay renders the amplitude of one polarisation with flagged cells in
// red. Image and mask must have the same shape.
func (v *Viewer) Overlay(pol string) (image.Image, error) {
	if v.mask == nil {
		return nil, fmt.Errorf("viewer has no flag mask")
	}
	if v.images == nil {
		return nil, fmt.Errorf("viewer has no images")
	}
	if v.mask.Width != v.images.Width || v.mask.Height != v.images.Height {
		return nil, fmt.Errorf("%w: mask %dx%d, images %dx%d", models.ErrDimensionMismatch,
			v.mask.Width, v.mask.Height, v.images.Width, v.images.Height)
	}
	amp, peak, err := v.amplitude(pol)
	if err != nil {
		return nil, err
	}

	w, h := v.images.Width, v.images.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if v.mask.Get(y, x) {
				img.SetRGBA(x, y, flagColor)
				continue
			}
			var g uint8
			if peak > 0 {
				g = uint8(math.Max(0, math.Min(255, amp[y*w+x]/peak*255)))
			}
			img.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return img, nil
}

// SaveImage writes img to filename, as JPEG when the extension is .jpg or
// .jpeg and as PNG otherwise.
func (v *Viewer) SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// SavePolarisations saves the amplitude of every polarisation present in the
// image set to outputDir as <prefix>_<pol>.png.
func (v *Viewer) SavePolarisations(outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	if v.images == nil {
		return fmt.Errorf("viewer has no images")
	}

	for i, pol := range Polarisations {
		if 2*i+1 >= v.images.Count() {
			break
		}
		img, err := v.ExtractPlane(pol)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, pol))
		if err := v.SaveImage(img, filename); err != nil {
			return err
		}
	}
	return nil
}
