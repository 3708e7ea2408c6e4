package visualization

import (
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visflag/internal/models"
)

// testImages builds a width x height set whose xx amplitude grows with the
// column and whose yy amplitude is constant.
func testImages(width, height int) *models.ImageSet {
	imgs := models.NewImageSet(width, height, 8, 0, 0)
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			imgs.Set(0, row, col, float32(col))
			imgs.Set(6, row, col, 3)
			imgs.Set(7, row, col, 4)
		}
	}
	return imgs
}

// TestNewViewer verifies that the viewer keeps its inputs
func TestNewViewer(t *testing.T) {
	imgs := testImages(10, 6)
	mask := models.NewFlagMask(10, 6, 0)

	viewer := NewViewer(imgs, mask)
	assert.Same(t, imgs, viewer.images)
	assert.Same(t, mask, viewer.mask)
}

// TestExtractPlane verifies amplitude scaling and image orientation
func TestExtractPlane(t *testing.T) {
	width, height := 10, 6
	viewer := NewViewer(testImages(width, height), nil)

	img, err := viewer.ExtractPlane("xx")
	require.NoError(t, err)
	gray, ok := img.(*image.Gray16)
	require.True(t, ok, "expected *image.Gray16, got %T", img)
	assert.Equal(t, image.Rect(0, 0, width, height), gray.Bounds())

	// the last column holds the peak
	assert.Equal(t, uint16(65535), gray.Gray16At(width-1, 2).Y)
	assert.Equal(t, uint16(0), gray.Gray16At(0, 2).Y)
	assert.InDelta(t, 65535.0*5/9, float64(gray.Gray16At(5, 4).Y), 1)

	yy, err := viewer.ExtractPlane("YY")
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), yy.(*image.Gray16).Gray16At(3, 3).Y)

	// all-zero planes render black
	xy, err := viewer.ExtractPlane("xy")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), xy.(*image.Gray16).Gray16At(3, 3).Y)

	_, err = viewer.ExtractPlane("rr")
	assert.Error(t, err)
}

func TestExtractPlane_TooFewPlanes(t *testing.T) {
	viewer := NewViewer(models.NewImageSet(4, 4, 2, 0, 0), nil)

	_, err := viewer.ExtractPlane("xx")
	assert.NoError(t, err)
	_, err = viewer.ExtractPlane("xy")
	assert.Error(t, err)
}

func TestExtractMask(t *testing.T) {
	mask := models.NewFlagMask(5, 3, 0)
	mask.Set(1, 4, true)

	_, err := NewViewer(nil, nil).ExtractMask()
	assert.Error(t, err)

	img, err := NewViewer(nil, mask).ExtractMask()
	require.NoError(t, err)
	gray := img.(*image.Gray)
	assert.Equal(t, uint8(255), gray.GrayAt(4, 1).Y)
	assert.Equal(t, uint8(0), gray.GrayAt(1, 2).Y)
	assert.Equal(t, uint8(0), gray.GrayAt(0, 0).Y)
}

func TestOverlay(t *testing.T) {
	width, height := 8, 4
	mask := models.NewFlagMask(width, height, 0)
	mask.Set(2, 3, true)
	viewer := NewViewer(testImages(width, height), mask)

	img, err := viewer.Overlay("xx")
	require.NoError(t, err)
	rgba := img.(*image.RGBA)
	assert.Equal(t, flagColor, rgba.RGBAAt(3, 2))
	assert.Equal(t, uint8(255), rgba.RGBAAt(width-1, 0).G)
	assert.Equal(t, uint8(0), rgba.RGBAAt(0, 0).R)

	wrong := NewViewer(testImages(width, height), models.NewFlagMask(width+1, height, 0))
	_, err = wrong.Overlay("xx")
	assert.True(t, errors.Is(err, models.ErrDimensionMismatch))
}

// TestSaveImage verifies that both supported encodings are written
func TestSaveImage(t *testing.T) {
	tempDir := t.TempDir()
	viewer := NewViewer(testImages(10, 6), nil)

	img, err := viewer.ExtractPlane("xx")
	require.NoError(t, err)

	pngFile := filepath.Join(tempDir, "plane.png")
	require.NoError(t, viewer.SaveImage(img, pngFile))
	f, err := os.Open(pngFile)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())

	jpgFile := filepath.Join(tempDir, "plane.jpg")
	require.NoError(t, viewer.SaveImage(img, jpgFile))
	assert.FileExists(t, jpgFile)

	assert.Error(t, viewer.SaveImage(img, filepath.Join(tempDir, "missing", "plane.png")))
}

// TestSavePolarisations verifies that one file per polarisation is saved
func TestSavePolarisations(t *testing.T) {
	outputDir := filepath.Join(t.TempDir(), "planes")
	viewer := NewViewer(testImages(5, 5), nil)

	require.NoError(t, viewer.SavePolarisations(outputDir, "baseline_004"))
	for _, pol := range Polarisations {
		assert.FileExists(t, filepath.Join(outputDir, "baseline_004_"+pol+".png"))
	}

	// a two plane set only has xx
	partialDir := filepath.Join(t.TempDir(), "partial")
	require.NoError(t, NewViewer(models.NewImageSet(3, 3, 2, 1, 0), nil).SavePolarisations(partialDir, "b"))
	entries, err := os.ReadDir(partialDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
