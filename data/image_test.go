package data

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-reinspect/grid"
)

// writeTestPNG renders a width x height PNG filled with fill, with one
// marker pixel at (2, 1) when marked is true.
func writeTestPNG(t *testing.T, path string, width, height int, fill color.RGBA, marked bool) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	if marked {
		img.SetRGBA(2, 1, color.RGBA{R: 200, G: 100, B: 50, A: 255})
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoadImageTensorChannelOrderAndLayout(t *testing.T) {
	const width, height = 8, 8
	path := filepath.Join(t.TempDir(), "frame.png")
	writeTestPNG(t, path, width, height, color.RGBA{R: 10, G: 20, B: 30, A: 255}, true)

	img, err := LoadImageTensor(path, width, height, nil)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{3, height, width}, img.Shape())

	chw := img.Data().([]float32)
	at := func(c, y, x int) float32 { return chw[(c*height+y)*width+x] }

	assert.Equal(t, float32(10), at(0, 0, 0), "red plane")
	assert.Equal(t, float32(20), at(1, 0, 0), "green plane")
	assert.Equal(t, float32(30), at(2, 0, 0), "blue plane")

	assert.Equal(t, float32(200), at(0, 1, 2), "marker red")
	assert.Equal(t, float32(100), at(1, 1, 2), "marker green")
	assert.Equal(t, float32(50), at(2, 1, 2), "marker blue")
}

func TestLoadImageTensorSubtractsMean(t *testing.T) {
	const width, height = 4, 4
	path := filepath.Join(t.TempDir(), "frame.png")
	writeTestPNG(t, path, width, height, color.RGBA{R: 10, G: 20, B: 30, A: 255}, false)

	mean := &Mean{Width: width, Height: height, Data: make([]float32, 3*height*width)}
	for c := 0; c < 3; c++ {
		for i := 0; i < height*width; i++ {
			mean.Data[c*height*width+i] = float32(c + 1)
		}
	}

	img, err := LoadImageTensor(path, width, height, mean)
	require.NoError(t, err)

	chw := img.Data().([]float32)
	at := func(c, y, x int) float32 { return chw[(c*height+y)*width+x] }
	assert.Equal(t, float32(9), at(0, 2, 2))
	assert.Equal(t, float32(18), at(1, 2, 2))
	assert.Equal(t, float32(27), at(2, 2, 2))
}

func TestLoadImageTensorResizesToRequestedDims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	writeTestPNG(t, path, 8, 8, color.RGBA{R: 40, G: 80, B: 120, A: 255}, false)

	img, err := LoadImageTensor(path, 4, 4, nil)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{3, 4, 4}, img.Shape())

	// Interpolating a constant image keeps the constant.
	chw := img.Data().([]float32)
	for c, want := range []float32{40, 80, 120} {
		for i := 0; i < 16; i++ {
			assert.InDelta(t, want, chw[c*16+i], 0.5)
		}
	}
}

func TestLoadImageTensorMissingFileIsDataError(t *testing.T) {
	_, err := LoadImageTensor(filepath.Join(t.TempDir(), "nope.png"), 8, 8, nil)
	require.Error(t, err)
	assert.True(t, grid.IsDataError(err))
}
