package data

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/grid"
	"github.com/nvr-ai/go-reinspect/idl"
)

func testAnnotations(n int) []idl.Annotation {
	annos := make([]idl.Annotation, n)
	for i := range annos {
		annos[i] = idl.Annotation{
			ImagePath: filepath.Join("frames", string(rune('a'+i))+".png"),
			Rects:     []idl.Rect{{X1: 1, Y1: 1, X2: 3, Y2: 3}},
		}
	}
	return annos
}

func TestDatasetVisitsEveryAnnotationOncePerEpoch(t *testing.T) {
	net := config.Default().Net
	ds, err := New(Args{Net: net, Annotations: testAnnotations(6), Seed: 3})
	require.NoError(t, err)
	require.Equal(t, 6, ds.Len())

	for epoch := 0; epoch < 3; epoch++ {
		seen := map[string]int{}
		for i := 0; i < ds.Len(); i++ {
			assert.Equal(t, epoch, ds.Epoch())
			anno := ds.nextAnnotation()
			seen[anno.ImagePath]++
		}
		assert.Len(t, seen, 6, "epoch %d should visit every annotation", epoch)
		for path, count := range seen {
			assert.Equal(t, 1, count, "%s visited more than once in epoch %d", path, epoch)
		}
	}
}

func TestDatasetOrderIsDeterministicForSeed(t *testing.T) {
	net := config.Default().Net
	first, err := New(Args{Net: net, Annotations: testAnnotations(8), Seed: 42})
	require.NoError(t, err)
	second, err := New(Args{Net: net, Annotations: testAnnotations(8), Seed: 42})
	require.NoError(t, err)

	for i := 0; i < 24; i++ {
		assert.Equal(t, first.nextAnnotation().ImagePath, second.nextAnnotation().ImagePath,
			"draw %d diverged between identically seeded datasets", i)
	}
}

func TestDatasetRejectsEmptyAnnotationList(t *testing.T) {
	_, err := New(Args{Net: config.Default().Net})
	assert.Error(t, err)
}

func TestDatasetDegenerateRectIsDataError(t *testing.T) {
	net := config.Default().Net
	annos := []idl.Annotation{{
		ImagePath: "frames/zero-width.png",
		Rects:     []idl.Rect{{X1: 5, Y1: 5, X2: 5, Y2: 9}},
	}}
	ds, err := New(Args{Net: net, Annotations: annos, Seed: 1})
	require.NoError(t, err)

	_, err = ds.Next()
	require.Error(t, err)
	assert.True(t, grid.IsDataError(err), "degenerate rectangle should be skippable, got %v", err)
	assert.Contains(t, err.Error(), "zero-width.png")
}

func TestTranslateShiftsAndZeroFills(t *testing.T) {
	const width, height = 4, 4
	chw := make([]float32, 3*height*width)
	for i := range chw {
		chw[i] = float32(i + 1)
	}

	out := translate(chw, width, height, 1, -1)

	idx := func(c, y, x int) int { return (c*height+y)*width + x }
	for c := 0; c < 3; c++ {
		// Content moved right by one and up by one.
		assert.Equal(t, chw[idx(c, 1, 0)], out[idx(c, 0, 1)])
		assert.Equal(t, chw[idx(c, 3, 2)], out[idx(c, 2, 3)])
		// Exposed border is zero.
		assert.Zero(t, out[idx(c, 0, 0)], "left column should be zero-filled")
		assert.Zero(t, out[idx(c, 3, 3)], "bottom row should be zero-filled")
	}
}

func TestJitterKeepsBoxCentersInside(t *testing.T) {
	net := config.Net{
		ImgWidth: 8, ImgHeight: 8,
		GridWidth: 2, GridHeight: 2,
		RegionSize: 4, MaxLen: 1,
		LSTMNumCells: 2, FeatureChannels: 2,
	}
	boxes := []grid.Box{
		{CX: 0.5, CY: 4, W: 2, H: 2},
		{CX: 7, CY: 7.5, W: 1, H: 1},
	}
	ds, err := New(Args{Net: net, Annotations: testAnnotations(1), Jitter: true, Seed: 7})
	require.NoError(t, err)

	for trial := 0; trial < 200; trial++ {
		dx, dy := ds.jitterOffsets(boxes)
		assert.LessOrEqual(t, dx, net.RegionSize/2)
		assert.GreaterOrEqual(t, dx, -net.RegionSize/2)
		for _, b := range boxes {
			cx := b.CX + float32(dx)
			cy := b.CY + float32(dy)
			assert.True(t, cx >= 0 && cx < float32(net.ImgWidth), "center x %v escaped after dx=%d", cx, dx)
			assert.True(t, cy >= 0 && cy < float32(net.ImgHeight), "center y %v escaped after dy=%d", cy, dy)
		}
	}
}

func TestJitterCollapsesWhenBoxesPinBothEdges(t *testing.T) {
	net := config.Net{
		ImgWidth: 8, ImgHeight: 8,
		GridWidth: 2, GridHeight: 2,
		RegionSize: 4, MaxLen: 1,
		LSTMNumCells: 2, FeatureChannels: 2,
	}
	// One center hugs the left edge, the other the right: no horizontal
	// slack remains.
	boxes := []grid.Box{
		{CX: 0.5, CY: 4, W: 1, H: 1},
		{CX: 7.5, CY: 4, W: 1, H: 1},
	}
	ds, err := New(Args{Net: net, Annotations: testAnnotations(1), Jitter: true, Seed: 7})
	require.NoError(t, err)

	for trial := 0; trial < 50; trial++ {
		dx, _ := ds.jitterOffsets(boxes)
		assert.Zero(t, dx)
	}
}

func TestMeanRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mean.snap")

	m := &Mean{Width: 2, Height: 2, Data: make([]float32, 3*2*2)}
	for i := range m.Data {
		m.Data[i] = float32(i) * 0.5
	}
	require.NoError(t, SaveMean(path, m))

	loaded, err := LoadMean(path, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, m.Data, loaded.Data)
	assert.Equal(t, float32(2.5), loaded.At(1, 0, 1))

	_, err = LoadMean(path, 4, 4)
	assert.Error(t, err, "mismatched image dimensions should be rejected")
}

func TestSaveMeanRejectsShortData(t *testing.T) {
	err := SaveMean(filepath.Join(t.TempDir(), "m.snap"), &Mean{Width: 4, Height: 4, Data: make([]float32, 5)})
	assert.Error(t, err)
}
