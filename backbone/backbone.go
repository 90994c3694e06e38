// Package backbone - feature extraction front ends for the detection
// decoder.
//
// A FeatureSource turns one image tensor into one fixed-width feature vector
// per grid cell, row-major. The decoder never sees pixels; swapping the
// backbone (pretrained ONNX graph, in-process conv net, pooled RGB, or a
// synthetic stand-in) is invisible to everything downstream.
package backbone

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-reinspect/config"
)

// FeatureSource produces per-cell feature vectors.
type FeatureSource interface {
	// CellFeatures maps a float32 CHW image tensor of shape
	// [3, img_height, img_width] to net.Cells() vectors of Channels()
	// floats each, row-major over the grid.
	CellFeatures(img *tensor.Dense) ([][]float32, error)
	// Channels is the width of every feature vector.
	Channels() int
}

// validateImage checks the tensor against the configured image geometry.
func validateImage(net config.Net, img *tensor.Dense) error {
	shape := img.Shape()
	if len(shape) != 3 || shape[0] != 3 || shape[1] != net.ImgHeight || shape[2] != net.ImgWidth {
		return errors.Errorf("image tensor shape %v, want [3 %d %d]", shape, net.ImgHeight, net.ImgWidth)
	}
	return nil
}

// cellsFromCHW splits a flat [channels, gridH, gridW] activation volume into
// per-cell feature vectors.
func cellsFromCHW(flat []float32, channels, gridH, gridW int) [][]float32 {
	plane := gridH * gridW
	cells := make([][]float32, plane)
	for cell := range cells {
		vec := make([]float32, channels)
		for c := 0; c < channels; c++ {
			vec[c] = flat[c*plane+cell]
		}
		cells[cell] = vec
	}
	return cells
}
