// Package data - annotation-driven example loading for training and
// evaluation.
//
// The dataset cycles over an IDL annotation list, reshuffling at every epoch
// boundary, decoding each image to a mean-corrected float32 CHW tensor and
// converting its rectangles to center-form boxes. Everything an example
// carries is discarded after the iteration that consumed it.
package data

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-reinspect/checkpoint"
)

// meanTensorName is the tensor slot the normalization blob occupies inside
// its snapshot container.
const meanTensorName = "mean"

// Mean is a per-pixel, per-channel normalization blob in CHW layout.
type Mean struct {
	Data   []float32
	Width  int
	Height int
}

// At returns the mean value for (channel, y, x).
func (m *Mean) At(c, y, x int) float32 {
	return m.Data[(c*m.Height+y)*m.Width+x]
}

// LoadMean reads a mean blob and checks it against the configured image
// dimensions, the shape contract with the feature backbone.
func LoadMean(path string, width, height int) (*Mean, error) {
	snap, err := checkpoint.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "loading mean blob")
	}
	t, ok := snap.Get(meanTensorName)
	if !ok {
		return nil, errors.Errorf("%s carries no %q tensor", path, meanTensorName)
	}
	if len(t.Shape) != 3 || t.Shape[0] != 3 || t.Shape[1] != height || t.Shape[2] != width {
		return nil, errors.Errorf("mean blob shape %v does not match 3x%dx%d images", t.Shape, height, width)
	}
	return &Mean{Data: t.Data, Width: width, Height: height}, nil
}

// SaveMean writes a mean blob in the snapshot container format.
func SaveMean(path string, m *Mean) error {
	if len(m.Data) != 3*m.Width*m.Height {
		return errors.Errorf("mean data length %d does not match 3x%dx%d", len(m.Data), m.Height, m.Width)
	}
	t := checkpoint.Tensor{
		Name:  meanTensorName,
		Shape: []int{3, m.Height, m.Width},
		Data:  m.Data,
	}
	return checkpoint.Save(path, "", 0, []checkpoint.Tensor{t})
}
