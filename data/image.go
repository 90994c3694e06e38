package data

import (
	"image"

	"gocv.io/x/gocv"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-reinspect/grid"
)

// LoadImageTensor decodes the image at path into a float32 CHW tensor of
// shape [3, height, width], RGB channel order, raw 0..255 values minus the
// optional mean blob. Images whose dimensions disagree with the requested
// ones are resized first.
//
// Unreadable or empty files surface as data errors so that callers can skip
// the example instead of aborting the run.
func LoadImageTensor(path string, width, height int, mean *Mean) (*tensor.Dense, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return nil, grid.DataErrorf("cannot decode image %s", path)
	}
	defer img.Close()

	if img.Cols() != width || img.Rows() != height {
		resized := gocv.NewMat()
		gocv.Resize(img, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
		img.Close()
		img = resized
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(img, &rgb, gocv.ColorBGRToRGB)

	f32 := gocv.NewMat()
	defer f32.Close()
	rgb.ConvertTo(&f32, gocv.MatTypeCV32F)

	pixels, err := f32.DataPtrFloat32()
	if err != nil {
		return nil, grid.DataErrorf("reading pixel data of %s: %v", path, err)
	}

	// HWC interleaved to CHW planar, subtracting the mean in the same pass.
	chw := make([]float32, 3*height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for c := 0; c < 3; c++ {
				v := pixels[(y*width+x)*3+c]
				if mean != nil {
					v -= mean.At(c, y, x)
				}
				chw[(c*height+y)*width+x] = v
			}
		}
	}
	return tensor.New(tensor.WithShape(3, height, width), tensor.WithBacking(chw)), nil
}
