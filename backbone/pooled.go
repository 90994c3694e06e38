package backbone

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-reinspect/config"
)

// Pooled approximates a feature pyramid backbone by Lanczos-downsampling the
// image to a few multiples of the grid resolution and handing every cell its
// normalized RGB patches. Channels beyond the pooled values stay zero, the
// slots a learned backbone would fill.
type Pooled struct {
	net    config.Net
	scales []int
}

// NewPooled builds a pooled RGB source. Each scale s contributes an s x s
// RGB patch per cell, so the scales must fit the configured feature width.
func NewPooled(net config.Net, scales []int) (*Pooled, error) {
	if len(scales) == 0 {
		scales = []int{1, 2, 4}
	}
	base := 0
	for _, s := range scales {
		if s < 1 {
			return nil, errors.Errorf("pooling scale %d is not positive", s)
		}
		base += 3 * s * s
	}
	if base > net.FeatureChannels {
		return nil, errors.Errorf("pooling scales need %d channels, feature width is %d", base, net.FeatureChannels)
	}
	return &Pooled{net: net, scales: scales}, nil
}

// Channels returns the configured feature width.
func (p *Pooled) Channels() int { return p.net.FeatureChannels }

// CellFeatures downsamples the image once per scale and gathers each cell's
// patch values, normalized to [0, 1].
func (p *Pooled) CellFeatures(img *tensor.Dense) ([][]float32, error) {
	if err := validateImage(p.net, img); err != nil {
		return nil, err
	}
	pic := chwToImage(img.Data().([]float32), p.net.ImgWidth, p.net.ImgHeight)

	cells := make([][]float32, p.net.Cells())
	for i := range cells {
		cells[i] = make([]float32, p.net.FeatureChannels)
	}

	offset := 0
	for _, s := range p.scales {
		featWidth := p.net.GridWidth * s
		featHeight := p.net.GridHeight * s
		resized := resize.Resize(uint(featWidth), uint(featHeight), pic, resize.Lanczos3)

		for row := 0; row < p.net.GridHeight; row++ {
			for col := 0; col < p.net.GridWidth; col++ {
				vec := cells[row*p.net.GridWidth+col]
				idx := offset
				for py := 0; py < s; py++ {
					for px := 0; px < s; px++ {
						r, g, b, _ := resized.At(col*s+px, row*s+py).RGBA()
						vec[idx] = float32(r>>8) / 255.0
						vec[idx+1] = float32(g>>8) / 255.0
						vec[idx+2] = float32(b>>8) / 255.0
						idx += 3
					}
				}
			}
		}
		offset += 3 * s * s
	}
	return cells, nil
}

// chwToImage renders a float32 CHW tensor back to an 8-bit RGBA image,
// clamping values outside 0..255. Mean-corrected inputs lose their offset
// here.
func chwToImage(chw []float32, width, height int) *image.RGBA {
	pic := image.NewRGBA(image.Rect(0, 0, width, height))
	plane := width * height
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			pic.SetRGBA(x, y, color.RGBA{
				R: clampByte(chw[i]),
				G: clampByte(chw[plane+i]),
				B: clampByte(chw[2*plane+i]),
				A: 255,
			})
		}
	}
	return pic
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
