package data

import (
	"math"
	"path/filepath"

	rng "github.com/leesper/go_rng"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/grid"
	"github.com/nvr-ai/go-reinspect/idl"
)

// Example is one fully decoded training or evaluation sample.
type Example struct {
	ImagePath string
	// Image is the float32 CHW tensor of shape [3, img_height, img_width],
	// mean-corrected RGB.
	Image *tensor.Dense
	// Boxes are the ground-truth boxes in pixel center form.
	Boxes []grid.Box
}

// Args configures a Dataset.
type Args struct {
	Net         config.Net
	Annotations []idl.Annotation
	// BaseDir is prepended to relative annotation image paths.
	BaseDir string
	// Mean is the optional normalization blob. Nil disables mean correction.
	Mean *Mean
	// Jitter enables random translation augmentation.
	Jitter bool
	Seed   int64
}

// Dataset cycles over an annotation list forever, reshuffling the visit
// order at every epoch boundary. It is not safe for concurrent use; the
// training loop owns it from a single goroutine.
type Dataset struct {
	args    Args
	order   []int
	pos     int
	epoch   int
	uniform *rng.UniformGenerator
}

// New builds a dataset over the given annotations.
func New(args Args) (*Dataset, error) {
	if len(args.Annotations) == 0 {
		return nil, errors.New("dataset needs at least one annotation")
	}
	d := &Dataset{
		args:    args,
		order:   make([]int, len(args.Annotations)),
		uniform: rng.NewUniformGenerator(args.Seed),
	}
	for i := range d.order {
		d.order[i] = i
	}
	d.shuffle()
	return d, nil
}

// Len returns the number of annotations per epoch.
func (d *Dataset) Len() int { return len(d.args.Annotations) }

// Epoch returns how many full passes have completed.
func (d *Dataset) Epoch() int { return d.epoch }

// Next decodes the next example. Data errors (unreadable image, degenerate
// rectangle) identify the offending file so the caller can log and skip it.
func (d *Dataset) Next() (*Example, error) {
	anno := d.nextAnnotation()
	return d.loadExample(anno)
}

// nextAnnotation advances the cursor, reshuffling when an epoch completes.
func (d *Dataset) nextAnnotation() idl.Annotation {
	if d.pos == len(d.order) {
		d.epoch++
		d.pos = 0
		d.shuffle()
	}
	anno := d.args.Annotations[d.order[d.pos]]
	d.pos++
	return anno
}

// shuffle permutes the visit order in place (Fisher-Yates).
func (d *Dataset) shuffle() {
	for i := len(d.order) - 1; i > 0; i-- {
		j := int(d.uniform.Int64n(int64(i + 1)))
		d.order[i], d.order[j] = d.order[j], d.order[i]
	}
}

func (d *Dataset) loadExample(anno idl.Annotation) (*Example, error) {
	path := anno.ImagePath
	if !filepath.IsAbs(path) && d.args.BaseDir != "" {
		path = filepath.Join(d.args.BaseDir, path)
	}

	boxes := make([]grid.Box, 0, len(anno.Rects))
	for _, r := range anno.Rects {
		b := grid.FromCorners(r.X1, r.Y1, r.X2, r.Y2)
		if err := b.Validate(); err != nil {
			return nil, errors.Wrapf(err, "annotation %s", anno.ImagePath)
		}
		boxes = append(boxes, b)
	}

	img, err := LoadImageTensor(path, d.args.Net.ImgWidth, d.args.Net.ImgHeight, d.args.Mean)
	if err != nil {
		return nil, err
	}

	if d.args.Jitter {
		dx, dy := d.jitterOffsets(boxes)
		if dx != 0 || dy != 0 {
			chw := img.Data().([]float32)
			shifted := translate(chw, d.args.Net.ImgWidth, d.args.Net.ImgHeight, dx, dy)
			img = tensor.New(
				tensor.WithShape(3, d.args.Net.ImgHeight, d.args.Net.ImgWidth),
				tensor.WithBacking(shifted),
			)
			for i := range boxes {
				boxes[i].CX += float32(dx)
				boxes[i].CY += float32(dy)
			}
		}
	}

	return &Example{ImagePath: anno.ImagePath, Image: img, Boxes: boxes}, nil
}

// jitterOffsets samples a translation up to half a region in each direction,
// clamped so every box center stays inside the image. A degenerate clamp
// window collapses that axis to zero shift.
func (d *Dataset) jitterOffsets(boxes []grid.Box) (int, int) {
	maxShift := d.args.Net.RegionSize / 2
	dx := d.sampleShift(maxShift, boxes, d.args.Net.ImgWidth, func(b grid.Box) float32 { return b.CX })
	dy := d.sampleShift(maxShift, boxes, d.args.Net.ImgHeight, func(b grid.Box) float32 { return b.CY })
	return dx, dy
}

func (d *Dataset) sampleShift(maxShift int, boxes []grid.Box, limit int, center func(grid.Box) float32) int {
	lo, hi := -maxShift, maxShift
	for _, b := range boxes {
		c := float64(center(b))
		// Shifted center must satisfy 0 <= c+s < limit.
		if l := int(math.Ceil(-c)); l > lo {
			lo = l
		}
		if h := int(math.Ceil(float64(limit)-c)) - 1; h < hi {
			hi = h
		}
	}
	if lo >= hi {
		return 0
	}
	return lo + int(d.uniform.Int64n(int64(hi-lo+1)))
}

// translate shifts a CHW image by (dx, dy) pixels, zero-filling the exposed
// border.
func translate(chw []float32, width, height, dx, dy int) []float32 {
	out := make([]float32, len(chw))
	for c := 0; c < 3; c++ {
		plane := c * height * width
		for y := 0; y < height; y++ {
			sy := y - dy
			if sy < 0 || sy >= height {
				continue
			}
			for x := 0; x < width; x++ {
				sx := x - dx
				if sx < 0 || sx >= width {
					continue
				}
				out[plane+y*width+x] = chw[plane+sy*width+sx]
			}
		}
	}
	return out
}
