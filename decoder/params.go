// Package decoder - the per-cell sequential detection decoder.
//
// One forward run consumes a single grid cell's feature vector and emits a
// fixed-length sequence of detections, carrying an LSTM state between steps.
// The forward pass records per-step snapshots so the backward pass can run
// as plain indexed bookkeeping instead of graph autodiff.
package decoder

import (
	"math"

	rng "github.com/leesper/go_rng"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-reinspect/config"
)

// Param is one learnable tensor with its solver attributes. LRMult scales
// the learning rate for the parameter's group; the feature projection group
// carries the backbone multiplier (googlenet_lr_mult).
type Param struct {
	Name   string
	LRMult float64
	Value  *tensor.Dense
}

// Data exposes the raw float32 backing for hot loops.
func (p *Param) Data() []float32 {
	return p.Value.Data().([]float32)
}

// Size returns the number of scalars in the parameter.
func (p *Param) Size() int {
	return p.Value.Shape().TotalSize()
}

// Params holds every learnable tensor of the decoder.
//
// Shapes, with H = lstm_num_cells, C = feature_channels, X = H + 5:
// projection W [H, C] and b [H]; recurrent input W [4H, X], hidden W
// [4H, H] and bias [4H] with gate order (input, forget, output, candidate);
// confidence head [2, H] + [2]; box head [4, H] + [4].
type Params struct {
	ProjW *Param
	ProjB *Param
	WX    *Param
	WH    *Param
	B     *Param
	ConfW *Param
	ConfB *Param
	BoxW  *Param
	BoxB  *Param

	list []*Param
}

func newParam(name string, lrMult float64, shape ...int) *Param {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Param{
		Name:   name,
		LRMult: lrMult,
		Value: tensor.New(
			tensor.WithShape(shape...),
			tensor.Of(tensor.Float32),
			tensor.WithBacking(make([]float32, size)),
		),
	}
}

// NewParams allocates and initializes all decoder parameters, every scalar
// drawn uniformly from [-init_range, +init_range].
func NewParams(net config.Net, seed int64) *Params {
	h := net.LSTMNumCells
	c := net.FeatureChannels
	x := h + config.DetectionEncodingWidth

	p := &Params{
		ProjW: newParam("proj.weight", net.GooglenetLRMult, h, c),
		ProjB: newParam("proj.bias", net.GooglenetLRMult, h),
		WX:    newParam("lstm.weight_x", 1, 4*h, x),
		WH:    newParam("lstm.weight_h", 1, 4*h, h),
		B:     newParam("lstm.bias", 1, 4*h),
		ConfW: newParam("conf.weight", 1, 2, h),
		ConfB: newParam("conf.bias", 1, 2),
		BoxW:  newParam("bbox.weight", 1, 4, h),
		BoxB:  newParam("bbox.bias", 1, 4),
	}
	p.list = []*Param{p.ProjW, p.ProjB, p.WX, p.WH, p.B, p.ConfW, p.ConfB, p.BoxW, p.BoxB}

	uniform := rng.NewUniformGenerator(seed)
	r := float32(net.InitRange)
	for _, param := range p.list {
		data := param.Data()
		for i := range data {
			data[i] = uniform.Float32Range(-r, r)
		}
	}
	return p
}

// List returns the parameters in a fixed order shared with Gradients.
func (p *Params) List() []*Param {
	return p.list
}

// TotalSize returns the scalar count across all parameters.
func (p *Params) TotalSize() int {
	n := 0
	for _, param := range p.list {
		n += param.Size()
	}
	return n
}

// ByName finds a parameter, for checkpoint restore and tests.
func (p *Params) ByName(name string) (*Param, error) {
	for _, param := range p.list {
		if param.Name == name {
			return param, nil
		}
	}
	return nil, errors.Errorf("no decoder parameter named %q", name)
}

// Gradients accumulates per-parameter gradient buffers laid out parallel to
// Params.List. Workers accumulate into private instances which are merged
// after the cell pool drains.
type Gradients struct {
	bufs [][]float32
}

// NewGradients allocates zeroed buffers matching the parameter shapes.
func (p *Params) NewGradients() *Gradients {
	g := &Gradients{bufs: make([][]float32, len(p.list))}
	for i, param := range p.list {
		g.bufs[i] = make([]float32, param.Size())
	}
	return g
}

// Buf returns the gradient buffer for parameter index i of Params.List.
func (g *Gradients) Buf(i int) []float32 {
	return g.bufs[i]
}

// Zero clears every buffer in place.
func (g *Gradients) Zero() {
	for _, buf := range g.bufs {
		for i := range buf {
			buf[i] = 0
		}
	}
}

// Merge adds other into g element-wise.
func (g *Gradients) Merge(other *Gradients) {
	for i, buf := range g.bufs {
		src := other.bufs[i]
		for j := range buf {
			buf[j] += src[j]
		}
	}
}

// GlobalNorm returns the L2 norm over every gradient scalar, the quantity
// the clip_gradients threshold applies to.
func (g *Gradients) GlobalNorm() float64 {
	sum := 0.0
	for _, buf := range g.bufs {
		for _, v := range buf {
			sum += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sum)
}

// Scale multiplies every gradient scalar in place.
func (g *Gradients) Scale(s float32) {
	for _, buf := range g.bufs {
		for i := range buf {
			buf[i] *= s
		}
	}
}
