package backbone

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-reinspect/checkpoint"
	"github.com/nvr-ai/go-reinspect/config"
)

// ConvNet is an in-process convolutional feature source. Each block halves
// the spatial resolution (3x3 conv, ReLU, 2x2 max pool), so log2(region_size)
// blocks land exactly on the grid resolution with feature_channels outputs.
//
// The kernels are Glorot-initialized and stay fixed; training only reaches
// the decoder. LoadWeights swaps in pretrained kernels from a snapshot.
// Not safe for concurrent use, the tape machine is single-threaded.
type ConvNet struct {
	net     config.Net
	graph   *G.ExprGraph
	input   *G.Node
	output  *G.Node
	kernels []*G.Node
	machine G.VM
}

// NewConvNet builds the graph and its tape machine. The region size must be
// a power of two for the pooling cascade to tile the image.
func NewConvNet(net config.Net) (*ConvNet, error) {
	region := net.RegionSize
	if region < 2 || region&(region-1) != 0 {
		return nil, errors.Errorf("region size %d is not a power of two; the pooling cascade cannot reach grid resolution", region)
	}
	blocks := bits.TrailingZeros(uint(region))

	g := G.NewGraph()
	input := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(1, 3, net.ImgHeight, net.ImgWidth), G.WithName("input"))

	c := &ConvNet{net: net, graph: g, input: input}
	x := input
	in := 3
	for i := 0; i < blocks; i++ {
		out := 64 << i
		if out > 512 {
			out = 512
		}
		if i == blocks-1 {
			out = net.FeatureChannels
		}
		w := G.NewTensor(g, tensor.Float32, 4,
			G.WithShape(out, in, 3, 3),
			G.WithName(fmt.Sprintf("conv%d.w", i)),
			G.WithInit(G.GlorotU(1.0)))
		c.kernels = append(c.kernels, w)

		var err error
		x, err = G.Conv2d(x, w, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, errors.Wrapf(err, "building conv block %d", i)
		}
		x, err = G.Rectify(x)
		if err != nil {
			return nil, errors.Wrapf(err, "building conv block %d", i)
		}
		x, err = G.MaxPool2D(x, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
		if err != nil {
			return nil, errors.Wrapf(err, "building conv block %d", i)
		}
		in = out
	}

	c.output = x
	return c, nil
}

// Channels returns the configured feature width.
func (c *ConvNet) Channels() int { return c.net.FeatureChannels }

// CellFeatures runs the graph on one image and splits the final activation
// volume into per-cell vectors.
func (c *ConvNet) CellFeatures(img *tensor.Dense) ([][]float32, error) {
	if err := validateImage(c.net, img); err != nil {
		return nil, err
	}
	batch := tensor.New(
		tensor.WithShape(1, 3, c.net.ImgHeight, c.net.ImgWidth),
		tensor.WithBacking(img.Data().([]float32)),
	)
	if err := G.Let(c.input, batch); err != nil {
		return nil, errors.Wrap(err, "binding input image")
	}
	if c.machine == nil {
		c.machine = G.NewTapeMachine(c.graph)
	}
	if err := c.machine.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running backbone graph")
	}
	defer c.machine.Reset()

	flat := c.output.Value().Data().([]float32)
	want := c.net.FeatureChannels * c.net.Cells()
	if len(flat) != want {
		return nil, errors.Errorf("backbone produced %d activations, want %d", len(flat), want)
	}
	out := make([]float32, want)
	copy(out, flat)
	return cellsFromCHW(out, c.net.FeatureChannels, c.net.GridHeight, c.net.GridWidth), nil
}

// Weights exports the conv kernels in snapshot form.
func (c *ConvNet) Weights() []checkpoint.Tensor {
	tensors := make([]checkpoint.Tensor, 0, len(c.kernels))
	for _, w := range c.kernels {
		data := w.Value().Data().([]float32)
		t := checkpoint.Tensor{
			Name:  w.Name(),
			Shape: w.Shape().Clone(),
			Data:  make([]float32, len(data)),
		}
		copy(t.Data, data)
		tensors = append(tensors, t)
	}
	return tensors
}

// LoadWeights replaces the conv kernels with pretrained ones. Every kernel
// must be present with a matching element count.
func (c *ConvNet) LoadWeights(snap *checkpoint.Snapshot) error {
	for _, w := range c.kernels {
		t, ok := snap.Get(w.Name())
		if !ok {
			return errors.Errorf("snapshot carries no tensor %q", w.Name())
		}
		if len(t.Data) != w.Shape().TotalSize() {
			return errors.Errorf("tensor %q has %d values, kernel wants %d", w.Name(), len(t.Data), w.Shape().TotalSize())
		}
		backing := make([]float32, len(t.Data))
		copy(backing, t.Data)
		value := tensor.New(tensor.WithShape(w.Shape().Clone()...), tensor.WithBacking(backing))
		if err := G.Let(w, value); err != nil {
			return errors.Wrapf(err, "binding tensor %q", w.Name())
		}
	}
	return nil
}

// Close releases the tape machine.
func (c *ConvNet) Close() {
	if c.machine != nil {
		c.machine.Close()
		c.machine = nil
	}
}
