package backbone

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	rng "github.com/leesper/go_rng"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-reinspect/config"
)

// Synthetic derives pseudo-random cell features from the image content. It
// stands in for a pretrained backbone in tests and smoke runs: the features
// carry no visual signal, but identical images always map to identical
// vectors, which is all the decoder and loss plumbing need.
type Synthetic struct {
	net  config.Net
	seed int64
}

// NewSynthetic builds a synthetic feature source.
func NewSynthetic(net config.Net, seed int64) *Synthetic {
	return &Synthetic{net: net, seed: seed}
}

// Channels returns the configured feature width.
func (s *Synthetic) Channels() int { return s.net.FeatureChannels }

// CellFeatures hashes the pixel data into a per-image seed and draws uniform
// features in [-1, 1) from it.
func (s *Synthetic) CellFeatures(img *tensor.Dense) ([][]float32, error) {
	if err := validateImage(s.net, img); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	var scratch [4]byte
	for _, v := range img.Data().([]float32) {
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
		h.Write(scratch[:])
	}
	gen := rng.NewUniformGenerator(s.seed ^ int64(h.Sum64()))

	cells := make([][]float32, s.net.Cells())
	for i := range cells {
		vec := make([]float32, s.net.FeatureChannels)
		for c := range vec {
			vec[c] = gen.Float32Range(-1, 1)
		}
		cells[i] = vec
	}
	return cells, nil
}
