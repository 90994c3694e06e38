// Package trainer - the end-to-end training loop.
//
// One iteration consumes one prepared example: a worker pool fans the grid
// cells out for decode/match/loss/backward, the merged gradients are clipped
// to the configured global norm, and momentum SGD updates the decoder
// parameters. A staging goroutine keeps the next example (image decode,
// feature extraction, target encoding) ready while the current one trains.
package trainer

import (
	"math"

	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/decoder"
)

// SGD is momentum SGD over the decoder parameter set with the step schedule
// lr(iter) = learning_rate * gamma^(iter/stepsize). The velocity update
// follows the Caffe convention: v = momentum*v + lr*lr_mult*g; w -= v.
type SGD struct {
	solver   config.Solver
	params   *decoder.Params
	velocity [][]float32
}

// NewSGD allocates zeroed velocity buffers for every parameter.
func NewSGD(params *decoder.Params, solver config.Solver) *SGD {
	s := &SGD{solver: solver, params: params}
	for _, p := range params.List() {
		s.velocity = append(s.velocity, make([]float32, p.Size()))
	}
	return s
}

// LearningRate returns the scheduled base rate at an iteration. The exponent
// uses integer division, so the rate is constant within each stepsize span.
func (s *SGD) LearningRate(iter int) float64 {
	k := 0
	if s.solver.Stepsize > 0 {
		k = iter / s.solver.Stepsize
	}
	return s.solver.LearningRate * math.Pow(s.solver.Gamma, float64(k))
}

// Step clips the accumulated gradients to the configured global norm, then
// applies one momentum update. Each parameter group's rate is scaled by its
// LRMult. Returns the scheduled rate and the pre-clip gradient norm.
func (s *SGD) Step(iter int, grads *decoder.Gradients) (lr, norm float64) {
	norm = grads.GlobalNorm()
	if clip := s.solver.ClipGradients; clip > 0 && norm > clip {
		grads.Scale(float32(clip / norm))
	}

	lr = s.LearningRate(iter)
	momentum := float32(s.solver.Momentum)
	for i, p := range s.params.List() {
		rate := float32(lr * p.LRMult)
		w := p.Data()
		v := s.velocity[i]
		g := grads.Buf(i)
		for j := range w {
			v[j] = momentum*v[j] + rate*g[j]
			w[j] -= v[j]
		}
	}
	return lr, norm
}
