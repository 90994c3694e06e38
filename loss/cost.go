// Package loss - cost construction, matching policy and loss aggregation.
//
// For every cell the ground truth assigned by the grid is reconciled with
// the decoder's fixed-length detection sequence: a dense cost matrix feeds
// the exact assignment solver, the configured matching policy prunes the
// optimal pairing, and the aggregator turns the result into a scalar loss
// plus the per-slot gradients the decoder's backward pass consumes.
package loss

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/nvr-ai/go-reinspect/decoder"
)

// noObjectCost returns -log softmax(object) for a detection's confidence
// logits, computed in float64 with log-sum-exp so any finite logits give a
// finite cost.
func noObjectCost(logits [2]float32) float64 {
	l0, l1 := float64(logits[0]), float64(logits[1])
	m := math.Max(l0, l1)
	logZ := m + math.Log(math.Exp(l0-m)+math.Exp(l1-m))
	return logZ - l1
}

// l1Distance is the box regression distance between a target encoding and a
// predicted box.
func l1Distance(target [4]float32, box [4]float32) float64 {
	total := 0.0
	for k := 0; k < 4; k++ {
		total += math.Abs(float64(target[k]) - float64(box[k]))
	}
	return total
}

func validateDetection(det decoder.Detection) error {
	for _, v := range det.ConfLogits {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return errors.Errorf("detection %d has non-finite confidence logits %v", det.Step, det.ConfLogits)
		}
	}
	for _, v := range det.Box {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return errors.Errorf("detection %d has non-finite box %v", det.Step, det.Box)
		}
	}
	return nil
}

// BuildCostMatrix computes the m x n pairing cost between encoded
// ground-truth targets and emitted detections:
//
//	cost(i, j) = weight * L1(target_i, box_j) - log p_object(j)
//
// The confidence term makes matching prefer slots already predicting an
// object; the box term is the same distance the regression loss uses, so an
// exactly predicted box contributes zero regression cost. Non-finite
// detections fail the build, which callers treat as a fatal numerical error
// for the iteration.
func BuildCostMatrix(targets [][4]float32, dets []decoder.Detection, weight float64) (*mat.Dense, error) {
	m, n := len(targets), len(dets)
	if m == 0 || n == 0 {
		return nil, errors.Errorf("cost matrix needs targets and detections, got %dx%d", m, n)
	}
	confCost := make([]float64, n)
	for j, det := range dets {
		if err := validateDetection(det); err != nil {
			return nil, err
		}
		confCost[j] = noObjectCost(det.ConfLogits)
	}
	cost := mat.NewDense(m, n, nil)
	for i, target := range targets {
		for j, det := range dets {
			v := weight*l1Distance(target, det.Box) + confCost[j]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Errorf("non-finite cost for target %d against detection %d", i, j)
			}
			cost.Set(i, j, v)
		}
	}
	return cost, nil
}
