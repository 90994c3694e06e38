package metrics

import (
	"github.com/nvr-ai/go-reinspect/grid"
)

// Evaluation thresholds: a prediction counts only when it is confident, and
// it recovers a ground truth box only with substantial overlap.
const (
	DefaultConfMin = 0.9
	DefaultIoUMin  = 0.5
)

// ScoredBox is a predicted box with its object confidence.
type ScoredBox struct {
	Box        grid.Box
	Confidence float32
}

// Coverage counts how many ground truth boxes were recovered.
type Coverage struct {
	Matched int
	Total   int
}

// Ratio returns matched/total, zero when nothing was annotated.
func (c Coverage) Ratio() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Matched) / float64(c.Total)
}

// Add folds another image's coverage into this one.
func (c *Coverage) Add(other Coverage) {
	c.Matched += other.Matched
	c.Total += other.Total
}

// EvaluateCoverage marks a truth box recovered when any prediction at or
// above confMin overlaps it with IoU of at least iouMin. Predictions may
// recover several truth boxes; the metric measures recall, not assignment.
func EvaluateCoverage(truth []grid.Box, preds []ScoredBox, confMin, iouMin float32) Coverage {
	cov := Coverage{Total: len(truth)}
	for _, tb := range truth {
		for _, p := range preds {
			if p.Confidence < confMin {
				continue
			}
			if tb.IoU(p.Box) >= iouMin {
				cov.Matched++
				break
			}
		}
	}
	return cov
}
