package loss

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/decoder"
	"github.com/nvr-ai/go-reinspect/hungarian"
)

// CellResult is the loss contribution of one grid cell and the gradients
// feeding the decoder's backward pass.
type CellResult struct {
	// Loss = ConfLoss + BoxLoss.
	Loss     float64
	ConfLoss float64
	// BoxLoss is already scaled by hungarian_loss_weight.
	BoxLoss float64

	// Assignment maps each ground-truth index to its detection slot, -1 for
	// boxes that ended up unmatched (overflow beyond max_len or pruned by
	// the match ratio).
	Assignment []int
	// Matched counts pairs that contribute box loss.
	Matched int
	// Dropped counts ground truth beyond the max_len slots. The caller logs
	// the documented overflow warning off this.
	Dropped int
	// Pruned counts optimal pairs discarded by hungarian_match_ratio.
	Pruned int

	// DConf and DBox are per-slot loss gradients with respect to the
	// confidence logits and box outputs.
	DConf [][2]float32
	DBox  [][4]float32
}

// Aggregator applies the matching policy and computes per-cell losses.
type Aggregator struct {
	net config.Net
}

// NewAggregator builds an aggregator for a fixed configuration.
func NewAggregator(net config.Net) *Aggregator {
	return &Aggregator{net: net}
}

// keepBudget resolves hungarian_match_ratio: of the min(m, max_len) optimal
// pairs, keep the ceil(ratio * budget) with the lowest individual costs, and
// always at least one when any ground truth exists. Ties keep the lower
// ground-truth index.
func (a *Aggregator) keepBudget(budget int) int {
	if budget == 0 {
		return 0
	}
	kept := int(math.Ceil(a.net.HungarianMatchRatio * float64(budget)))
	if kept < 1 {
		kept = 1
	}
	if kept > budget {
		kept = budget
	}
	return kept
}

type pair struct {
	row  int
	col  int
	cost float64
}

// Cell reconciles one cell's encoded ground-truth targets with its emitted
// detections.
//
// Arguments:
// - targets: cell-relative encodings of the ground truth owned by the cell.
// - dets: the decoder output, exactly max_len entries.
//
// Returns:
// - The cell's loss, diagnostics and per-slot gradients. Errors are
//   numerical (non-finite values) and abort the iteration; they are never
//   silently skipped.
func (a *Aggregator) Cell(targets [][4]float32, dets []decoder.Detection) (*CellResult, error) {
	n := len(dets)
	if n != a.net.MaxLen {
		return nil, errors.Errorf("cell has %d detections, configuration says %d", n, a.net.MaxLen)
	}
	m := len(targets)

	res := &CellResult{
		Assignment: make([]int, m),
		DConf:      make([][2]float32, n),
		DBox:       make([][4]float32, n),
	}
	for i := range res.Assignment {
		res.Assignment[i] = -1
	}

	// slotTarget[j] points into targets when slot j must regress a box.
	slotTarget := make([]int, n)
	for j := range slotTarget {
		slotTarget[j] = -1
	}

	if m > 0 {
		cost, err := BuildCostMatrix(targets, dets, a.net.HungarianLossWeight)
		if err != nil {
			return nil, err
		}
		solved, err := hungarian.Solve(cost)
		if err != nil {
			return nil, errors.Wrap(err, "assignment solve")
		}

		pairs := make([]pair, 0, solved.Matched())
		for i, j := range solved.RowToCol {
			if j >= 0 {
				pairs = append(pairs, pair{row: i, col: j, cost: cost.At(i, j)})
			}
		}
		res.Dropped = m - len(pairs)

		kept := a.keepBudget(len(pairs))
		res.Pruned = len(pairs) - kept
		sort.Slice(pairs, func(x, y int) bool {
			if pairs[x].cost != pairs[y].cost {
				return pairs[x].cost < pairs[y].cost
			}
			return pairs[x].row < pairs[y].row
		})
		pairs = pairs[:kept]

		if a.net.HungarianPermuteMatches {
			// Each slot is compared against the box it actually matched;
			// unmatched slots keep their original index order and compare
			// against "no object".
			for _, p := range pairs {
				slotTarget[p.col] = p.row
				res.Assignment[p.row] = p.col
			}
		} else {
			// Positional targets in annotation order. The solve above is
			// informational only; the kept count still limits how many
			// leading boxes are regressed.
			for i := 0; i < kept; i++ {
				slotTarget[i] = i
				res.Assignment[i] = i
			}
		}
	}

	for j, det := range dets {
		if err := validateDetection(det); err != nil {
			return nil, err
		}
		ti := slotTarget[j]

		// Two-class softmax cross entropy on the confidence logits, full
		// weight for every slot whether or not it carries a box.
		l0, l1 := float64(det.ConfLogits[0]), float64(det.ConfLogits[1])
		mx := math.Max(l0, l1)
		logZ := mx + math.Log(math.Exp(l0-mx)+math.Exp(l1-mx))
		p0 := math.Exp(l0 - logZ)
		p1 := math.Exp(l1 - logZ)
		if ti >= 0 {
			res.ConfLoss += logZ - l1
			res.DConf[j][0] = float32(p0)
			res.DConf[j][1] = float32(p1 - 1)
		} else {
			res.ConfLoss += logZ - l0
			res.DConf[j][0] = float32(p0 - 1)
			res.DConf[j][1] = float32(p1)
		}

		if ti >= 0 {
			res.Matched++
			target := targets[ti]
			res.BoxLoss += a.net.HungarianLossWeight * l1Distance(target, det.Box)
			for k := 0; k < 4; k++ {
				diff := det.Box[k] - target[k]
				switch {
				case diff > 0:
					res.DBox[j][k] = float32(a.net.HungarianLossWeight)
				case diff < 0:
					res.DBox[j][k] = -float32(a.net.HungarianLossWeight)
				}
			}
		}
	}

	res.Loss = res.ConfLoss + res.BoxLoss
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		return nil, errors.Errorf("non-finite cell loss %v", res.Loss)
	}
	return res, nil
}
