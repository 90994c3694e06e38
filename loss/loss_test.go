package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/decoder"
	"github.com/nvr-ai/go-reinspect/grid"
)

func testNet(maxLen int, ratio float64, permute bool) config.Net {
	return config.Net{
		ImgWidth: 8, ImgHeight: 8, GridWidth: 2, GridHeight: 2, RegionSize: 4,
		MaxLen: maxLen, LSTMNumCells: 4, FeatureChannels: 2,
		DropoutRatio: 0, InitRange: 0.1, GooglenetLRMult: 1,
		HungarianLossWeight:     0.03,
		HungarianMatchRatio:     ratio,
		HungarianPermuteMatches: permute,
	}
}

// det builds a synthetic detection with a consistent object probability.
func det(l0, l1 float32, box [4]float32) decoder.Detection {
	p := 1 / (1 + math.Exp(float64(l0)-float64(l1)))
	return decoder.Detection{ConfLogits: [2]float32{l0, l1}, PObj: float32(p), Box: box}
}

func TestNoObjectCost(t *testing.T) {
	assert.InDelta(t, math.Log(2), noObjectCost([2]float32{0, 0}), 1e-12,
		"even logits give -log(1/2)")
	assert.InDelta(t, 0, noObjectCost([2]float32{-40, 40}), 1e-9,
		"a confident object prediction costs nothing to match")

	v := noObjectCost([2]float32{1000, -1000})
	assert.False(t, math.IsInf(v, 0) || math.IsNaN(v), "log-sum-exp keeps extreme logits finite")
	assert.InDelta(t, 2000, v, 1e-6)
}

func TestBuildCostMatrixHandChecked(t *testing.T) {
	targets := [][4]float32{{0, 0, 2, 2}}
	dets := []decoder.Detection{
		det(0, 0, [4]float32{1, 0, 2, 2}), // L1 = 1
		det(0, 0, [4]float32{0, 0, 2, 2}), // L1 = 0
	}
	cost, err := BuildCostMatrix(targets, dets, 0.5)
	require.NoError(t, err)
	r, c := cost.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, c)
	assert.InDelta(t, 0.5+math.Log(2), cost.At(0, 0), 1e-9)
	assert.InDelta(t, math.Log(2), cost.At(0, 1), 1e-9,
		"an exactly regressed box leaves only the confidence term")
}

func TestBuildCostMatrixRejectsNonFinite(t *testing.T) {
	targets := [][4]float32{{0, 0, 2, 2}}
	bad := det(0, 0, [4]float32{1, 0, 2, 2})
	bad.ConfLogits[1] = float32(math.NaN())
	_, err := BuildCostMatrix(targets, []decoder.Detection{bad}, 0.03)
	assert.Error(t, err, "non-finite detections are a fatal numerical condition")
}

func TestCellZeroGroundTruth(t *testing.T) {
	agg := NewAggregator(testNet(2, 0.5, true))
	dets := []decoder.Detection{
		det(0, 0, [4]float32{1, 2, 3, 4}),
		det(0, 0, [4]float32{4, 3, 2, 1}),
	}
	res, err := agg.Cell(nil, dets)
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.Zero(t, res.BoxLoss, "no ground truth means no regression loss at all")
	assert.InDelta(t, 2*math.Log(2), res.ConfLoss, 1e-9)
	assert.Empty(t, res.Assignment)
	for j := range dets {
		assert.Equal(t, [4]float32{}, res.DBox[j])
		assert.Greater(t, float64(res.DConf[j][1]), 0.0,
			"every slot is pushed toward no-object")
	}
}

func TestCellExactMatchHasZeroRegression(t *testing.T) {
	agg := NewAggregator(testNet(2, 1.0, true))
	target := [4]float32{1, -1, 2, 3}
	dets := []decoder.Detection{
		det(0, 3, target),                        // exact geometry, confident object
		det(0, -3, [4]float32{50, 50, 10, 10}),   // far and unconfident
	}
	res, err := agg.Cell([][4]float32{target}, dets)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Assignment, "the exact detection must win the match")
	assert.Equal(t, 1, res.Matched)
	assert.Zero(t, res.BoxLoss, "an exact match contributes zero regression cost")
	assert.Equal(t, [4]float32{}, res.DBox[0], "zero regression cost also means zero box gradient")
}

func TestCellTwoByTwoGridScenario(t *testing.T) {
	g, err := grid.NewGeometry(8, 8, 4)
	require.NoError(t, err)
	box := grid.Box{CX: 2, CY: 2, W: 2, H: 2}
	cells, err := g.Assign([]grid.Box{box})
	require.NoError(t, err)
	require.Len(t, cells[0], 1, "the box belongs to cell (0,0)")

	target := g.Encode(box, 0, 0)
	assert.Equal(t, [4]float32{0, 0, 2, 2}, target, "the box sits exactly on the cell center")

	agg := NewAggregator(testNet(2, 0.5, true))
	dets := []decoder.Detection{
		det(0.2, 0.6, [4]float32{0.5, -0.5, 2.5, 1.5}),
		det(0.1, 0.3, [4]float32{30, 30, 10, 10}),
	}
	res, err := agg.Cell([][4]float32{target}, dets)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Assignment, "the nearby detection is the cheaper pairing")
	assert.Equal(t, 1, res.Matched)
	assert.Greater(t, res.BoxLoss, 0.0)
	assert.Greater(t, float64(res.DConf[1][1]), 0.0,
		"the unmatched slot's object logit is pushed down, toward no-object")
	assert.Less(t, float64(res.DConf[0][1]), 0.0,
		"the matched slot's object logit is pushed up")
}

func TestCellPermutationInvariance(t *testing.T) {
	targets := [][4]float32{
		{0, 0, 2, 2},
		{1.5, -0.5, 3, 1},
		{-1, 1, 1, 4},
	}
	dets := []decoder.Detection{
		det(0.1, 0.4, [4]float32{-0.9, 1.1, 1.2, 3.8}),
		det(0.3, -0.2, [4]float32{0.1, 0.1, 2.1, 2.2}),
		det(-0.1, 0.2, [4]float32{1.4, -0.4, 2.8, 1.1}),
	}
	permutations := [][]int{{0, 1, 2}, {1, 0, 2}, {2, 0, 1}, {2, 1, 0}, {1, 2, 0}, {0, 2, 1}}

	permuted := func(perm []int) [][4]float32 {
		out := make([][4]float32, len(targets))
		for i, p := range perm {
			out[i] = targets[p]
		}
		return out
	}

	aggTrue := NewAggregator(testNet(3, 1.0, true))
	base, err := aggTrue.Cell(targets, dets)
	require.NoError(t, err)
	for _, perm := range permutations {
		res, err := aggTrue.Cell(permuted(perm), dets)
		require.NoError(t, err)
		assert.InDelta(t, base.Loss, res.Loss, 1e-12,
			"with permute_matches the loss must not depend on annotation order (perm %v)", perm)
	}

	aggFalse := NewAggregator(testNet(3, 1.0, false))
	posBase, err := aggFalse.Cell(targets, dets)
	require.NoError(t, err)
	changed := false
	for _, perm := range permutations[1:] {
		res, err := aggFalse.Cell(permuted(perm), dets)
		require.NoError(t, err)
		if math.Abs(res.Loss-posBase.Loss) > 1e-9 {
			changed = true
			break
		}
	}
	assert.True(t, changed, "positional comparison must be order-sensitive for distinct boxes")
}

func TestCellOverflowDropsBeyondSlots(t *testing.T) {
	agg := NewAggregator(testNet(2, 1.0, true))
	targets := [][4]float32{
		{0, 0, 2, 2},
		{9, 9, 4, 4},
		{0.2, 0.1, 2, 2},
	}
	dets := []decoder.Detection{
		det(0, 1, [4]float32{0.1, 0, 2, 2}),
		det(0, 1, [4]float32{0.3, 0.2, 2, 2}),
	}
	res, err := agg.Cell(targets, dets)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched, "only max_len boxes can be matched")
	assert.Equal(t, 1, res.Dropped, "the expensive leftover box is dropped per the overflow policy")
	assert.Equal(t, -1, res.Assignment[1], "the far box is the one the optimal solve leaves out")
	assert.GreaterOrEqual(t, res.Assignment[0], 0)
	assert.GreaterOrEqual(t, res.Assignment[2], 0)
}

func TestCellMatchRatioPrunes(t *testing.T) {
	// Four boxes, four slots, ratio 0.5: the two cheapest optimal pairs stay.
	agg := NewAggregator(testNet(4, 0.5, true))
	targets := [][4]float32{
		{0, 0, 2, 2},
		{4, 4, 2, 2},
		{-4, -4, 2, 2},
		{8, 8, 2, 2},
	}
	dets := []decoder.Detection{
		det(0, 2, [4]float32{0, 0, 2, 2}),      // exact for target 0
		det(0, 2, [4]float32{4, 4.4, 2, 2}),    // near target 1
		det(0, 2, [4]float32{-4, -5, 2, 2.8}),  // near target 2
		det(0, 2, [4]float32{8, 11, 2.9, 2.1}), // near target 3
	}
	res, err := agg.Cell(targets, dets)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Pruned)
	assert.Equal(t, 0, res.Assignment[0], "the exact pair is the cheapest and always kept")
	assert.Equal(t, 1, res.Assignment[1], "the second-cheapest pair is kept at ratio 0.5")
	assert.Equal(t, -1, res.Assignment[2])
	assert.Equal(t, -1, res.Assignment[3])

	// A single box is always matched: the keep budget never drops to zero.
	single, err := agg.Cell(targets[:1], dets)
	require.NoError(t, err)
	assert.Equal(t, 1, single.Matched)
	assert.Zero(t, single.Pruned)
}

func TestCellBoxGradientIsSignedWeight(t *testing.T) {
	net := testNet(1, 1.0, true)
	agg := NewAggregator(net)
	target := [4]float32{1, 1, 2, 2}
	dets := []decoder.Detection{det(0, 2, [4]float32{3, -1, 2, 0.5})}

	res, err := agg.Cell([][4]float32{target}, dets)
	require.NoError(t, err)
	w := float32(net.HungarianLossWeight)
	assert.Equal(t, [4]float32{w, -w, 0, -w}, res.DBox[0],
		"L1 gradient is the signed loss weight, zero at exact coordinates")
	assert.InDelta(t, float64(res.DConf[0][0]+res.DConf[0][1]), 0, 1e-6,
		"softmax gradient components sum to zero")
}

func TestCellRejectsWrongSlotCount(t *testing.T) {
	agg := NewAggregator(testNet(3, 0.5, true))
	_, err := agg.Cell(nil, []decoder.Detection{det(0, 0, [4]float32{0, 0, 1, 1})})
	assert.Error(t, err)
}
