package decoder

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/grid"
)

func tinyNet() config.Net {
	return config.Net{
		ImgWidth:                8,
		ImgHeight:               8,
		GridWidth:               2,
		GridHeight:              2,
		RegionSize:              4,
		MaxLen:                  2,
		LSTMNumCells:            3,
		FeatureChannels:         2,
		DropoutRatio:            0.15,
		InitRange:               0.3,
		GooglenetLRMult:         2.0,
		HungarianLossWeight:     0.03,
		HungarianMatchRatio:     0.5,
		HungarianPermuteMatches: true,
	}
}

func TestForwardEmitsExactlyMaxLen(t *testing.T) {
	for _, maxLen := range []int{1, 2, 5} {
		net := tinyNet()
		net.MaxLen = maxLen
		dec := New(net, NewParams(net, 42))

		seq, err := dec.Forward([]float32{0.5, -1.0}, nil)
		require.NoError(t, err)
		assert.Len(t, seq.Detections, maxLen, "the horizon is fixed, no early stopping")
		for i, det := range seq.Detections {
			assert.Equal(t, i, det.Step)
		}
	}
}

func TestForwardRejectsWrongFeatureWidth(t *testing.T) {
	net := tinyNet()
	dec := New(net, NewParams(net, 42))

	_, err := dec.Forward([]float32{1, 2, 3}, nil)
	require.Error(t, err)
	assert.True(t, grid.IsDataError(err), "a shape mismatch is a skip-example condition, not fatal")
}

func TestEvalModeIsDeterministic(t *testing.T) {
	net := tinyNet()
	dec := New(net, NewParams(net, 42))
	features := []float32{0.7, 0.1}

	a, err := dec.Forward(features, nil)
	require.NoError(t, err)
	b, err := dec.Forward(features, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Detections, b.Detections, "without dropout the decoder is a pure function")
}

func TestDropoutPerturbsTraining(t *testing.T) {
	net := tinyNet()
	net.LSTMNumCells = 16
	dec := New(net, NewParams(net, 42))
	features := []float32{0.7, 0.1}

	eval, err := dec.Forward(features, nil)
	require.NoError(t, err)
	train, err := dec.Forward(features, NewDropout(0.5, 7))
	require.NoError(t, err)
	assert.NotEqual(t, eval.Detections, train.Detections,
		"a 0.5 dropout ratio across 16 units should disturb at least one output")

	// Ratio zero must behave exactly like evaluation mode.
	zero, err := dec.Forward(features, NewDropout(0, 7))
	require.NoError(t, err)
	assert.Equal(t, eval.Detections, zero.Detections)
}

func TestPObjIsObjectSoftmax(t *testing.T) {
	net := tinyNet()
	dec := New(net, NewParams(net, 3))

	seq, err := dec.Forward([]float32{-0.2, 0.9}, nil)
	require.NoError(t, err)
	for _, det := range seq.Detections {
		e0 := math32.Exp(det.ConfLogits[0])
		e1 := math32.Exp(det.ConfLogits[1])
		assert.InDelta(t, float64(e1/(e0+e1)), float64(det.PObj), 1e-5)
	}
}

func TestHiddenSnapshotIsACopy(t *testing.T) {
	net := tinyNet()
	dec := New(net, NewParams(net, 42))

	seq, err := dec.Forward([]float32{0.5, -1.0}, nil)
	require.NoError(t, err)
	h := seq.Hidden(0)
	require.Len(t, h, net.LSTMNumCells)
	h[0] += 100
	assert.NotEqual(t, h[0], seq.Hidden(0)[0], "mutating the snapshot must not touch decoder state")
}

// lossFunctional is an arbitrary smooth scalar over the decoder outputs used
// to exercise the backward pass: sum over steps of fixed linear weights on
// the confidence logits and box values.
func lossFunctional(seq *Sequence, alpha [2]float32, beta [4]float32) float64 {
	total := 0.0
	for _, det := range seq.Detections {
		for k := 0; k < 2; k++ {
			total += float64(alpha[k] * det.ConfLogits[k])
		}
		for k := 0; k < 4; k++ {
			total += float64(beta[k] * det.Box[k])
		}
	}
	return total
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	net := tinyNet()
	params := NewParams(net, 42)
	dec := New(net, params)
	features := []float32{0.8, -0.4}
	alpha := [2]float32{0.3, -0.2}
	beta := [4]float32{0.02, -0.01, 0.015, 0.005}

	seq, err := dec.Forward(features, nil)
	require.NoError(t, err)

	grads := params.NewGradients()
	dConf := make([][2]float32, net.MaxLen)
	dBox := make([][4]float32, net.MaxLen)
	for tt := 0; tt < net.MaxLen; tt++ {
		dConf[tt] = alpha
		dBox[tt] = beta
	}
	dec.Backward(seq, dConf, dBox, grads)

	const eps = 1e-2
	for pi, param := range params.List() {
		data := param.Data()
		buf := grads.Buf(pi)
		for i := range data {
			orig := data[i]

			data[i] = orig + eps
			plus, err := dec.Forward(features, nil)
			require.NoError(t, err)
			data[i] = orig - eps
			minus, err := dec.Forward(features, nil)
			require.NoError(t, err)
			data[i] = orig

			fd := (lossFunctional(plus, alpha, beta) - lossFunctional(minus, alpha, beta)) / (2 * eps)
			tol := 1e-3 + 0.02*math32.Abs(buf[i])
			assert.InDelta(t, fd, float64(buf[i]), float64(tol),
				"analytic gradient for %s[%d] disagrees with central differences", param.Name, i)
		}
	}
}

func TestBackwardAccumulates(t *testing.T) {
	net := tinyNet()
	params := NewParams(net, 42)
	dec := New(net, params)
	features := []float32{0.8, -0.4}

	seq, err := dec.Forward(features, nil)
	require.NoError(t, err)
	dConf := make([][2]float32, net.MaxLen)
	dBox := make([][4]float32, net.MaxLen)
	for tt := range dConf {
		dConf[tt] = [2]float32{1, -1}
		dBox[tt] = [4]float32{0.01, 0.01, 0.01, 0.01}
	}

	once := params.NewGradients()
	dec.Backward(seq, dConf, dBox, once)
	twice := params.NewGradients()
	dec.Backward(seq, dConf, dBox, twice)
	dec.Backward(seq, dConf, dBox, twice)

	for pi := range params.List() {
		a, b := once.Buf(pi), twice.Buf(pi)
		for i := range a {
			assert.InDelta(t, 2*float64(a[i]), float64(b[i]), 1e-4,
				"running Backward twice into one buffer should double it")
		}
	}

	norm := once.GlobalNorm()
	assert.Greater(t, norm, 0.0)
	once.Scale(0.5)
	assert.InDelta(t, norm/2, once.GlobalNorm(), 1e-9)
	once.Zero()
	assert.Zero(t, once.GlobalNorm())
}

func TestGradientsMerge(t *testing.T) {
	net := tinyNet()
	params := NewParams(net, 1)
	a := params.NewGradients()
	b := params.NewGradients()
	a.Buf(0)[0] = 1.5
	b.Buf(0)[0] = 2.5
	b.Buf(4)[1] = -1

	a.Merge(b)
	assert.Equal(t, float32(4.0), a.Buf(0)[0])
	assert.Equal(t, float32(-1.0), a.Buf(4)[1])
	assert.Equal(t, float32(2.5), b.Buf(0)[0], "merge must leave the source untouched")
}

func BenchmarkForwardReferenceWidth(b *testing.B) {
	net := config.Net{
		ImgWidth: 640, ImgHeight: 480, GridWidth: 20, GridHeight: 15, RegionSize: 32,
		MaxLen: 5, LSTMNumCells: 250, FeatureChannels: 1024,
		InitRange: 0.1, GooglenetLRMult: 1, DropoutRatio: 0.15,
		HungarianLossWeight: 0.03, HungarianMatchRatio: 0.5, HungarianPermuteMatches: true,
	}
	dec := New(net, NewParams(net, 42))
	features := make([]float32, net.FeatureChannels)
	for i := range features {
		features[i] = float32(i%7) * 0.1
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := dec.Forward(features, nil); err != nil {
			b.Fatal(err)
		}
	}
}
