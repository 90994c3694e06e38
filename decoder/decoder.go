package decoder

import (
	"github.com/chewxy/math32"
	rng "github.com/leesper/go_rng"

	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/grid"
)

const (
	// featureScale damps the projected backbone features before they enter
	// the recurrence, keeping early gate pre-activations in the linear range.
	featureScale = 0.01
	// boxScale expands the raw box head outputs to pixel-sized offsets.
	boxScale = 100
)

// Detection is one emitted slot of the fixed-length sequence.
type Detection struct {
	// Step is the sequence position in [0, max_len).
	Step int
	// ConfLogits are the raw (no-object, object) scores.
	ConfLogits [2]float32
	// PObj is the softmax probability of the object class.
	PObj float32
	// Box is the cell-relative encoding: center offsets plus width and height.
	Box [4]float32
}

// Encoding is the compact form of a detection fed back into the next step:
// object probability followed by the four box values.
func (d Detection) Encoding() [config.DetectionEncodingWidth]float32 {
	return [config.DetectionEncodingWidth]float32{d.PObj, d.Box[0], d.Box[1], d.Box[2], d.Box[3]}
}

// Dropout samples inverted-dropout masks. Kept activations are scaled by
// 1/(1-ratio) during training so evaluation needs no rescaling; a nil
// *Dropout means evaluation mode (no masking at all).
type Dropout struct {
	ratio float64
	keep  float32
	src   *rng.UniformGenerator
}

// NewDropout returns a mask sampler with its own random stream.
func NewDropout(ratio float64, seed int64) *Dropout {
	return &Dropout{
		ratio: ratio,
		keep:  float32(1.0 / (1.0 - ratio)),
		src:   rng.NewUniformGenerator(seed),
	}
}

func (d *Dropout) mask(dst []float32) {
	if d == nil || d.ratio == 0 {
		for i := range dst {
			dst[i] = 1
		}
		return
	}
	for i := range dst {
		if d.src.Float64() < d.ratio {
			dst[i] = 0
		} else {
			dst[i] = d.keep
		}
	}
}

// stepState snapshots everything the backward pass needs about one step.
type stepState struct {
	x        []float32 // recurrent input [masked proj | prev encoding]
	featMask []float32
	hidMask  []float32
	i        []float32
	f        []float32
	o        []float32
	g        []float32
	c        []float32
	tanhC    []float32
	h        []float32
	hDrop    []float32
}

// Sequence is the decoder output for one cell plus the indexed per-step
// snapshots consumed by Backward.
type Sequence struct {
	Detections []Detection

	features []float32
	rawProj  []float32 // projection before the fixed feature scale
	proj     []float32 // scaled projection, before per-step masks
	steps    []stepState
}

// Hidden returns a copy of the post-LSTM hidden state at a step, the hook
// the statistics dump reads.
func (s *Sequence) Hidden(step int) []float32 {
	out := make([]float32, len(s.steps[step].h))
	copy(out, s.steps[step].h)
	return out
}

// Decoder runs the recurrent emission for single cells. It is safe for
// concurrent Forward/Backward calls as long as parameters are not being
// updated at the same time; gradient accumulation goes to caller-owned
// buffers.
type Decoder struct {
	net    config.Net
	params *Params
}

// New builds a decoder around an immutable configuration and its parameters.
func New(net config.Net, params *Params) *Decoder {
	return &Decoder{net: net, params: params}
}

// Params returns the learnable parameters backing the decoder.
func (d *Decoder) Params() *Params {
	return d.params
}

// Forward runs the fixed-horizon emission for one cell.
//
// Arguments:
// - features: the cell's backbone feature vector, feature_channels wide.
// - drop: training-time dropout sampler, or nil for evaluation mode.
//
// Returns:
// - A Sequence with exactly max_len detections and the snapshots Backward
//   needs. A feature vector of the wrong width is reported as a data error.
func (d *Decoder) Forward(features []float32, drop *Dropout) (*Sequence, error) {
	if len(features) != d.net.FeatureChannels {
		return nil, grid.DataErrorf("feature vector has %d channels, decoder expects %d",
			len(features), d.net.FeatureChannels)
	}

	h := d.net.LSTMNumCells
	enc := config.DetectionEncodingWidth
	x := h + enc

	seq := &Sequence{
		Detections: make([]Detection, 0, d.net.MaxLen),
		features:   append([]float32(nil), features...),
		rawProj:    make([]float32, h),
		proj:       make([]float32, h),
		steps:      make([]stepState, d.net.MaxLen),
	}

	// Feature projection, computed once per cell: proj = scale * (W*f + b).
	projW := d.params.ProjW.Data()
	projB := d.params.ProjB.Data()
	for p := 0; p < h; p++ {
		sum := projB[p]
		row := projW[p*d.net.FeatureChannels : (p+1)*d.net.FeatureChannels]
		for c, f := range features {
			sum += row[c] * f
		}
		seq.rawProj[p] = sum
		seq.proj[p] = featureScale * sum
	}

	wx := d.params.WX.Data()
	wh := d.params.WH.Data()
	bias := d.params.B.Data()
	confW := d.params.ConfW.Data()
	confB := d.params.ConfB.Data()
	boxW := d.params.BoxW.Data()
	boxB := d.params.BoxB.Data()

	hPrev := make([]float32, h)
	cPrev := make([]float32, h)
	var prevEnc [config.DetectionEncodingWidth]float32

	for t := 0; t < d.net.MaxLen; t++ {
		st := &seq.steps[t]
		st.x = make([]float32, x)
		st.featMask = make([]float32, h)
		st.hidMask = make([]float32, h)
		st.i = make([]float32, h)
		st.f = make([]float32, h)
		st.o = make([]float32, h)
		st.g = make([]float32, h)
		st.c = make([]float32, h)
		st.tanhC = make([]float32, h)
		st.h = make([]float32, h)
		st.hDrop = make([]float32, h)

		drop.mask(st.featMask)
		for p := 0; p < h; p++ {
			st.x[p] = seq.proj[p] * st.featMask[p]
		}
		for e := 0; e < enc; e++ {
			st.x[h+e] = prevEnc[e]
		}

		// Gate pre-activations z = WX*x + WH*hPrev + b, gate order i,f,o,g.
		for gate := 0; gate < 4*h; gate++ {
			sum := bias[gate]
			rowX := wx[gate*x : (gate+1)*x]
			for k, xv := range st.x {
				sum += rowX[k] * xv
			}
			rowH := wh[gate*h : (gate+1)*h]
			for k, hv := range hPrev {
				sum += rowH[k] * hv
			}
			idx := gate % h
			switch gate / h {
			case 0:
				st.i[idx] = sigmoid(sum)
			case 1:
				st.f[idx] = sigmoid(sum)
			case 2:
				st.o[idx] = sigmoid(sum)
			case 3:
				st.g[idx] = math32.Tanh(sum)
			}
		}
		for k := 0; k < h; k++ {
			st.c[k] = st.f[k]*cPrev[k] + st.i[k]*st.g[k]
			st.tanhC[k] = math32.Tanh(st.c[k])
			st.h[k] = st.o[k] * st.tanhC[k]
		}
		drop.mask(st.hidMask)
		for k := 0; k < h; k++ {
			st.hDrop[k] = st.h[k] * st.hidMask[k]
		}

		det := Detection{Step: t}
		for k := 0; k < 2; k++ {
			sum := confB[k]
			row := confW[k*h : (k+1)*h]
			for j, hv := range st.hDrop {
				sum += row[j] * hv
			}
			det.ConfLogits[k] = sum
		}
		det.PObj = sigmoid(det.ConfLogits[1] - det.ConfLogits[0])
		for k := 0; k < 4; k++ {
			sum := boxB[k]
			row := boxW[k*h : (k+1)*h]
			for j, hv := range st.hDrop {
				sum += row[j] * hv
			}
			det.Box[k] = boxScale * sum
		}
		seq.Detections = append(seq.Detections, det)

		prevEnc = det.Encoding()
		hPrev = st.h
		cPrev = st.c
	}
	return seq, nil
}

func sigmoid(v float32) float32 {
	return 1 / (1 + math32.Exp(-v))
}
