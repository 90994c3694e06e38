package decoder

import "github.com/nvr-ai/go-reinspect/config"

// Backward runs backpropagation through time over a recorded Sequence.
//
// dConf and dBox carry the loss gradients for every step's confidence logits
// and box outputs. Gradients accumulate into grads (never zeroed here, so
// one buffer can collect a whole batch), and the returned slice is the
// gradient with respect to the input features, which the trainer reports
// but does not currently propagate into a backbone.
//
// The recurrence is differentiated exactly: gradient flows through the
// hidden and cell states and through the re-entry of each emitted
// detection's encoding into the next step's input.
func (d *Decoder) Backward(seq *Sequence, dConf [][2]float32, dBox [][4]float32, grads *Gradients) []float32 {
	h := d.net.LSTMNumCells
	c := d.net.FeatureChannels
	enc := config.DetectionEncodingWidth
	x := h + enc
	steps := len(seq.steps)

	gProjW := grads.Buf(0)
	gProjB := grads.Buf(1)
	gWX := grads.Buf(2)
	gWH := grads.Buf(3)
	gB := grads.Buf(4)
	gConfW := grads.Buf(5)
	gConfB := grads.Buf(6)
	gBoxW := grads.Buf(7)
	gBoxB := grads.Buf(8)

	wx := d.params.WX.Data()
	wh := d.params.WH.Data()
	confW := d.params.ConfW.Data()
	boxW := d.params.BoxW.Data()

	dhNext := make([]float32, h)  // dL/dh_t carried from step t+1
	dcNext := make([]float32, h)  // dL/dc_t carried from step t+1
	dProj := make([]float32, h)   // accumulated dL/dproj across steps
	carryEnc := make([]float32, enc)
	dhDrop := make([]float32, h)
	dz := make([]float32, 4*h)
	dx := make([]float32, x)

	for t := steps - 1; t >= 0; t-- {
		st := &seq.steps[t]
		det := seq.Detections[t]

		// Total head gradients: the loss terms for step t plus whatever
		// step t+1 propagated back through the fed-in encoding.
		var dc2 [2]float32
		var db4 [4]float32
		dc2 = dConf[t]
		db4 = dBox[t]
		if t < steps-1 {
			dPObj := carryEnc[0]
			sg := det.PObj * (1 - det.PObj) * dPObj
			dc2[1] += sg
			dc2[0] -= sg
			for k := 0; k < 4; k++ {
				db4[k] += carryEnc[1+k]
			}
		}

		// Heads: conf = ConfW*hDrop + ConfB, box = boxScale*(BoxW*hDrop + BoxB).
		for k := range dhDrop {
			dhDrop[k] = 0
		}
		for k := 0; k < 2; k++ {
			gConfB[k] += dc2[k]
			row := confW[k*h : (k+1)*h]
			gRow := gConfW[k*h : (k+1)*h]
			for j := 0; j < h; j++ {
				gRow[j] += dc2[k] * st.hDrop[j]
				dhDrop[j] += row[j] * dc2[k]
			}
		}
		for k := 0; k < 4; k++ {
			dRaw := boxScale * db4[k]
			gBoxB[k] += dRaw
			row := boxW[k*h : (k+1)*h]
			gRow := gBoxW[k*h : (k+1)*h]
			for j := 0; j < h; j++ {
				gRow[j] += dRaw * st.hDrop[j]
				dhDrop[j] += row[j] * dRaw
			}
		}

		// Through the hidden dropout mask plus the recurrent carry.
		var cPrev, hPrev []float32
		if t > 0 {
			cPrev = seq.steps[t-1].c
			hPrev = seq.steps[t-1].h
		} else {
			cPrev = make([]float32, h)
			hPrev = make([]float32, h)
		}
		for j := 0; j < h; j++ {
			dh := dhDrop[j]*st.hidMask[j] + dhNext[j]
			do := dh * st.tanhC[j]
			dcell := dh*st.o[j]*(1-st.tanhC[j]*st.tanhC[j]) + dcNext[j]
			di := dcell * st.g[j]
			dg := dcell * st.i[j]
			df := dcell * cPrev[j]
			dcNext[j] = dcell * st.f[j]

			dz[0*h+j] = di * st.i[j] * (1 - st.i[j])
			dz[1*h+j] = df * st.f[j] * (1 - st.f[j])
			dz[2*h+j] = do * st.o[j] * (1 - st.o[j])
			dz[3*h+j] = dg * (1 - st.g[j]*st.g[j])
		}

		// Through z = WX*x + WH*hPrev + b.
		for k := range dx {
			dx[k] = 0
		}
		for j := range dhNext {
			dhNext[j] = 0
		}
		for gate := 0; gate < 4*h; gate++ {
			gv := dz[gate]
			if gv == 0 {
				continue
			}
			gB[gate] += gv
			rowX := wx[gate*x : (gate+1)*x]
			gRowX := gWX[gate*x : (gate+1)*x]
			for k := 0; k < x; k++ {
				gRowX[k] += gv * st.x[k]
				dx[k] += rowX[k] * gv
			}
			rowH := wh[gate*h : (gate+1)*h]
			gRowH := gWH[gate*h : (gate+1)*h]
			for k := 0; k < h; k++ {
				gRowH[k] += gv * hPrev[k]
				dhNext[k] += rowH[k] * gv
			}
		}

		// Split dx: the feature block routes through this step's mask into
		// the shared projection; the tail becomes the carry into step t-1's
		// emission.
		for p := 0; p < h; p++ {
			dProj[p] += dx[p] * st.featMask[p]
		}
		for e := 0; e < enc; e++ {
			carryEnc[e] = dx[h+e]
		}
	}

	// Projection: proj = featureScale * (ProjW*f + ProjB).
	projW := d.params.ProjW.Data()
	dFeat := make([]float32, c)
	for p := 0; p < h; p++ {
		dRaw := featureScale * dProj[p]
		if dRaw == 0 {
			continue
		}
		gProjB[p] += dRaw
		row := projW[p*c : (p+1)*c]
		gRow := gProjW[p*c : (p+1)*c]
		for j := 0; j < c; j++ {
			gRow[j] += dRaw * seq.features[j]
			dFeat[j] += row[j] * dRaw
		}
	}
	return dFeat
}
