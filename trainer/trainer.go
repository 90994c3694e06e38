package trainer

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-reinspect/backbone"
	"github.com/nvr-ai/go-reinspect/checkpoint"
	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/data"
	"github.com/nvr-ai/go-reinspect/decoder"
	"github.com/nvr-ai/go-reinspect/grid"
	"github.com/nvr-ai/go-reinspect/logging"
	"github.com/nvr-ai/go-reinspect/loss"
	"github.com/nvr-ai/go-reinspect/metrics"
)

// Args configures a Trainer.
type Args struct {
	Config *config.Config
	// Params overrides the freshly initialized decoder parameters; nil means
	// initialize from the configured seed (and the warm-start weights, when
	// the solver section names any).
	Params *decoder.Params
	Source backbone.FeatureSource
	Train  *data.Dataset
	// Test enables Evaluate and the end-of-run coverage line. Optional.
	Test *data.Dataset
	// Workers sizes the cell pool; 0 means runtime.NumCPU, capped at the
	// cell count.
	Workers int
}

// Trainer owns one training run.
type Trainer struct {
	cfg     config.Config
	geom    grid.Geometry
	params  *decoder.Params
	dec     *decoder.Decoder
	agg     *loss.Aggregator
	sgd     *SGD
	source  backbone.FeatureSource
	train   *data.Dataset
	test    *data.Dataset
	workers int
	runID   string
	history *metrics.History
	timer   *metrics.StageTimer
}

// New validates the configuration and assembles a run.
func New(args Args) (*Trainer, error) {
	if args.Config == nil {
		return nil, errors.New("trainer needs a configuration")
	}
	cfg := *args.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if args.Source == nil {
		return nil, errors.New("trainer needs a feature source")
	}
	if args.Train == nil {
		return nil, errors.New("trainer needs a training dataset")
	}
	if args.Source.Channels() != cfg.Net.FeatureChannels {
		return nil, errors.Errorf("feature source yields %d channels, configuration says %d",
			args.Source.Channels(), cfg.Net.FeatureChannels)
	}

	geom, err := grid.NewGeometry(cfg.Net.ImgWidth, cfg.Net.ImgHeight, cfg.Net.RegionSize)
	if err != nil {
		return nil, err
	}

	params := args.Params
	if params == nil {
		params = decoder.NewParams(cfg.Net, cfg.Solver.RandomSeed)
	}
	if cfg.Solver.Weights != "" {
		snap, err := checkpoint.Load(cfg.Solver.Weights)
		if err != nil {
			return nil, errors.Wrap(err, "loading warm-start weights")
		}
		if err := RestoreParams(params, snap); err != nil {
			return nil, errors.Wrap(err, "restoring warm-start weights")
		}
		logging.S().Infow("warm start", "weights", cfg.Solver.Weights,
			"snapshot_iter", snap.Manifest.Iteration, "snapshot_run", snap.Manifest.RunID)
	}

	workers := args.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > geom.Cells() {
		workers = geom.Cells()
	}

	runID := uuid.NewString()
	return &Trainer{
		cfg:     cfg,
		geom:    geom,
		params:  params,
		dec:     decoder.New(cfg.Net, params),
		agg:     loss.NewAggregator(cfg.Net),
		sgd:     NewSGD(params, cfg.Solver),
		source:  args.Source,
		train:   args.Train,
		test:    args.Test,
		workers: workers,
		runID:   runID,
		history: metrics.NewHistory(runID, cfg.Logging.DisplayInterval),
		timer:   metrics.NewStageTimer(),
	}, nil
}

// RunID identifies this run in logs, artifacts and snapshot manifests.
func (t *Trainer) RunID() string { return t.runID }

// Params exposes the decoder parameters (tests, external snapshotting).
func (t *Trainer) Params() *decoder.Params { return t.params }

// History exposes the recorded loss points.
func (t *Trainer) History() *metrics.History { return t.history }

// prepared is one example staged for training: features extracted, ground
// truth bucketed per cell and encoded. err is only set for fatal loader
// failures; data errors never reach the channel.
type prepared struct {
	path     string
	epoch    int
	features [][]float32
	targets  [][][4]float32
	err      error
}

// prepare extracts features and encodes per-cell targets for one example.
func (t *Trainer) prepare(ex *data.Example) (*prepared, error) {
	done := t.timer.Start("features")
	feats, err := t.source.CellFeatures(ex.Image)
	done()
	if err != nil {
		return nil, err
	}
	if len(feats) != t.geom.Cells() {
		return nil, grid.DataErrorf("feature source produced %d cells, grid has %d", len(feats), t.geom.Cells())
	}

	cells, err := t.geom.Assign(ex.Boxes)
	if err != nil {
		return nil, errors.Wrapf(err, "image %s", ex.ImagePath)
	}
	targets := make([][][4]float32, len(cells))
	for idx, boxes := range cells {
		row, col := t.geom.CellRowCol(idx)
		enc := make([][4]float32, len(boxes))
		for i, b := range boxes {
			enc[i] = t.geom.Encode(b, row, col)
		}
		targets[idx] = enc
	}
	return &prepared{path: ex.ImagePath, features: feats, targets: targets}, nil
}

// produce stages examples for the training loop. Data errors are logged and
// skipped; a full epoch of consecutive skips is fatal. The channel depth
// gives the double buffering: the next example loads while the current one
// trains.
func (t *Trainer) produce(ctx context.Context, out chan<- *prepared) {
	defer close(out)
	skips := 0
	for {
		done := t.timer.Start("load")
		ex, err := t.train.Next()
		done()
		if err == nil {
			var p *prepared
			p, err = t.prepare(ex)
			if err == nil {
				// Only this goroutine touches the dataset; the epoch rides
				// along so the training loop never has to.
				p.epoch = t.train.Epoch()
				select {
				case out <- p:
					skips = 0
					continue
				case <-ctx.Done():
					return
				}
			}
		}

		if grid.IsDataError(err) {
			logging.S().Warnw("skipping example", "error", err.Error())
			skips++
			if skips > t.train.Len() {
				t.sendErr(ctx, out, errors.Errorf("every example in the epoch failed, last: %v", err))
				return
			}
			continue
		}
		t.sendErr(ctx, out, err)
		return
	}
}

func (t *Trainer) sendErr(ctx context.Context, out chan<- *prepared, err error) {
	select {
	case out <- &prepared{err: err}:
	case <-ctx.Done():
	}
}

// StepResult summarizes one training iteration.
type StepResult struct {
	Iteration    int
	Image        string
	Loss         float64
	ConfLoss     float64
	BoxLoss      float64
	Matched      int
	Dropped      int
	Pruned       int
	LearningRate float64
	GradNorm     float64
}

// step trains on one prepared example: cells fan out to the worker pool,
// per-worker gradients merge after the drain, and the solver applies the
// clipped update. Any cell failure aborts the iteration with its location.
func (t *Trainer) step(iter int, p *prepared) (*StepResult, error) {
	cells := t.geom.Cells()
	results := make([]*loss.CellResult, cells)
	cellErrs := make([]error, cells)
	workerGrads := make([]*decoder.Gradients, t.workers)

	jobs := make(chan int, cells)
	var wg sync.WaitGroup
	doneCells := t.timer.Start("cells")
	for w := 0; w < t.workers; w++ {
		grads := t.params.NewGradients()
		workerGrads[w] = grads
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cell := range jobs {
				results[cell], cellErrs[cell] = t.processCell(iter, cell, p, grads)
			}
		}()
	}
	for cell := 0; cell < cells; cell++ {
		jobs <- cell
	}
	close(jobs)
	wg.Wait()
	doneCells()

	res := &StepResult{Iteration: iter, Image: p.path}
	for cell := 0; cell < cells; cell++ {
		if cellErrs[cell] != nil {
			row, col := t.geom.CellRowCol(cell)
			return nil, errors.Wrapf(cellErrs[cell], "iteration %d image %s cell (%d, %d)", iter, p.path, row, col)
		}
		cr := results[cell]
		res.Loss += cr.Loss
		res.ConfLoss += cr.ConfLoss
		res.BoxLoss += cr.BoxLoss
		res.Matched += cr.Matched
		res.Dropped += cr.Dropped
		res.Pruned += cr.Pruned
		if cr.Dropped > 0 {
			row, col := t.geom.CellRowCol(cell)
			logging.S().Warnw("ground truth exceeds emission slots",
				"image", p.path, "cell_row", row, "cell_col", col, "dropped", cr.Dropped)
		}
	}

	merged := workerGrads[0]
	for _, g := range workerGrads[1:] {
		merged.Merge(g)
	}
	doneUpdate := t.timer.Start("update")
	lr, norm := t.sgd.Step(iter, merged)
	doneUpdate()
	res.LearningRate = lr
	res.GradNorm = norm
	return res, nil
}

// processCell runs forward, matching, loss and backward for one cell,
// accumulating into the worker's gradient buffers.
func (t *Trainer) processCell(iter, cell int, p *prepared, grads *decoder.Gradients) (*loss.CellResult, error) {
	var drop *decoder.Dropout
	if t.cfg.Net.DropoutRatio > 0 {
		drop = decoder.NewDropout(t.cfg.Net.DropoutRatio, dropoutSeed(t.cfg.Solver.RandomSeed, iter, cell))
	}
	seq, err := t.dec.Forward(p.features[cell], drop)
	if err != nil {
		return nil, err
	}
	cr, err := t.agg.Cell(p.targets[cell], seq.Detections)
	if err != nil {
		return nil, err
	}
	t.dec.Backward(seq, cr.DConf, cr.DBox, grads)
	return cr, nil
}

// dropoutSeed gives every (iteration, cell) pair its own stream so the
// parallel schedule never changes the sampled masks.
func dropoutSeed(base int64, iter, cell int) int64 {
	return base + int64(iter)*1000003 + int64(cell)*7919
}

// Run executes the configured iteration range. It returns on the first
// fatal error (numerical problems, loader failures, snapshot write errors)
// or once max_iter is reached, finishing with a final snapshot and, when a
// test set is configured, an evaluation pass.
func (t *Trainer) Run(ctx context.Context) error {
	if path := t.cfg.Logging.SchematicPath; path != "" {
		if err := WriteSchematic(path, t.cfg, t.runID, t.params); err != nil {
			return err
		}
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pipe := make(chan *prepared, 1)
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		t.produce(pctx, pipe)
	}()

	logging.S().Infow("training started",
		"run_id", t.runID,
		"start_iter", t.cfg.Solver.StartIter,
		"max_iter", t.cfg.Solver.MaxIter,
		"workers", t.workers,
		"parameters", t.params.TotalSize())

	for iter := t.cfg.Solver.StartIter; iter < t.cfg.Solver.MaxIter; iter++ {
		var p *prepared
		select {
		case <-ctx.Done():
			return ctx.Err()
		case got, ok := <-pipe:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("example pipeline closed unexpectedly")
			}
			p = got
		}
		if p.err != nil {
			return errors.Wrap(p.err, "loading examples")
		}

		res, err := t.step(iter, p)
		if err != nil {
			return err
		}
		t.history.Record(metrics.Point{
			Iteration:    iter,
			Loss:         res.Loss,
			ConfLoss:     res.ConfLoss,
			BoxLoss:      res.BoxLoss,
			LearningRate: res.LearningRate,
			Timestamp:    time.Now(),
		})

		next := iter + 1
		if next%t.cfg.Logging.DisplayInterval == 0 {
			logging.S().Infow("iteration",
				"iter", iter,
				"loss", t.history.Smoothed(),
				"conf_loss", res.ConfLoss,
				"box_loss", res.BoxLoss,
				"matched", res.Matched,
				"lr", res.LearningRate,
				"grad_norm", res.GradNorm,
				"epoch", p.epoch)
		}
		if next%t.cfg.Logging.GraphInterval == 0 {
			if err := t.history.WriteFile(t.graphPath()); err != nil {
				logging.S().Warnw("loss history write failed", "error", err.Error())
			}
		}
		if next%t.cfg.Solver.SnapshotInterval == 0 {
			if err := t.Snapshot(next); err != nil {
				return err
			}
		}
	}

	// The producer must be parked before evaluation in case the same dataset
	// backs both splits.
	cancel()
	<-producerDone

	if err := t.Snapshot(t.cfg.Solver.MaxIter); err != nil {
		return err
	}
	if err := t.history.WriteFile(t.graphPath()); err != nil {
		logging.S().Warnw("loss history write failed", "error", err.Error())
	}

	if t.test != nil {
		cov, err := t.Evaluate(t.test.Len())
		if err != nil {
			return err
		}
		logging.S().Infow("evaluation",
			"coverage", cov.Ratio(), "matched", cov.Matched, "total", cov.Total)
	}
	for _, r := range t.timer.Report() {
		logging.S().Infow("stage timing",
			"stage", r.Name, "count", r.Count, "avg", r.Avg.String(), "max", r.Max.String())
	}
	return nil
}

func (t *Trainer) graphPath() string {
	return fmt.Sprintf("%s_%s.json", t.cfg.Logging.GraphPrefix, t.runID)
}

func (t *Trainer) snapshotPath(iter int) string {
	return fmt.Sprintf("%s_iter_%d.snap", t.cfg.Solver.SnapshotPrefix, iter)
}

// Snapshot writes the decoder parameters under the snapshot prefix.
func (t *Trainer) Snapshot(iter int) error {
	path := t.snapshotPath(iter)
	if err := checkpoint.Save(path, t.runID, iter, paramTensors(t.params)); err != nil {
		return errors.Wrapf(err, "snapshot at iteration %d", iter)
	}
	logging.S().Infow("snapshot written", "path", path, "iter", iter)
	return nil
}

// paramTensors copies the decoder parameters into snapshot form.
func paramTensors(params *decoder.Params) []checkpoint.Tensor {
	list := params.List()
	tensors := make([]checkpoint.Tensor, 0, len(list))
	for _, p := range list {
		data := make([]float32, p.Size())
		copy(data, p.Data())
		tensors = append(tensors, checkpoint.Tensor{
			Name:  p.Name,
			Shape: p.Value.Shape().Clone(),
			Data:  data,
		})
	}
	return tensors
}

// RestoreParams copies snapshot tensors into the decoder parameters by name.
// Every parameter must be present with a matching element count.
func RestoreParams(params *decoder.Params, snap *checkpoint.Snapshot) error {
	for _, p := range params.List() {
		t, ok := snap.Get(p.Name)
		if !ok {
			return errors.Errorf("snapshot carries no tensor %q", p.Name)
		}
		if len(t.Data) != p.Size() {
			return errors.Errorf("tensor %q has %d values, parameter wants %d", p.Name, len(t.Data), p.Size())
		}
		copy(p.Data(), t.Data)
	}
	return nil
}

// Evaluate runs the decoder in evaluation mode (no dropout) over up to
// maxImages test examples and reports how much ground truth the confident
// predictions recover.
func (t *Trainer) Evaluate(maxImages int) (metrics.Coverage, error) {
	var total metrics.Coverage
	if t.test == nil {
		return total, errors.New("no test dataset configured")
	}
	for n := 0; n < maxImages; n++ {
		ex, err := t.test.Next()
		if err != nil {
			if grid.IsDataError(err) {
				logging.S().Warnw("skipping test example", "error", err.Error())
				continue
			}
			return total, err
		}
		preds, err := t.predict(ex)
		if err != nil {
			return total, errors.Wrapf(err, "evaluating %s", ex.ImagePath)
		}
		total.Add(metrics.EvaluateCoverage(ex.Boxes, preds, metrics.DefaultConfMin, metrics.DefaultIoUMin))
	}
	return total, nil
}

// predict decodes every cell of one example to image-space scored boxes.
func (t *Trainer) predict(ex *data.Example) ([]metrics.ScoredBox, error) {
	feats, err := t.source.CellFeatures(ex.Image)
	if err != nil {
		return nil, err
	}
	preds := make([]metrics.ScoredBox, 0, len(feats)*t.cfg.Net.MaxLen)
	for cell := range feats {
		seq, err := t.dec.Forward(feats[cell], nil)
		if err != nil {
			return nil, err
		}
		row, col := t.geom.CellRowCol(cell)
		for _, det := range seq.Detections {
			preds = append(preds, metrics.ScoredBox{
				Box:        t.geom.Decode(det.Box, row, col),
				Confidence: det.PObj,
			})
		}
	}
	return preds, nil
}

// DumpHidden writes the hidden-state statistics report for one example:
// per-cell flags marking which emission slots matched a ground-truth box,
// plus each step's hidden activations. The decoder runs in evaluation mode.
func (t *Trainer) DumpHidden(path string, ex *data.Example) error {
	p, err := t.prepare(ex)
	if err != nil {
		return errors.Wrapf(err, "preparing %s", ex.ImagePath)
	}

	cells := t.geom.Cells()
	rep := &metrics.HiddenReport{
		BoxFlags: make([][]float32, cells),
		Hidden:   make([][][]float32, t.cfg.Net.MaxLen),
	}
	for step := range rep.Hidden {
		rep.Hidden[step] = make([][]float32, cells)
	}

	for cell := 0; cell < cells; cell++ {
		seq, err := t.dec.Forward(p.features[cell], nil)
		if err != nil {
			return errors.Wrapf(err, "decoding cell %d of %s", cell, ex.ImagePath)
		}
		cr, err := t.agg.Cell(p.targets[cell], seq.Detections)
		if err != nil {
			return errors.Wrapf(err, "matching cell %d of %s", cell, ex.ImagePath)
		}

		flags := make([]float32, t.cfg.Net.MaxLen)
		for _, slot := range cr.Assignment {
			if slot >= 0 {
				flags[slot] = 1
			}
		}
		rep.BoxFlags[cell] = flags
		for step := 0; step < t.cfg.Net.MaxLen; step++ {
			rep.Hidden[step][cell] = seq.Hidden(step)
		}
	}
	return metrics.WriteHiddenReport(path, rep)
}
