// Package config - typed configuration surface for the training core.
//
// The file layout mirrors the original system's four sections (net, data,
// solver, logging). Both JSON and YAML are accepted, switched on the file
// extension, and every loaded configuration is validated before use.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Net describes the model geometry and loss hyperparameters.
type Net struct {
	ImgWidth        int     `json:"img_width" yaml:"img_width"`
	ImgHeight       int     `json:"img_height" yaml:"img_height"`
	GridWidth       int     `json:"grid_width" yaml:"grid_width"`
	GridHeight      int     `json:"grid_height" yaml:"grid_height"`
	RegionSize      int     `json:"region_size" yaml:"region_size"`
	MaxLen          int     `json:"max_len" yaml:"max_len"`
	LSTMNumCells    int     `json:"lstm_num_cells" yaml:"lstm_num_cells"`
	FeatureChannels int     `json:"feature_channels" yaml:"feature_channels"`
	DropoutRatio    float64 `json:"dropout_ratio" yaml:"dropout_ratio"`
	InitRange       float64 `json:"init_range" yaml:"init_range"`
	GooglenetLRMult float64 `json:"googlenet_lr_mult" yaml:"googlenet_lr_mult"`

	HungarianLossWeight     float64 `json:"hungarian_loss_weight" yaml:"hungarian_loss_weight"`
	HungarianMatchRatio     float64 `json:"hungarian_match_ratio" yaml:"hungarian_match_ratio"`
	HungarianPermuteMatches bool    `json:"hungarian_permute_matches" yaml:"hungarian_permute_matches"`
}

// Data points at the annotation lists and the normalization blob.
type Data struct {
	TrainIDL string `json:"train_idl" yaml:"train_idl"`
	TestIDL  string `json:"test_idl" yaml:"test_idl"`
	IDLMean  string `json:"idl_mean" yaml:"idl_mean"`
	Jitter   bool   `json:"jitter" yaml:"jitter"`
}

// Solver holds the SGD loop hyperparameters.
type Solver struct {
	Weights          string  `json:"weights" yaml:"weights"`
	RandomSeed       int64   `json:"random_seed" yaml:"random_seed"`
	StartIter        int     `json:"start_iter" yaml:"start_iter"`
	MaxIter          int     `json:"max_iter" yaml:"max_iter"`
	LearningRate     float64 `json:"learning_rate" yaml:"learning_rate"`
	Momentum         float64 `json:"momentum" yaml:"momentum"`
	Gamma            float64 `json:"gamma" yaml:"gamma"`
	Stepsize         int     `json:"stepsize" yaml:"stepsize"`
	ClipGradients    float64 `json:"clip_gradients" yaml:"clip_gradients"`
	SnapshotInterval int     `json:"snapshot_interval" yaml:"snapshot_interval"`
	SnapshotPrefix   string  `json:"snapshot_prefix" yaml:"snapshot_prefix"`
}

// Logging controls interval reporting and artifact paths.
type Logging struct {
	DisplayInterval int    `json:"display_interval" yaml:"display_interval"`
	GraphInterval   int    `json:"graph_interval" yaml:"graph_interval"`
	GraphPrefix     string `json:"graph_prefix" yaml:"graph_prefix"`
	SchematicPath   string `json:"schematic_path" yaml:"schematic_path"`
	Level           string `json:"level" yaml:"level"`
}

// Config is the full configuration tree handed to the trainer.
type Config struct {
	Net     Net     `json:"net" yaml:"net"`
	Data    Data    `json:"data" yaml:"data"`
	Solver  Solver  `json:"solver" yaml:"solver"`
	Logging Logging `json:"logging" yaml:"logging"`
}

// Default returns the reference configuration. Loaded files overlay it, so a
// partial file only needs the keys it changes.
func Default() Config {
	return Config{
		Net: Net{
			ImgWidth:                640,
			ImgHeight:               480,
			GridWidth:               20,
			GridHeight:              15,
			RegionSize:              32,
			MaxLen:                  5,
			LSTMNumCells:            250,
			FeatureChannels:         1024,
			DropoutRatio:            0.15,
			InitRange:               0.1,
			GooglenetLRMult:         1.0,
			HungarianLossWeight:     0.03,
			HungarianMatchRatio:     0.5,
			HungarianPermuteMatches: true,
		},
		Data: Data{Jitter: true},
		Solver: Solver{
			RandomSeed:       2,
			MaxIter:          800000,
			LearningRate:     0.2,
			Momentum:         0.5,
			Gamma:            0.8,
			Stepsize:         100000,
			ClipGradients:    0.1,
			SnapshotInterval: 10000,
			SnapshotPrefix:   "snapshots/reinspect",
		},
		Logging: Logging{
			DisplayInterval: 100,
			GraphInterval:   500,
			GraphPrefix:     "graphs/reinspect",
			Level:           "info",
		},
	}
}

// Load reads a JSON or YAML configuration file, overlays it on Default and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing json config %s", path)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing yaml config %s", path)
		}
	default:
		return cfg, errors.Errorf("unsupported config extension %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "validating config %s", path)
	}
	return cfg, nil
}

// Validate rejects configurations the training core cannot honor. Geometry
// must be exactly consistent: the grid tiles the image with region_size
// squares, no remainder and no overlap.
func (c Config) Validate() error {
	n := c.Net
	if n.ImgWidth <= 0 || n.ImgHeight <= 0 {
		return errors.Errorf("image dimensions must be positive, got %dx%d", n.ImgWidth, n.ImgHeight)
	}
	if n.RegionSize <= 0 {
		return errors.Errorf("region_size must be positive, got %d", n.RegionSize)
	}
	if n.GridWidth*n.RegionSize != n.ImgWidth {
		return errors.Errorf("grid_width %d * region_size %d != img_width %d", n.GridWidth, n.RegionSize, n.ImgWidth)
	}
	if n.GridHeight*n.RegionSize != n.ImgHeight {
		return errors.Errorf("grid_height %d * region_size %d != img_height %d", n.GridHeight, n.RegionSize, n.ImgHeight)
	}
	if n.MaxLen < 1 {
		return errors.Errorf("max_len must be at least 1, got %d", n.MaxLen)
	}
	if n.LSTMNumCells < 1 {
		return errors.Errorf("lstm_num_cells must be at least 1, got %d", n.LSTMNumCells)
	}
	if n.FeatureChannels < 1 {
		return errors.Errorf("feature_channels must be at least 1, got %d", n.FeatureChannels)
	}
	if n.DropoutRatio < 0 || n.DropoutRatio >= 1 {
		return errors.Errorf("dropout_ratio must be in [0, 1), got %g", n.DropoutRatio)
	}
	if n.InitRange <= 0 {
		return errors.Errorf("init_range must be positive, got %g", n.InitRange)
	}
	if n.GooglenetLRMult < 0 {
		return errors.Errorf("googlenet_lr_mult must be non-negative, got %g", n.GooglenetLRMult)
	}
	if n.HungarianLossWeight < 0 {
		return errors.Errorf("hungarian_loss_weight must be non-negative, got %g", n.HungarianLossWeight)
	}
	if n.HungarianMatchRatio <= 0 || n.HungarianMatchRatio > 1 {
		return errors.Errorf("hungarian_match_ratio must be in (0, 1], got %g", n.HungarianMatchRatio)
	}

	s := c.Solver
	if s.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be positive, got %g", s.LearningRate)
	}
	if s.Momentum < 0 || s.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1), got %g", s.Momentum)
	}
	if s.Gamma <= 0 || s.Gamma > 1 {
		return errors.Errorf("gamma must be in (0, 1], got %g", s.Gamma)
	}
	if s.Stepsize < 1 {
		return errors.Errorf("stepsize must be at least 1, got %d", s.Stepsize)
	}
	if s.ClipGradients < 0 {
		return errors.Errorf("clip_gradients must be non-negative (0 disables clipping), got %g", s.ClipGradients)
	}
	if s.StartIter < 0 {
		return errors.Errorf("start_iter must be non-negative, got %d", s.StartIter)
	}
	if s.MaxIter <= s.StartIter {
		return errors.Errorf("max_iter %d must exceed start_iter %d", s.MaxIter, s.StartIter)
	}
	if s.SnapshotInterval < 1 {
		return errors.Errorf("snapshot_interval must be at least 1, got %d", s.SnapshotInterval)
	}

	l := c.Logging
	if l.DisplayInterval < 1 {
		return errors.Errorf("display_interval must be at least 1, got %d", l.DisplayInterval)
	}
	if l.GraphInterval < 1 {
		return errors.Errorf("graph_interval must be at least 1, got %d", l.GraphInterval)
	}
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log level %q", l.Level)
	}
	return nil
}

// Cells returns the number of grid cells per image.
func (n Net) Cells() int {
	return n.GridWidth * n.GridHeight
}

// DecoderInputWidth is the width of the recurrent input: the projected
// feature block plus the encoding of the previously emitted detection.
func (n Net) DecoderInputWidth() int {
	return n.LSTMNumCells + DetectionEncodingWidth
}

// DetectionEncodingWidth is the size of the previous-detection encoding fed
// back into the recurrence: object probability plus four box offsets.
const DetectionEncodingWidth = 5
