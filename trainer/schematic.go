package trainer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/decoder"
)

// WriteSchematic emits the plain-text model summary written once at startup:
// the geometry, every parameter with its shape and learning-rate multiplier,
// and the total scalar count.
func WriteSchematic(path string, cfg config.Config, runID string, params *decoder.Params) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating schematic directory")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating schematic")
	}
	defer f.Close()

	n := cfg.Net
	fmt.Fprintf(f, "go-reinspect training schematic\n")
	fmt.Fprintf(f, "run: %s\n", runID)
	fmt.Fprintf(f, "image %dx%d, grid %dx%d, region %d\n",
		n.ImgWidth, n.ImgHeight, n.GridWidth, n.GridHeight, n.RegionSize)
	fmt.Fprintf(f, "decoder max_len %d, lstm_num_cells %d, feature_channels %d, dropout %g\n",
		n.MaxLen, n.LSTMNumCells, n.FeatureChannels, n.DropoutRatio)
	fmt.Fprintf(f, "hungarian loss_weight %g, match_ratio %g, permute %t\n\n",
		n.HungarianLossWeight, n.HungarianMatchRatio, n.HungarianPermuteMatches)

	fmt.Fprintf(f, "%-16s %-14s %10s %8s\n", "parameter", "shape", "size", "lr_mult")
	for _, p := range params.List() {
		fmt.Fprintf(f, "%-16s %-14v %10d %8g\n",
			p.Name, []int(p.Value.Shape()), p.Size(), p.LRMult)
	}
	fmt.Fprintf(f, "\ntotal scalars: %d\n", params.TotalSize())
	return nil
}
