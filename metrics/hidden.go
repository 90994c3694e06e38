package metrics

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// MatrixWriter emits named numeric matrices as MATLAB-readable assignments,
// one value row per line:
//
//	box_flags = [
//	1 0
//	0 1
//	];
//
// Offline analysis scripts source these files directly.
type MatrixWriter struct {
	w *bufio.Writer
}

// NewMatrixWriter wraps an output stream.
func NewMatrixWriter(w io.Writer) *MatrixWriter {
	return &MatrixWriter{w: bufio.NewWriter(w)}
}

// Write emits one named matrix.
func (mw *MatrixWriter) Write(name string, rows [][]float32) error {
	if _, err := fmt.Fprintf(mw.w, "%s = [\n", name); err != nil {
		return errors.Wrapf(err, "writing matrix %s", name)
	}
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				if err := mw.w.WriteByte(' '); err != nil {
					return errors.Wrapf(err, "writing matrix %s", name)
				}
			}
			if _, err := mw.w.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32)); err != nil {
				return errors.Wrapf(err, "writing matrix %s", name)
			}
		}
		if err := mw.w.WriteByte('\n'); err != nil {
			return errors.Wrapf(err, "writing matrix %s", name)
		}
	}
	if _, err := mw.w.WriteString("];\n"); err != nil {
		return errors.Wrapf(err, "writing matrix %s", name)
	}
	return mw.w.Flush()
}

// HiddenReport captures one image's decoder internals for offline analysis:
// which emission slots carried an object and the hidden activations that
// produced them.
type HiddenReport struct {
	// BoxFlags has one row per grid cell and one column per emission slot,
	// 1 where the slot was matched to a ground truth box.
	BoxFlags [][]float32
	// Hidden holds, per emission step, one row per grid cell of
	// lstm_num_cells activations.
	Hidden [][][]float32
}

// WriteHiddenReport dumps a report to path as box_flags plus one hidden_<t>
// matrix per step.
func WriteHiddenReport(path string, rep *HiddenReport) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating report directory")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating hidden state report")
	}
	defer f.Close()

	mw := NewMatrixWriter(f)
	if err := mw.Write("box_flags", rep.BoxFlags); err != nil {
		return err
	}
	for step, rows := range rep.Hidden {
		if err := mw.Write(fmt.Sprintf("hidden_%d", step), rows); err != nil {
			return err
		}
	}
	return nil
}
