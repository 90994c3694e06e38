// Package metrics - training run bookkeeping.
//
// The trainer feeds this package one point per display interval and one
// coverage sweep per evaluation pass; everything here is about making those
// numbers inspectable later (JSON artifacts, MATLAB-readable dumps) or
// smoother to read while the run is live.
package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Point is one loss measurement.
type Point struct {
	Iteration    int       `json:"iteration"`
	Loss         float64   `json:"loss"`
	ConfLoss     float64   `json:"conf_loss"`
	BoxLoss      float64   `json:"box_loss"`
	LearningRate float64   `json:"learning_rate"`
	Timestamp    time.Time `json:"timestamp"`
}

// History accumulates loss points for a run and serves a moving average so
// console output is readable despite the per-batch noise.
type History struct {
	mu     sync.Mutex
	window int

	RunID  string  `json:"run_id"`
	Points []Point `json:"points"`
}

// NewHistory creates a history with the given smoothing window.
func NewHistory(runID string, window int) *History {
	if window < 1 {
		window = 1
	}
	return &History{RunID: runID, window: window}
}

// Record appends one point.
func (h *History) Record(p Point) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Points = append(h.Points, p)
}

// Smoothed returns the mean loss over the last window points. With no
// points recorded it returns zero.
func (h *History) Smoothed() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.Points)
	if n == 0 {
		return 0
	}
	start := n - h.window
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, p := range h.Points[start:] {
		sum += p.Loss
	}
	return sum / float64(n-start)
}

// Len returns how many points were recorded.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Points)
}

// WriteFile serializes the history as indented JSON, creating parent
// directories as needed.
func (h *History) WriteFile(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	blob, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding loss history")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating history directory")
		}
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return errors.Wrap(err, "writing loss history")
	}
	return nil
}

// LoadHistory reads a history artifact back, for plotting or resuming
// dashboards.
func LoadHistory(path string) (*History, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading loss history")
	}
	h := &History{window: 1}
	if err := json.Unmarshal(blob, h); err != nil {
		return nil, errors.Wrap(err, "decoding loss history")
	}
	return h, nil
}
