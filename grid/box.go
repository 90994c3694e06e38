// Package grid - image partitioning and ground-truth box bookkeeping.
//
// The grid tiles a fixed-size image with non-overlapping square regions.
// Every ground-truth box belongs to exactly one cell, chosen by the cell
// containing the box center; boxes are never split across cells.
package grid

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Box is a ground-truth or predicted box in image coordinates, stored as
// center position plus size.
type Box struct {
	CX float32 `json:"cx"`
	CY float32 `json:"cy"`
	W  float32 `json:"w"`
	H  float32 `json:"h"`
}

// FromCorners builds a Box from corner coordinates (x1,y1)-(x2,y2).
func FromCorners(x1, y1, x2, y2 float32) Box {
	return Box{
		CX: (x1 + x2) / 2,
		CY: (y1 + y2) / 2,
		W:  x2 - x1,
		H:  y2 - y1,
	}
}

// Corners returns the (x1, y1, x2, y2) corner coordinates.
func (b Box) Corners() (float32, float32, float32, float32) {
	return b.CX - b.W/2, b.CY - b.H/2, b.CX + b.W/2, b.CY + b.H/2
}

// Area returns the box area in square pixels.
func (b Box) Area() float32 {
	return b.W * b.H
}

// IoU computes intersection over union against another box. Degenerate
// pairs (zero union) score zero.
func (b Box) IoU(other Box) float32 {
	ax1, ay1, ax2, ay2 := b.Corners()
	bx1, by1, bx2, by2 := other.Corners()
	iw := math32.Min(ax2, bx2) - math32.Max(ax1, bx1)
	ih := math32.Min(ay2, by2) - math32.Max(ay1, by1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Validate reports a data error for boxes training cannot consume:
// non-finite fields or non-positive size.
func (b Box) Validate() error {
	for _, v := range []float32{b.CX, b.CY, b.W, b.H} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return dataErrorf("box has non-finite geometry: %v", b)
		}
	}
	if b.W <= 0 || b.H <= 0 {
		return dataErrorf("box has non-positive size %gx%g", b.W, b.H)
	}
	return nil
}

func (b Box) String() string {
	return fmt.Sprintf("box center (%.1f, %.1f) size %.1fx%.1f", b.CX, b.CY, b.W, b.H)
}
