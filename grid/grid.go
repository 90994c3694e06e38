package grid

import (
	"fmt"

	"github.com/pkg/errors"
)

// DataError marks per-example input problems (malformed boxes, centers
// outside the image). Callers skip the offending example and keep training;
// anything else propagating out of an iteration is treated as fatal.
type DataError struct {
	msg string
}

func (e *DataError) Error() string { return e.msg }

// DataErrorf builds a DataError. Other packages use it to flag example-level
// input problems that should be skipped rather than abort the run.
func DataErrorf(format string, args ...interface{}) error {
	return &DataError{msg: fmt.Sprintf(format, args...)}
}

func dataErrorf(format string, args ...interface{}) error {
	return DataErrorf(format, args...)
}

// IsDataError reports whether err (or anything it wraps) is a DataError.
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// Geometry fixes the image partition: a GridHeight x GridWidth grid of
// RegionSize x RegionSize pixel cells tiling the image exactly.
type Geometry struct {
	ImgWidth   int
	ImgHeight  int
	RegionSize int
	GridWidth  int
	GridHeight int
}

// NewGeometry derives the grid dimensions from the image size and region
// size. The regions must tile the image with no remainder.
func NewGeometry(imgWidth, imgHeight, regionSize int) (Geometry, error) {
	if imgWidth <= 0 || imgHeight <= 0 || regionSize <= 0 {
		return Geometry{}, errors.Errorf("invalid geometry %dx%d region %d", imgWidth, imgHeight, regionSize)
	}
	if imgWidth%regionSize != 0 || imgHeight%regionSize != 0 {
		return Geometry{}, errors.Errorf("region size %d does not tile %dx%d image", regionSize, imgWidth, imgHeight)
	}
	return Geometry{
		ImgWidth:   imgWidth,
		ImgHeight:  imgHeight,
		RegionSize: regionSize,
		GridWidth:  imgWidth / regionSize,
		GridHeight: imgHeight / regionSize,
	}, nil
}

// Cells returns the number of grid cells.
func (g Geometry) Cells() int {
	return g.GridWidth * g.GridHeight
}

// CellIndex flattens (row, col) to a cell index in row-major order.
func (g Geometry) CellIndex(row, col int) int {
	return row*g.GridWidth + col
}

// CellRowCol is the inverse of CellIndex.
func (g Geometry) CellRowCol(index int) (row, col int) {
	return index / g.GridWidth, index % g.GridWidth
}

// CellCenter returns the pixel coordinates of a cell's center.
func (g Geometry) CellCenter(row, col int) (cx, cy float32) {
	return (float32(col) + 0.5) * float32(g.RegionSize), (float32(row) + 0.5) * float32(g.RegionSize)
}

// CellAt locates the cell containing an image point. Points outside the
// image bounds are a data error; the right and bottom edges are exclusive.
func (g Geometry) CellAt(x, y float32) (row, col int, err error) {
	if x < 0 || y < 0 || x >= float32(g.ImgWidth) || y >= float32(g.ImgHeight) {
		return 0, 0, dataErrorf("point (%g, %g) outside %dx%d image", x, y, g.ImgWidth, g.ImgHeight)
	}
	return int(y) / g.RegionSize, int(x) / g.RegionSize, nil
}

// Encode expresses a box relative to a cell: offsets of the box center from
// the cell center, plus raw width and height. This is the target encoding
// the decoder's box head regresses against.
func (g Geometry) Encode(b Box, row, col int) [4]float32 {
	cx, cy := g.CellCenter(row, col)
	return [4]float32{b.CX - cx, b.CY - cy, b.W, b.H}
}

// Decode maps a cell-relative encoding back to image coordinates.
func (g Geometry) Decode(enc [4]float32, row, col int) Box {
	cx, cy := g.CellCenter(row, col)
	return Box{CX: cx + enc[0], CY: cy + enc[1], W: enc[2], H: enc[3]}
}

// Assign buckets ground-truth boxes by the cell containing their center,
// returning one slice per cell in row-major order. Any invalid box fails
// the whole example with a DataError so the caller can skip it.
func (g Geometry) Assign(boxes []Box) ([][]Box, error) {
	cells := make([][]Box, g.Cells())
	for i, b := range boxes {
		if err := b.Validate(); err != nil {
			return nil, errors.Wrapf(err, "ground-truth box %d", i)
		}
		row, col, err := g.CellAt(b.CX, b.CY)
		if err != nil {
			return nil, errors.Wrapf(err, "ground-truth box %d", i)
		}
		idx := g.CellIndex(row, col)
		cells[idx] = append(cells[idx], b)
	}
	return cells, nil
}
