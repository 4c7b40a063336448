// Package raster implements the processing engine: band grids, vegetation
// index math, cloud masking, temporal compositing and AOI clipping. Nodata
// is NaN throughout; every stage propagates it and the encoder maps it back
// to the nodata cell value on output.
package raster

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrShapeMismatch = errors.New("raster shapes do not match")
	ErrEmptyResult   = errors.New("no valid pixels in result")
)

// Grid is a single-band float raster with a north-up affine georeference.
// Values index row-major, row 0 at the top (maximum Y).
type Grid struct {
	Width  int
	Height int
	Values []float64

	// Georeference: coordinates of the top-left corner and cell size in
	// CRS units. CellH is the positive cell height; rows step southward.
	OriginX float64
	OriginY float64
	CellW   float64
	CellH   float64

	// EPSG identifies the CRS. 4326 for the inputs this engine accepts.
	EPSG int
}

// NewGrid allocates a grid of the given shape filled with nodata.
func NewGrid(width, height int) *Grid {
	values := make([]float64, width*height)
	for i := range values {
		values[i] = math.NaN()
	}
	return &Grid{Width: width, Height: height, Values: values}
}

// LikeGrid allocates a nodata-filled grid sharing g's shape and
// georeference.
func LikeGrid(g *Grid) *Grid {
	out := NewGrid(g.Width, g.Height)
	out.OriginX, out.OriginY = g.OriginX, g.OriginY
	out.CellW, out.CellH = g.CellW, g.CellH
	out.EPSG = g.EPSG
	return out
}

func (g *Grid) At(col, row int) float64 {
	return g.Values[row*g.Width+col]
}

func (g *Grid) Set(col, row int, v float64) {
	g.Values[row*g.Width+col] = v
}

// CellCenter returns the CRS coordinates of the center of a cell.
func (g *Grid) CellCenter(col, row int) (x, y float64) {
	x = g.OriginX + (float64(col)+0.5)*g.CellW
	y = g.OriginY - (float64(row)+0.5)*g.CellH
	return x, y
}

// Bounds returns the grid extent as (minX, minY, maxX, maxY).
func (g *Grid) Bounds() (minX, minY, maxX, maxY float64) {
	minX = g.OriginX
	maxX = g.OriginX + float64(g.Width)*g.CellW
	maxY = g.OriginY
	minY = g.OriginY - float64(g.Height)*g.CellH
	return minX, minY, maxX, maxY
}

// SameShape reports whether two grids can be combined cell by cell.
func (g *Grid) SameShape(other *Grid) bool {
	return g.Width == other.Width && g.Height == other.Height
}

// AllNodata reports whether the grid holds no valid pixel at all.
func (g *Grid) AllNodata() bool {
	for _, v := range g.Values {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// ValidCount returns the number of non-nodata cells.
func (g *Grid) ValidCount() int {
	n := 0
	for _, v := range g.Values {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

func shapeErr(a, b *Grid) error {
	return fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, a.Width, a.Height, b.Width, b.Height)
}
