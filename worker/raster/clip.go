package raster

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ClipToAOI cuts the grid down to the AOI polygon: the output window is the
// intersection of the grid extent with the AOI bound, and cells whose center
// falls outside the polygon become nodata. ErrEmptyResult when the AOI does
// not overlap the grid at all.
func ClipToAOI(g *Grid, aoi *geojson.Geometry) (*Grid, error) {
	geom := aoi.Geometry()
	bound := geom.Bound()

	minX, minY, maxX, maxY := g.Bounds()
	if bound.Min[0] >= maxX || bound.Max[0] <= minX ||
		bound.Min[1] >= maxY || bound.Max[1] <= minY {
		return nil, ErrEmptyResult
	}

	// Cell window covering the AOI bound, clamped to the grid.
	colMin := clampInt(int(math.Floor((bound.Min[0]-g.OriginX)/g.CellW)), 0, g.Width-1)
	colMax := clampInt(int(math.Ceil((bound.Max[0]-g.OriginX)/g.CellW))-1, 0, g.Width-1)
	rowMin := clampInt(int(math.Floor((g.OriginY-bound.Max[1])/g.CellH)), 0, g.Height-1)
	rowMax := clampInt(int(math.Ceil((g.OriginY-bound.Min[1])/g.CellH))-1, 0, g.Height-1)

	out := NewGrid(colMax-colMin+1, rowMax-rowMin+1)
	out.OriginX = g.OriginX + float64(colMin)*g.CellW
	out.OriginY = g.OriginY - float64(rowMin)*g.CellH
	out.CellW, out.CellH = g.CellW, g.CellH
	out.EPSG = g.EPSG

	any := false
	for row := rowMin; row <= rowMax; row++ {
		for col := colMin; col <= colMax; col++ {
			x, y := g.CellCenter(col, row)
			if !containsPoint(geom, orb.Point{x, y}) {
				continue
			}
			v := g.At(col, row)
			out.Set(col-colMin, row-rowMin, v)
			if !math.IsNaN(v) {
				any = true
			}
		}
	}
	if !any {
		return nil, ErrEmptyResult
	}
	return out, nil
}

func containsPoint(geom orb.Geometry, p orb.Point) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
