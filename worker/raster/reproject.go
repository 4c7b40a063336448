package raster

import (
	"fmt"
	"math"
)

// Resample fits a grid onto a target shape and georeference in the same CRS
// using nearest-neighbor lookup. Cells falling outside the source extent
// become nodata.
func Resample(src *Grid, width, height int, originX, originY, cellW, cellH float64) *Grid {
	out := NewGrid(width, height)
	out.OriginX, out.OriginY = originX, originY
	out.CellW, out.CellH = cellW, cellH
	out.EPSG = src.EPSG

	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			x, y := out.CellCenter(col, row)
			srcCol := int(math.Floor((x - src.OriginX) / src.CellW))
			srcRow := int(math.Floor((src.OriginY - y) / src.CellH))
			if srcCol < 0 || srcCol >= src.Width || srcRow < 0 || srcRow >= src.Height {
				continue
			}
			out.Set(col, row, src.At(srcCol, srcRow))
		}
	}
	return out
}

// Align resamples src onto ref's shape and georeference so the two can be
// combined cell by cell. A grid already aligned is returned as-is.
func Align(src, ref *Grid) (*Grid, error) {
	if src.EPSG != ref.EPSG {
		return nil, fmt.Errorf("reprojection between EPSG:%d and EPSG:%d is not supported", src.EPSG, ref.EPSG)
	}
	if src.SameShape(ref) &&
		src.OriginX == ref.OriginX && src.OriginY == ref.OriginY &&
		src.CellW == ref.CellW && src.CellH == ref.CellH {
		return src, nil
	}
	return Resample(src, ref.Width, ref.Height, ref.OriginX, ref.OriginY, ref.CellW, ref.CellH), nil
}
