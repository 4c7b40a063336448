package raster

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb/geojson"
)

func parseAOI(t *testing.T, raw string) *geojson.Geometry {
	t.Helper()
	geom, err := geojson.UnmarshalGeometry([]byte(raw))
	if err != nil {
		t.Fatalf("Parsing AOI failed: %v", err)
	}
	return geom
}

func sequentialGrid(width, height int) *Grid {
	g := NewGrid(width, height)
	g.OriginX, g.OriginY = 0, float64(height)
	g.CellW, g.CellH = 1, 1
	g.EPSG = 4326
	for i := range g.Values {
		g.Values[i] = float64(i)
	}
	return g
}

func TestClipToAOI_WindowsToBound(t *testing.T) {
	g := sequentialGrid(4, 4)
	aoi := parseAOI(t, `{"type":"Polygon","coordinates":[[[1,1],[3,1],[3,3],[1,3],[1,1]]]}`)

	out, err := ClipToAOI(g, aoi)
	if err != nil {
		t.Fatalf("ClipToAOI failed: %v", err)
	}

	if out.Width != 2 || out.Height != 2 {
		t.Fatalf("Expected 2x2 window, got %dx%d", out.Width, out.Height)
	}
	if out.OriginX != 1 || out.OriginY != 3 {
		t.Errorf("Expected origin (1, 3), got (%f, %f)", out.OriginX, out.OriginY)
	}

	// Window rows 1..2, cols 1..2 of the source.
	assertCell(t, out, 0, float64(1*4+1))
	assertCell(t, out, 1, float64(1*4+2))
	assertCell(t, out, 2, float64(2*4+1))
	assertCell(t, out, 3, float64(2*4+2))
}

func TestClipToAOI_MasksOutsidePolygon(t *testing.T) {
	g := sequentialGrid(4, 4)
	// Triangle over the lower-left half of the 0..4 square.
	aoi := parseAOI(t, `{"type":"Polygon","coordinates":[[[0,0],[4,0],[0,4],[0,0]]]}`)

	out, err := ClipToAOI(g, aoi)
	if err != nil {
		t.Fatalf("ClipToAOI failed: %v", err)
	}
	if out.Width != 4 || out.Height != 4 {
		t.Fatalf("Expected full window, got %dx%d", out.Width, out.Height)
	}

	// Top-right corner center (3.5, 3.5) is outside the triangle.
	if !math.IsNaN(out.At(3, 0)) {
		t.Error("Expected cell outside the polygon to be nodata")
	}
	// Bottom-left corner center (0.5, 0.5) is inside.
	if math.IsNaN(out.At(0, 3)) {
		t.Error("Expected cell inside the polygon to keep its value")
	}
}

func TestClipToAOI_DisjointAOI(t *testing.T) {
	g := sequentialGrid(4, 4)
	aoi := parseAOI(t, `{"type":"Polygon","coordinates":[[[10,10],[11,10],[11,11],[10,11],[10,10]]]}`)

	_, err := ClipToAOI(g, aoi)
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("Expected ErrEmptyResult, got %v", err)
	}
}

func TestClipToAOI_AllNodataInsideAOI(t *testing.T) {
	g := NewGrid(4, 4)
	g.OriginX, g.OriginY = 0, 4
	g.CellW, g.CellH = 1, 1
	g.EPSG = 4326
	aoi := parseAOI(t, `{"type":"Polygon","coordinates":[[[1,1],[3,1],[3,3],[1,3],[1,1]]]}`)

	_, err := ClipToAOI(g, aoi)
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("Expected ErrEmptyResult, got %v", err)
	}
}
