package raster

import (
	"errors"
	"math"
	"testing"

	"geoProcessor/api/models"
)

func gridOf(width, height int, values ...float64) *Grid {
	g := NewGrid(width, height)
	g.OriginX, g.OriginY = 0, float64(height)
	g.CellW, g.CellH = 1, 1
	g.EPSG = 4326
	copy(g.Values, values)
	return g
}

func assertCell(t *testing.T, g *Grid, i int, want float64) {
	t.Helper()
	got := g.Values[i]
	if math.IsNaN(want) {
		if !math.IsNaN(got) {
			t.Errorf("Expected nodata at cell %d, got %f", i, got)
		}
		return
	}
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %f at cell %d, got %f", want, i, got)
	}
}

func TestNDVI(t *testing.T) {
	nir := gridOf(2, 1, 0.8, 0.5)
	red := gridOf(2, 1, 0.4, -0.5)

	out, err := NDVI(nir, red)
	if err != nil {
		t.Fatalf("NDVI failed: %v", err)
	}

	assertCell(t, out, 0, 0.4/1.2)
	// Zero denominator is nodata, never a division result.
	assertCell(t, out, 1, math.NaN())
}

func TestNDVI_PropagatesNodata(t *testing.T) {
	nir := gridOf(2, 1, math.NaN(), 0.8)
	red := gridOf(2, 1, 0.4, math.NaN())

	out, err := NDVI(nir, red)
	if err != nil {
		t.Fatalf("NDVI failed: %v", err)
	}
	assertCell(t, out, 0, math.NaN())
	assertCell(t, out, 1, math.NaN())
}

func TestNDVI_ShapeMismatch(t *testing.T) {
	nir := gridOf(2, 1, 0.8, 0.8)
	red := gridOf(1, 1, 0.4)

	_, err := NDVI(nir, red)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestSAVI(t *testing.T) {
	nir := gridOf(1, 1, 0.8)
	red := gridOf(1, 1, 0.4)

	out, err := SAVI(nir, red, 0.5)
	if err != nil {
		t.Fatalf("SAVI failed: %v", err)
	}
	assertCell(t, out, 0, 1.5*0.4/1.7)
}

func TestSAVI_ZeroDenominator(t *testing.T) {
	nir := gridOf(1, 1, 0.3)
	red := gridOf(1, 1, 0.2)

	out, err := SAVI(nir, red, -0.5)
	if err != nil {
		t.Fatalf("SAVI failed: %v", err)
	}
	assertCell(t, out, 0, math.NaN())
}

func TestEVI(t *testing.T) {
	nir := gridOf(1, 1, 0.8)
	red := gridOf(1, 1, 0.4)
	blue := gridOf(1, 1, 0.2)

	out, err := EVI(nir, red, blue)
	if err != nil {
		t.Fatalf("EVI failed: %v", err)
	}
	// 2.5 * 0.4 / (0.8 + 2.4 - 1.5 + 1)
	assertCell(t, out, 0, 1.0/2.7)
}

func TestVGI(t *testing.T) {
	green := gridOf(2, 1, 0.3, 0.3)
	red := gridOf(2, 1, 0.6, 0)

	out, err := VGI(green, red)
	if err != nil {
		t.Fatalf("VGI failed: %v", err)
	}
	assertCell(t, out, 0, 0.5)
	assertCell(t, out, 1, math.NaN())
}

func TestCompute_Dispatch(t *testing.T) {
	bands := BandSet{
		"nir":   gridOf(1, 1, 0.8),
		"red":   gridOf(1, 1, 0.4),
		"blue":  gridOf(1, 1, 0.2),
		"green": gridOf(1, 1, 0.3),
	}

	for _, index := range []models.IndexName{models.IndexNDVI, models.IndexSAVI, models.IndexEVI, models.IndexVGI} {
		out, err := Compute(index, bands, models.DefaultSAVIL)
		if err != nil {
			t.Errorf("Compute(%s) failed: %v", index, err)
			continue
		}
		if math.IsNaN(out.Values[0]) {
			t.Errorf("Compute(%s) produced nodata for valid input", index)
		}
	}

	if _, err := Compute("NDWI", bands, models.DefaultSAVIL); err == nil {
		t.Error("Expected unknown index to error")
	}
}

func TestCompute_MissingBand(t *testing.T) {
	bands := BandSet{"nir": gridOf(1, 1, 0.8)}

	if _, err := Compute(models.IndexNDVI, bands, models.DefaultSAVIL); err == nil {
		t.Error("Expected missing red band to error")
	}
}
