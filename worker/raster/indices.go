package raster

import (
	"fmt"
	"math"

	"geoProcessor/api/models"
)

// BandSet holds the already-loaded input bands keyed by band name. Grids in
// one set share shape and georeference.
type BandSet map[string]*Grid

// Compute dispatches to the index formula. saviL is only consulted for SAVI.
func Compute(index models.IndexName, bands BandSet, saviL float64) (*Grid, error) {
	switch index {
	case models.IndexNDVI:
		return NDVI(bands["nir"], bands["red"])
	case models.IndexSAVI:
		return SAVI(bands["nir"], bands["red"], saviL)
	case models.IndexEVI:
		return EVI(bands["nir"], bands["red"], bands["blue"])
	case models.IndexVGI:
		return VGI(bands["green"], bands["red"])
	}
	return nil, fmt.Errorf("unknown index %q", index)
}

// NDVI is (NIR - Red) / (NIR + Red).
func NDVI(nir, red *Grid) (*Grid, error) {
	return cellwise(nir, red, func(n, r float64) float64 {
		denom := n + r
		if denom == 0 {
			return math.NaN()
		}
		return (n - r) / denom
	})
}

// SAVI is (1 + L) * (NIR - Red) / (NIR + Red + L). L dampens soil
// brightness; 0.5 suits intermediate vegetation cover.
func SAVI(nir, red *Grid, l float64) (*Grid, error) {
	return cellwise(nir, red, func(n, r float64) float64 {
		denom := n + r + l
		if denom == 0 {
			return math.NaN()
		}
		return (1 + l) * (n - r) / denom
	})
}

// EVI is 2.5 * (NIR - Red) / (NIR + 6*Red - 7.5*Blue + 1).
func EVI(nir, red, blue *Grid) (*Grid, error) {
	if nir == nil || red == nil || blue == nil {
		return nil, fmt.Errorf("missing input band")
	}
	if !nir.SameShape(red) {
		return nil, shapeErr(nir, red)
	}
	if !nir.SameShape(blue) {
		return nil, shapeErr(nir, blue)
	}

	out := LikeGrid(nir)
	for i, n := range nir.Values {
		r, b := red.Values[i], blue.Values[i]
		if math.IsNaN(n) || math.IsNaN(r) || math.IsNaN(b) {
			continue
		}
		denom := n + 6*r - 7.5*b + 1
		if denom == 0 {
			continue
		}
		out.Values[i] = 2.5 * (n - r) / denom
	}
	return out, nil
}

// VGI is Green / Red.
func VGI(green, red *Grid) (*Grid, error) {
	return cellwise(green, red, func(g, r float64) float64 {
		if r == 0 {
			return math.NaN()
		}
		return g / r
	})
}

func cellwise(a, b *Grid, f func(av, bv float64) float64) (*Grid, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("missing input band")
	}
	if !a.SameShape(b) {
		return nil, shapeErr(a, b)
	}

	out := LikeGrid(a)
	for i, av := range a.Values {
		bv := b.Values[i]
		if math.IsNaN(av) || math.IsNaN(bv) {
			continue
		}
		out.Values[i] = f(av, bv)
	}
	return out, nil
}
