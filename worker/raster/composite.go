package raster

import (
	"math"
	"sort"
	"time"
)

// TimedGrid is one input scene's index grid with its acquisition time.
type TimedGrid struct {
	Grid       *Grid
	AcquiredAt time.Time
}

// Composite is one temporal aggregation result.
type Composite struct {
	Period string // "2006-01" style month key
	Grid   *Grid
}

// MonthlyComposite groups scenes by calendar month (UTC) and averages each
// cell over the scenes of that month, ignoring nodata. Months whose mean
// holds no valid pixel at all are dropped, so the result can be shorter
// than the covered month range. Results sort ascending by period.
func MonthlyComposite(scenes []TimedGrid) ([]Composite, error) {
	if len(scenes) == 0 {
		return nil, ErrEmptyResult
	}

	ref := scenes[0].Grid
	for _, s := range scenes[1:] {
		if !ref.SameShape(s.Grid) {
			return nil, shapeErr(ref, s.Grid)
		}
	}

	byMonth := make(map[string][]*Grid)
	for _, s := range scenes {
		key := s.AcquiredAt.UTC().Format("2006-01")
		byMonth[key] = append(byMonth[key], s.Grid)
	}

	composites := make([]Composite, 0, len(byMonth))
	for period, grids := range byMonth {
		mean := meanGrid(grids)
		if mean.AllNodata() {
			continue
		}
		composites = append(composites, Composite{Period: period, Grid: mean})
	}
	if len(composites) == 0 {
		return nil, ErrEmptyResult
	}

	sort.Slice(composites, func(i, j int) bool {
		return composites[i].Period < composites[j].Period
	})
	return composites, nil
}

// meanGrid averages cell by cell, skipping nodata. A cell with no valid
// observation in any input stays nodata.
func meanGrid(grids []*Grid) *Grid {
	out := LikeGrid(grids[0])
	for i := range out.Values {
		sum, n := 0.0, 0
		for _, g := range grids {
			v := g.Values[i]
			if math.IsNaN(v) {
				continue
			}
			sum += v
			n++
		}
		if n > 0 {
			out.Values[i] = sum / float64(n)
		}
	}
	return out
}
