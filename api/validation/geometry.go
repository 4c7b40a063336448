package validation

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"geoProcessor/api/models"
)

// indexBands maps each vegetation index to the bands its formula consumes.
var indexBands = map[models.IndexName][]string{
	models.IndexNDVI: {"red", "nir"},
	models.IndexSAVI: {"red", "nir"},
	models.IndexEVI:  {"red", "nir", "blue"},
	models.IndexVGI:  {"green", "red"},
}

// GeometryGuard validates AOI geometry and band references before a task is
// created. The UI validates geometry too; the guard re-validates defensively.
type GeometryGuard struct {
	maxAreaKm2 float64
}

func NewGeometryGuard(maxAreaKm2 float64) *GeometryGuard {
	return &GeometryGuard{maxAreaKm2: maxAreaKm2}
}

// ValidateAOI parses and validates a GeoJSON AOI. It accepts a well-formed,
// non-self-intersecting Polygon or MultiPolygon in WGS84 whose geodetic area
// is below the configured ceiling.
func (g *GeometryGuard) ValidateAOI(raw json.RawMessage) (*geojson.Geometry, error) {
	if len(raw) == 0 {
		return nil, geometryErr("aoi is required")
	}

	geom, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, geometryErr("invalid GeoJSON: %v", err)
	}

	switch gm := geom.Geometry().(type) {
	case orb.Polygon:
		if err := validatePolygon(gm); err != nil {
			return nil, err
		}
	case orb.MultiPolygon:
		if len(gm) == 0 {
			return nil, geometryErr("MultiPolygon has no polygons")
		}
		for _, poly := range gm {
			if err := validatePolygon(poly); err != nil {
				return nil, err
			}
		}
	default:
		return nil, geometryErr("aoi must be a Polygon or MultiPolygon, got %s", geom.Type)
	}

	areaKm2 := geo.Area(geom.Geometry()) / 1e6
	if areaKm2 > g.maxAreaKm2 {
		return nil, geometryErr("AOI area %.2f km2 exceeds maximum of %.0f km2", areaKm2, g.maxAreaKm2)
	}

	return geom, nil
}

// ValidateIndices checks that the requested indices are known and that every
// band each formula needs has a URL. With cloud masking on, a QA band is
// required as well.
func (g *GeometryGuard) ValidateIndices(indices []models.IndexName, bandURLs map[string]string, applyCloudMask bool, qaBandURL string) error {
	if len(indices) == 0 {
		return parametersErr("at least one index is required")
	}

	missing := map[string]bool{}
	for _, idx := range indices {
		required, ok := indexBands[idx]
		if !ok {
			return parametersErr("unknown index %q", idx)
		}
		for _, band := range required {
			if bandURLs[band] == "" {
				missing[band] = true
			}
		}
	}
	if len(missing) > 0 {
		bands := make([]string, 0, len(missing))
		for _, b := range []string{"blue", "green", "red", "nir"} {
			if missing[b] {
				bands = append(bands, b)
			}
		}
		return &ValidationError{
			Kind:         KindBands,
			Detail:       "required bands are missing for the requested indices",
			MissingBands: bands,
		}
	}

	if applyCloudMask && qaBandURL == "" {
		return &ValidationError{
			Kind:         KindBands,
			Detail:       "cloud masking requires the scene QA band",
			MissingBands: []string{"qa"},
		}
	}

	return nil
}

// ValidateComposite checks a composite request: a single known index, a
// supported composite mode and at least one input image with the required
// bands.
func (g *GeometryGuard) ValidateComposite(index models.IndexName, mode string, images []models.CompositeImage, applyCloudMask bool) error {
	if mode != "" && mode != "monthly" {
		return parametersErr("unsupported composite_mode %q (only monthly is supported)", mode)
	}
	if len(images) == 0 {
		return parametersErr("at least one input image is required")
	}

	for i, img := range images {
		if img.AcquiredAt.IsZero() {
			return parametersErr("image %d has no acquisition timestamp", i)
		}
		if err := g.ValidateIndices([]models.IndexName{index}, img.BandURLs, applyCloudMask, img.QABandURL); err != nil {
			return err
		}
	}
	return nil
}

func validatePolygon(poly orb.Polygon) error {
	if len(poly) == 0 {
		return geometryErr("polygon has no rings")
	}
	for _, ring := range poly {
		if len(ring) < 4 {
			return geometryErr("ring has %d points, need at least 4", len(ring))
		}
		if !ring.Closed() {
			return geometryErr("ring is not closed")
		}
		for _, pt := range ring {
			if pt.Lon() < -180 || pt.Lon() > 180 || pt.Lat() < -90 || pt.Lat() > 90 {
				return geometryErr("coordinate (%.4f, %.4f) outside WGS84 range", pt.Lon(), pt.Lat())
			}
		}
		if planar.Area(ring) == 0 {
			return geometryErr("ring has zero area")
		}
		if ringSelfIntersects(ring) {
			return geometryErr("ring is self-intersecting")
		}
	}
	return nil
}

// ringSelfIntersects checks every non-adjacent segment pair of a closed ring.
// orb has no validity predicate, so this is done directly.
func ringSelfIntersects(ring orb.Ring) bool {
	n := len(ring) - 1 // last point repeats the first
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// Skip adjacent segments (they share an endpoint), including
			// the first/last pair which wrap around.
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(ring[i], ring[i+1], ring[j], ring[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return min(a[0], b[0]) <= p[0] && p[0] <= max(a[0], b[0]) &&
		min(a[1], b[1]) <= p[1] && p[1] <= max(a[1], b[1])
}
