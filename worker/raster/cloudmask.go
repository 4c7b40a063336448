package raster

import (
	"math"

	"geoProcessor/api/models"
)

// Sentinel-2 scene classification classes treated as unusable. Vegetation
// (4), bare ground (5), water (6) and unclassified (7) pass through;
// everything cloudy, defective or snow-covered is masked.
var sentinelBadClasses = map[int]bool{
	0:  true, // no data
	1:  true, // saturated or defective
	3:  true, // cloud shadow
	8:  true, // cloud medium probability
	9:  true, // cloud high probability
	10: true, // thin cirrus
	11: true, // snow or ice
}

// Landsat QA_PIXEL bits treated as unusable.
const (
	landsatDilatedBit = 1 << 1
	landsatCloudBit   = 1 << 3
	landsatShadowBit  = 1 << 4
	landsatSnowBit    = 1 << 5
)

// ApplyCloudMask sets cells flagged by the QA band to nodata. The QA band
// must share the data band's shape; its values are raw class or bitfield
// codes, not reflectances.
func ApplyCloudMask(data, qa *Grid, satellite string) (*Grid, error) {
	if data == nil || qa == nil {
		return nil, ErrShapeMismatch
	}
	if !data.SameShape(qa) {
		return nil, shapeErr(data, qa)
	}

	out := LikeGrid(data)
	copy(out.Values, data.Values)
	for i, q := range qa.Values {
		if math.IsNaN(q) {
			out.Values[i] = math.NaN()
			continue
		}
		if cellMasked(int(q), satellite) {
			out.Values[i] = math.NaN()
		}
	}
	return out, nil
}

func cellMasked(code int, satellite string) bool {
	if satellite == models.SatelliteLandsat8 {
		return code&(landsatDilatedBit|landsatCloudBit|landsatShadowBit|landsatSnowBit) != 0
	}
	return sentinelBadClasses[code]
}
