package raster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// EncodedRaster is one output artifact pair: the 16-bit TIFF pixels plus a
// JSON sidecar with the georeference and the scaling needed to recover
// physical values (value = pixel*Scale + Offset, pixel 0 is nodata).
type EncodedRaster struct {
	TIFF   []byte
	Meta   []byte
	Scale  float64
	Offset float64
}

type rasterMeta struct {
	Width  int        `json:"width"`
	Height int        `json:"height"`
	EPSG   int        `json:"epsg"`
	Extent [4]float64 `json:"extent"`
	Scale  float64    `json:"scale"`
	Offset float64    `json:"offset"`
	Nodata int        `json:"nodata"`
	CellW  float64    `json:"cell_width"`
	CellH  float64    `json:"cell_height"`
}

// Encode packs a grid into a deflate-compressed grayscale TIFF. Valid
// values map linearly onto 1..65535; pixel 0 is reserved for nodata.
func Encode(g *Grid) (*EncodedRaster, error) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range g.Values {
		if !valid16(v) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo > hi {
		return nil, ErrEmptyResult
	}

	scale := (hi - lo) / 65534
	if scale == 0 {
		scale = 1
	}
	// Pixel 1 maps to lo, so the published offset backs off one scale step
	// to keep value = pixel*scale + offset.
	offset := lo - scale

	img := image.NewGray16(image.Rect(0, 0, g.Width, g.Height))
	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			v := g.At(col, row)
			if !valid16(v) {
				continue
			}
			pixel := uint16(math.Round((v-lo)/scale)) + 1
			i := img.PixOffset(col, row)
			img.Pix[i] = byte(pixel >> 8)
			img.Pix[i+1] = byte(pixel)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.TIFF); err != nil {
		return nil, fmt.Errorf("encode tiff: %w", err)
	}

	minX, minY, maxX, maxY := g.Bounds()
	meta, err := json.Marshal(rasterMeta{
		Width:  g.Width,
		Height: g.Height,
		EPSG:   g.EPSG,
		Extent: [4]float64{minX, minY, maxX, maxY},
		Scale:  scale,
		Offset: offset,
		Nodata: 0,
		CellW:  g.CellW,
		CellH:  g.CellH,
	})
	if err != nil {
		return nil, err
	}

	return &EncodedRaster{TIFF: buf.Bytes(), Meta: meta, Scale: scale, Offset: offset}, nil
}
