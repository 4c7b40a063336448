package raster

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// Loader fetches band files and decodes them into grids. Band files are
// single-band 16-bit rasters; raw pixel value 0 is nodata, everything else
// divides by Scale into reflectance.
type Loader struct {
	client *http.Client

	// Scale converts stored digital numbers into reflectance.
	Scale float64
}

func NewLoader(timeout time.Duration, scale float64) *Loader {
	return &Loader{
		client: &http.Client{Timeout: timeout},
		Scale:  scale,
	}
}

// LoadBand fetches and decodes one band, georeferenced onto the given
// extent (minX, minY, maxX, maxY in EPSG:4326).
func (l *Loader) LoadBand(ctx context.Context, url string, extent [4]float64) (*Grid, error) {
	path, cleanup, err := l.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}

	bounds := img.Bounds()
	g := NewGrid(bounds.Dx(), bounds.Dy())
	g.OriginX = extent[0]
	g.OriginY = extent[3]
	g.CellW = (extent[2] - extent[0]) / float64(g.Width)
	g.CellH = (extent[3] - extent[1]) / float64(g.Height)
	g.EPSG = 4326

	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			r, _, _, _ := img.At(bounds.Min.X+col, bounds.Min.Y+row).RGBA()
			if r == 0 {
				continue
			}
			g.Set(col, row, float64(r)/l.Scale)
		}
	}
	return g, nil
}

// LoadQABand decodes a quality band without the reflectance scaling: the
// raw codes are what the mask logic consumes, and 0 is a valid class there.
func (l *Loader) LoadQABand(ctx context.Context, url string, extent [4]float64) (*Grid, error) {
	path, cleanup, err := l.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}

	bounds := img.Bounds()
	g := NewGrid(bounds.Dx(), bounds.Dy())
	g.OriginX = extent[0]
	g.OriginY = extent[3]
	g.CellW = (extent[2] - extent[0]) / float64(g.Width)
	g.CellH = (extent[3] - extent[1]) / float64(g.Height)
	g.EPSG = 4326

	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			r, _, _, _ := img.At(bounds.Min.X+col, bounds.Min.Y+row).RGBA()
			g.Set(col, row, float64(r))
		}
	}
	return g, nil
}

// fetch resolves a band URL to a local file path. http(s) URLs download to
// a temp file, anything else is treated as a filesystem path.
func (l *Loader) fetch(ctx context.Context, url string) (string, func(), error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		path := strings.TrimPrefix(url, "file://")
		if _, err := os.Stat(path); err != nil {
			return "", nil, fmt.Errorf("band file %s: %w", path, err)
		}
		return path, func() {}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "band-*.tif")
	if err != nil {
		return "", nil, err
	}
	if _, err := tmp.ReadFrom(resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("download %s: %w", url, err)
	}
	tmp.Close()

	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// ExtentOrDefault picks the raster extent: the caller-supplied one when
// present, otherwise the AOI's bounding box.
func ExtentOrDefault(extent *[4]float64, minX, minY, maxX, maxY float64) [4]float64 {
	if extent != nil {
		return *extent
	}
	return [4]float64{minX, minY, maxX, maxY}
}

// valid16 guards the encoder's value range.
func valid16(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
