package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"geoProcessor/api/models"
	"geoProcessor/worker/jobstate"
	"geoProcessor/worker/kafka"
	"geoProcessor/worker/raster"
	"geoProcessor/worker/repository"
	"geoProcessor/worker/storage"
)

var errTerminated = errors.New("terminated")

// Progress milestones reported while a work unit runs. The reconciler owns
// the jump to 100 on completion.
const (
	progressLoaded   = 10
	progressPrepared = 40
	progressComputed = 90
	progressUploaded = 95
)

var indexBands = map[models.IndexName][]string{
	models.IndexNDVI: {"red", "nir"},
	models.IndexSAVI: {"red", "nir"},
	models.IndexEVI:  {"blue", "red", "nir"},
	models.IndexVGI:  {"green", "red"},
}

// StateStore publishes external job state and exposes the cancel flag.
type StateStore interface {
	SetState(ctx context.Context, jobID, state, reason string) error
	Cancelled(ctx context.Context, jobID string) (bool, error)
}

// ResultWriter persists output rasters and the closing manifest.
type ResultWriter interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	PutManifest(ctx context.Context, key string, m *storage.Manifest) error
}

// BandLoader fetches reflectance and QA bands as grids.
type BandLoader interface {
	LoadBand(ctx context.Context, url string, extent [4]float64) (*raster.Grid, error)
	LoadQABand(ctx context.Context, url string, extent [4]float64) (*raster.Grid, error)
}

type Processor struct {
	repo     repository.Repository
	states   StateStore
	uploader ResultWriter
	loader   BandLoader
	logger   *zap.Logger
}

func NewProcessor(
	repo repository.Repository,
	states StateStore,
	uploader ResultWriter,
	loader BandLoader,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		repo:     repo,
		states:   states,
		uploader: uploader,
		loader:   loader,
		logger:   logger,
	}
}

// Process runs one work unit end to end and publishes the outcome as the
// job state the orchestration side polls.
func (p *Processor) Process(ctx context.Context, unit *kafka.WorkUnit) error {
	logger := p.logger.With(
		zap.String("job_id", unit.JobID),
		zap.String("task_id", unit.TaskID),
		zap.String("task_type", unit.TaskType),
	)
	logger.Info("Work unit started")

	if err := p.states.SetState(ctx, unit.JobID, jobstate.StateStarting, ""); err != nil {
		logger.Error("Publishing job state failed", zap.Error(err))
		return err
	}
	if err := p.checkCancel(ctx, unit.JobID); err != nil {
		return p.finishFailed(ctx, unit, logger, err)
	}

	if err := p.states.SetState(ctx, unit.JobID, jobstate.StateRunning, ""); err != nil {
		logger.Error("Publishing job state failed", zap.Error(err))
		return err
	}

	var err error
	switch models.TaskType(unit.TaskType) {
	case models.TaskTypeIndices:
		err = p.processIndices(ctx, unit)
	case models.TaskTypeComposite:
		err = p.processComposite(ctx, unit)
	default:
		err = fmt.Errorf("unknown task type %q", unit.TaskType)
	}
	if err != nil {
		return p.finishFailed(ctx, unit, logger, err)
	}

	if err := p.states.SetState(ctx, unit.JobID, jobstate.StateSucceeded, ""); err != nil {
		logger.Error("Publishing job state failed", zap.Error(err))
		return err
	}
	logger.Info("Work unit succeeded")
	return nil
}

func (p *Processor) processIndices(ctx context.Context, unit *kafka.WorkUnit) error {
	params := unit.Parameters.Indices
	if params == nil {
		return errors.New("work unit carries no indices parameters")
	}

	bound := params.AOI.Geometry().Bound()
	extent := raster.ExtentOrDefault(params.Extent, bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1])

	bands, err := p.loadBands(ctx, neededBands(params.Indices), params.BandURLs, extent)
	if err != nil {
		return err
	}
	p.progress(ctx, unit.TaskID, progressLoaded)
	if err := p.checkCancel(ctx, unit.JobID); err != nil {
		return err
	}

	if params.ApplyCloudMask {
		if bands, err = p.maskBands(ctx, bands, params.QABandURL, params.Satellite, extent); err != nil {
			return err
		}
	}
	if bands, err = clipBands(bands, params.AOI); err != nil {
		return err
	}
	p.progress(ctx, unit.TaskID, progressPrepared)

	saviL := models.DefaultSAVIL
	if params.SAVIL != nil {
		saviL = *params.SAVIL
	}

	for i, index := range params.Indices {
		if err := p.checkCancel(ctx, unit.JobID); err != nil {
			return err
		}

		grid, err := raster.Compute(index, bands, saviL)
		if err != nil {
			return fmt.Errorf("computing %s: %w", index, err)
		}
		if err := p.uploadRaster(ctx, unit.OutputPrefix, string(index), grid); err != nil {
			return err
		}

		step := progressPrepared + (i+1)*(progressComputed-progressPrepared)/len(params.Indices)
		p.progress(ctx, unit.TaskID, step)
	}

	p.progress(ctx, unit.TaskID, progressUploaded)
	return nil
}

func (p *Processor) processComposite(ctx context.Context, unit *kafka.WorkUnit) error {
	params := unit.Parameters.Composite
	if params == nil {
		return errors.New("work unit carries no composite parameters")
	}

	bound := params.AOI.Geometry().Bound()
	extent := raster.ExtentOrDefault(params.Extent, bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1])
	needed := neededBands([]models.IndexName{params.Index})

	// A scene that cannot be loaded, or whose AOI window is entirely
	// masked out, contributes nothing to its period. The task fails only
	// when no scene at all is usable.
	scenes := make([]raster.TimedGrid, 0, len(params.Images))
	var ref *raster.Grid
	for i, img := range params.Images {
		if err := p.checkCancel(ctx, unit.JobID); err != nil {
			return err
		}

		grid, err := p.compositeScene(ctx, params, img, needed, extent, ref)
		if err != nil {
			p.logger.Warn("Skipping unusable scene",
				zap.String("task_id", unit.TaskID),
				zap.Int("scene", i),
				zap.Error(err))
			continue
		}
		if ref == nil {
			ref = grid
		}
		scenes = append(scenes, raster.TimedGrid{Grid: grid, AcquiredAt: img.AcquiredAt})

		step := progressLoaded + (i+1)*(progressPrepared-progressLoaded)/len(params.Images)
		p.progress(ctx, unit.TaskID, step)
	}
	if len(scenes) == 0 {
		return fmt.Errorf("compositing: no usable scenes: %w", raster.ErrEmptyResult)
	}

	composites, err := raster.MonthlyComposite(scenes)
	if err != nil {
		return fmt.Errorf("compositing: %w", err)
	}
	p.progress(ctx, unit.TaskID, progressComputed)

	manifest := storage.Manifest{}
	for _, c := range composites {
		if err := p.checkCancel(ctx, unit.JobID); err != nil {
			return err
		}
		name := "composite_" + c.Period
		if err := p.uploadRaster(ctx, unit.OutputPrefix, name, c.Grid); err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, storage.ManifestFile{
			Name:       name + ".tif",
			IndexLabel: string(params.Index),
		})
	}

	// The manifest goes last: its presence tells the reconciler the output
	// set is complete.
	if err := p.uploader.PutManifest(ctx, unit.OutputPrefix+"manifest.json", &manifest); err != nil {
		return err
	}
	p.progress(ctx, unit.TaskID, progressUploaded)
	return nil
}

// compositeScene turns one acquisition into an index grid over the AOI,
// aligned to ref when ref is non-nil.
func (p *Processor) compositeScene(
	ctx context.Context,
	params *models.CompositeParameters,
	img models.CompositeImage,
	needed []string,
	extent [4]float64,
	ref *raster.Grid,
) (*raster.Grid, error) {
	bands, err := p.loadBands(ctx, needed, img.BandURLs, extent)
	if err != nil {
		return nil, err
	}
	if params.ApplyCloudMask {
		if bands, err = p.maskBands(ctx, bands, img.QABandURL, params.Satellite, extent); err != nil {
			return nil, err
		}
	}
	if bands, err = clipBands(bands, params.AOI); err != nil {
		return nil, err
	}

	grid, err := raster.Compute(params.Index, bands, models.DefaultSAVIL)
	if err != nil {
		return nil, fmt.Errorf("computing %s: %w", params.Index, err)
	}
	if ref != nil {
		if grid, err = raster.Align(grid, ref); err != nil {
			return nil, err
		}
	}
	return grid, nil
}

func (p *Processor) loadBands(ctx context.Context, needed []string, urls map[string]string, extent [4]float64) (raster.BandSet, error) {
	bands := make(raster.BandSet, len(needed))
	var ref *raster.Grid
	for _, name := range needed {
		url, ok := urls[name]
		if !ok {
			return nil, fmt.Errorf("band %s missing from work unit", name)
		}
		g, err := p.loader.LoadBand(ctx, url, extent)
		if err != nil {
			return nil, fmt.Errorf("loading band %s: %w", name, err)
		}
		if ref == nil {
			ref = g
		} else if g, err = raster.Align(g, ref); err != nil {
			return nil, fmt.Errorf("aligning band %s: %w", name, err)
		}
		bands[name] = g
	}
	return bands, nil
}

func (p *Processor) maskBands(ctx context.Context, bands raster.BandSet, qaURL, satellite string, extent [4]float64) (raster.BandSet, error) {
	qa, err := p.loader.LoadQABand(ctx, qaURL, extent)
	if err != nil {
		return nil, fmt.Errorf("loading qa band: %w", err)
	}

	masked := make(raster.BandSet, len(bands))
	for name, g := range bands {
		aligned, err := raster.Align(qa, g)
		if err != nil {
			return nil, fmt.Errorf("aligning qa band: %w", err)
		}
		if masked[name], err = raster.ApplyCloudMask(g, aligned, satellite); err != nil {
			return nil, fmt.Errorf("masking band %s: %w", name, err)
		}
	}
	return masked, nil
}

func clipBands(bands raster.BandSet, aoi *geojson.Geometry) (raster.BandSet, error) {
	clipped := make(raster.BandSet, len(bands))
	for name, g := range bands {
		out, err := raster.ClipToAOI(g, aoi)
		if err != nil {
			return nil, fmt.Errorf("clipping band %s: %w", name, err)
		}
		clipped[name] = out
	}
	return clipped, nil
}

func (p *Processor) uploadRaster(ctx context.Context, prefix, name string, grid *raster.Grid) error {
	encoded, err := raster.Encode(grid)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := p.uploader.Put(ctx, prefix+name+".tif", "image/tiff", encoded.TIFF); err != nil {
		return err
	}
	return p.uploader.Put(ctx, prefix+name+".json", "application/json", encoded.Meta)
}

func (p *Processor) checkCancel(ctx context.Context, jobID string) error {
	cancelled, err := p.states.Cancelled(ctx, jobID)
	if err != nil {
		return err
	}
	if cancelled {
		return errTerminated
	}
	return nil
}

func (p *Processor) finishFailed(ctx context.Context, unit *kafka.WorkUnit, logger *zap.Logger, cause error) error {
	reason := cause.Error()
	if len(reason) > 500 {
		reason = reason[:500]
	}
	if err := p.states.SetState(ctx, unit.JobID, jobstate.StateFailed, reason); err != nil {
		logger.Error("Publishing job state failed", zap.Error(err))
	}
	logger.Warn("Work unit failed", zap.Error(cause))
	return cause
}

func (p *Processor) progress(ctx context.Context, taskID string, progress int) {
	if err := p.repo.UpdateTaskProgress(ctx, taskID, progress); err != nil {
		p.logger.Warn("Progress update failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func neededBands(indices []models.IndexName) []string {
	seen := make(map[string]bool)
	var names []string
	for _, idx := range indices {
		for _, b := range indexBands[idx] {
			if !seen[b] {
				seen[b] = true
				names = append(names, b)
			}
		}
	}
	return names
}
