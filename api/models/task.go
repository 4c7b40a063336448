package models

import (
	"time"

	"github.com/paulmach/orb/geojson"
)

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

type TaskType string

const (
	TaskTypeIndices   TaskType = "indices"
	TaskTypeComposite TaskType = "composite"
)

// IndexName identifies a vegetation index.
type IndexName string

const (
	IndexNDVI IndexName = "NDVI"
	IndexSAVI IndexName = "SAVI"
	IndexEVI  IndexName = "EVI"
	IndexVGI  IndexName = "VGI"
)

const (
	SatelliteSentinel2 = "sentinel-2"
	SatelliteLandsat8  = "landsat-8"
)

// DefaultSAVIL is the soil adjustment factor used when a request does not
// override it.
const DefaultSAVIL = 0.5

// Task is a processing task tracked from submission to a terminal state.
// It is owned by the task repository: everything after Create goes through
// the repository's conditional update.
type Task struct {
	ID                string
	Type              TaskType
	Owner             string
	Status            TaskStatus
	Progress          int
	ExternalJobID     string
	ExternalJobStatus string
	Parameters        Parameters
	Result            *Result
	ErrorMessage      string
	RetryCount        int
	MaxRetries        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ExpiresAt         time.Time
}

// Parameters is a tagged union keyed by the task type: exactly one of the
// variant pointers is set. It is validated once at the API boundary and
// never re-parsed downstream.
type Parameters struct {
	Indices   *IndicesParameters   `json:"indices,omitempty"`
	Composite *CompositeParameters `json:"composite,omitempty"`
}

// IndicesParameters describes a vegetation-index calculation over a single
// scene.
type IndicesParameters struct {
	AOI            *geojson.Geometry `json:"aoi"`
	BandURLs       map[string]string `json:"band_urls"`
	Indices        []IndexName       `json:"indices"`
	ApplyCloudMask bool              `json:"apply_cloud_mask"`
	QABandURL      string            `json:"qa_band_url,omitempty"`
	Satellite      string            `json:"satellite,omitempty"`
	SAVIL          *float64          `json:"savi_l,omitempty"`
	// Extent is the [west, south, east, north] footprint of the input
	// rasters. When absent the rasters are assumed to cover the AOI
	// bounding box exactly.
	Extent *[4]float64 `json:"extent,omitempty"`
}

// CompositeParameters describes a temporal composite over a stack of scenes.
type CompositeParameters struct {
	AOI            *geojson.Geometry `json:"aoi"`
	Images         []CompositeImage  `json:"images"`
	Index          IndexName         `json:"index"`
	CompositeMode  string            `json:"composite_mode"`
	ApplyCloudMask bool              `json:"apply_cloud_mask"`
	Satellite      string            `json:"satellite,omitempty"`
	Extent         *[4]float64       `json:"extent,omitempty"`
}

// CompositeImage is one input scene of a composite request.
type CompositeImage struct {
	BandURLs   map[string]string `json:"band_urls"`
	QABandURL  string            `json:"qa_band_url,omitempty"`
	AcquiredAt time.Time         `json:"acquired_at"`
}

// OutputFile is one produced raster, addressable in the result store and
// downloadable through a time-limited URL.
type OutputFile struct {
	Name        string `json:"name"`
	StorageKey  string `json:"storage_key"`
	DownloadURL string `json:"download_url"`
	SizeBytes   int64  `json:"size_bytes"`
	IndexLabel  string `json:"index_label"`
}

// Result is present iff the task completed.
type Result struct {
	OutputFiles []OutputFile `json:"output_files"`
}

// OutputPrefix is the result-store key prefix for this task's outputs.
func (t *Task) OutputPrefix() string {
	return "tasks/" + t.ID + "/"
}
