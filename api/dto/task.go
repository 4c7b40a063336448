package dto

import (
	"encoding/json"
	"errors"
	"time"

	"geoProcessor/api/models"
)

var ErrTaskNotFound = errors.New("task not found")

// SubmitTaskRequest is the JSON body of POST /api/process/tasks. Fields
// beyond task_type and aoi depend on the task type.
type SubmitTaskRequest struct {
	TaskType       string            `json:"task_type"`
	AOI            json.RawMessage   `json:"aoi"`
	BandURLs       map[string]string `json:"band_urls,omitempty"`
	Images         []SubmitImage     `json:"images,omitempty"`
	Indices        []string          `json:"indices,omitempty"`
	Index          string            `json:"index,omitempty"`
	CompositeMode  string            `json:"composite_mode,omitempty"`
	ApplyCloudMask bool              `json:"apply_cloud_mask,omitempty"`
	QABandURL      string            `json:"qa_band_url,omitempty"`
	Satellite      string            `json:"satellite,omitempty"`
	SAVIL          *float64          `json:"savi_l,omitempty"`
	Extent         *[4]float64       `json:"extent,omitempty"`
}

// SubmitImage is one input scene of a composite request.
type SubmitImage struct {
	BandURLs   map[string]string `json:"band_urls"`
	QABandURL  string            `json:"qa_band_url,omitempty"`
	AcquiredAt time.Time         `json:"acquired_at"`
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskResponse is the full task view returned by get, list and cancel.
type TaskResponse struct {
	TaskID            string            `json:"task_id"`
	TaskType          string            `json:"task_type"`
	Status            string            `json:"status"`
	Progress          int               `json:"progress"`
	ExternalJobID     string            `json:"external_job_id,omitempty"`
	ExternalJobStatus string            `json:"external_job_status,omitempty"`
	Parameters        models.Parameters `json:"parameters"`
	Result            *models.Result    `json:"result,omitempty"`
	Error             string            `json:"error,omitempty"`
	RetryCount        int               `json:"retry_count"`
	MaxRetries        int               `json:"max_retries"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
	StartedAt         *string           `json:"started_at,omitempty"`
	CompletedAt       *string           `json:"completed_at,omitempty"`
	ExpiresAt         string            `json:"expires_at"`
}

type TaskStatusResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

type TaskListResponse struct {
	Tasks  []*TaskResponse `json:"tasks"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// ListQuery carries the parsed query parameters of GET /api/process/tasks.
type ListQuery struct {
	Status string
	Owner  string
	Limit  int
	Offset int
}

type ErrorResponse struct {
	Error        string   `json:"error"`
	Kind         string   `json:"kind,omitempty"`
	MissingBands []string `json:"missing_bands,omitempty"`
	TraceID      string   `json:"trace_id,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05Z"

// FromTask converts a task record to its API view.
func FromTask(t *models.Task) *TaskResponse {
	resp := &TaskResponse{
		TaskID:            t.ID,
		TaskType:          string(t.Type),
		Status:            string(t.Status),
		Progress:          t.Progress,
		ExternalJobID:     t.ExternalJobID,
		ExternalJobStatus: t.ExternalJobStatus,
		Parameters:        t.Parameters,
		Result:            t.Result,
		Error:             t.ErrorMessage,
		RetryCount:        t.RetryCount,
		MaxRetries:        t.MaxRetries,
		CreatedAt:         t.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:         t.UpdatedAt.UTC().Format(timeLayout),
		ExpiresAt:         t.ExpiresAt.UTC().Format(timeLayout),
	}
	if t.StartedAt != nil {
		s := t.StartedAt.UTC().Format(timeLayout)
		resp.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := t.CompletedAt.UTC().Format(timeLayout)
		resp.CompletedAt = &s
	}
	return resp
}
