// Package jobrunner defines the contract of the external elastic compute
// queue. The orchestration core only ever talks to it through submit,
// describe and terminate; how the work gets executed is the worker fleet's
// business.
package jobrunner

import (
	"context"

	"geoProcessor/api/models"
)

// State is the external job state vocabulary reported by the compute layer.
type State string

const (
	StateSubmitted State = "submitted"
	StatePending   State = "pending"
	StateRunnable  State = "runnable"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// WorkUnit is the descriptor handed to the compute queue. OutputPrefix tells
// the worker where in the result store to write.
type WorkUnit struct {
	JobID        string            `json:"job_id"`
	TaskID       string            `json:"task_id"`
	TaskType     string            `json:"task_type"`
	Parameters   models.Parameters `json:"parameters"`
	OutputPrefix string            `json:"output_prefix"`
}

// JobDetail is the last observed external state of a job.
type JobDetail struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type Client interface {
	// Submit enqueues a work unit and returns the external job id.
	Submit(ctx context.Context, unit *WorkUnit) (string, error)

	// Describe reports the job's current external state. A job the worker
	// fleet has not picked up yet is reported as submitted, never as an
	// error, so reconciliation lag cannot fail a task.
	Describe(ctx context.Context, jobID string) (*JobDetail, error)

	// Terminate requests cancellation of in-flight work. Best effort: a
	// worker checks the flag between processing stages.
	Terminate(ctx context.Context, jobID, reason string) error

	Close() error
}
