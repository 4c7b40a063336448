// Package jobstate publishes worker-side job progress into the redis keys
// the orchestration side polls. It is the worker half of the job queue
// contract: job:state:<id> carries the current state, job:cancel:<id> is the
// termination flag the other side raises.
package jobstate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix  = "job:state:"
	cancelKeyPrefix = "job:cancel:"
	stateTTL        = 24 * time.Hour
)

const (
	StateStarting  = "starting"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

type Store struct {
	client *redis.Client
}

func NewStore(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Store{client: client}, nil
}

type stateRecord struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// SetState records the job's current state. Reason is only meaningful for
// failed.
func (s *Store) SetState(ctx context.Context, jobID, state, reason string) error {
	data, err := json.Marshal(stateRecord{State: state, Reason: reason})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, stateKeyPrefix+jobID, data, stateTTL).Err()
}

// Cancelled reports whether termination has been requested for the job.
func (s *Store) Cancelled(ctx context.Context, jobID string) (bool, error) {
	_, err := s.client.Get(ctx, cancelKeyPrefix+jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
