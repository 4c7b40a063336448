package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"geoProcessor/api/database"
)

// Key layout shared with the worker fleet: workers write job:state:<id> as
// they progress and honor job:cancel:<id>.
const (
	stateKeyPrefix  = "job:state:"
	cancelKeyPrefix = "job:cancel:"
	cancelTTL       = 24 * time.Hour
)

// KafkaRunner submits work units to the processing topic and observes job
// state through the shared redis keys the workers maintain.
type KafkaRunner struct {
	producer sarama.SyncProducer
	states   *database.Cache
	topic    string
}

func NewKafkaRunner(brokers []string, topic string, states *database.Cache) (*KafkaRunner, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}

	return &KafkaRunner{producer: p, states: states, topic: topic}, nil
}

func (r *KafkaRunner) Submit(ctx context.Context, unit *WorkUnit) (string, error) {
	jobID := strings.ReplaceAll(uuid.New().String(), "-", "")
	unit.JobID = jobID

	data, err := json.Marshal(unit)
	if err != nil {
		return "", fmt.Errorf("marshal work unit: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(jobID),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := r.producer.SendMessage(msg); err != nil {
		return "", fmt.Errorf("send work unit: %w", err)
	}

	return jobID, nil
}

func (r *KafkaRunner) Describe(ctx context.Context, jobID string) (*JobDetail, error) {
	data, err := r.states.Get(ctx, stateKeyPrefix+jobID)
	if err != nil {
		if database.IsNil(err) {
			// Accepted by the queue, not picked up yet.
			return &JobDetail{State: StateSubmitted}, nil
		}
		return nil, fmt.Errorf("read job state: %w", err)
	}

	var detail JobDetail
	if err := json.Unmarshal([]byte(data), &detail); err != nil {
		return nil, fmt.Errorf("decode job state for %s: %w", jobID, err)
	}
	return &detail, nil
}

func (r *KafkaRunner) Terminate(ctx context.Context, jobID, reason string) error {
	return r.states.Set(ctx, cancelKeyPrefix+jobID, reason, cancelTTL)
}

func (r *KafkaRunner) Close() error {
	return r.producer.Close()
}
