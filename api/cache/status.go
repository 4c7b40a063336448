package cache

import (
	"context"
	"encoding/json"
	"time"

	"geoProcessor/api/database"
	"geoProcessor/api/models"
)

const (
	statusKeyPrefix = "task:status:"
	statusTTL       = 10 * time.Minute
)

// Entry is the cached view of a task's polling state. Progress travels with
// the status so a cache hit answers the poll completely.
type Entry struct {
	Status   models.TaskStatus `json:"status"`
	Progress int               `json:"progress"`
}

// StatusCache is the read cache consulted by the status polling endpoint
// before hitting the repository.
type StatusCache interface {
	Get(ctx context.Context, taskID string) (Entry, error)
	Set(ctx context.Context, taskID string, entry Entry) error
	Delete(ctx context.Context, taskID string) error
}

type RedisStatusCache struct {
	cache *database.Cache
}

func NewRedisStatusCache(cache *database.Cache) *RedisStatusCache {
	return &RedisStatusCache{cache: cache}
}

func (sc *RedisStatusCache) Get(ctx context.Context, taskID string) (Entry, error) {
	data, err := sc.cache.Get(ctx, statusKeyPrefix+taskID)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (sc *RedisStatusCache) Set(ctx context.Context, taskID string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return sc.cache.Set(ctx, statusKeyPrefix+taskID, string(data), statusTTL)
}

func (sc *RedisStatusCache) Delete(ctx context.Context, taskID string) error {
	return sc.cache.Del(ctx, statusKeyPrefix+taskID)
}
