package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"background-fetch-service/internal/models"
)

const (
	backendRedis    = "redis"
	DefaultRedisKey = "bgfetch:records"
)

// RedisStore keeps one JSON-encoded record per hash field.
type RedisStore struct {
	Client redis.Cmdable
	Key    string
}

func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{Client: client, Key: key}
}

func (s *RedisStore) Load(ctx context.Context) ([]models.TaskRunRecord, error) {
	fields, err := s.Client.HGetAll(ctx, s.Key).Result()
	if err != nil {
		return nil, &StorageError{Backend: backendRedis, Op: "load", Err: err}
	}
	out := make([]models.TaskRunRecord, 0, len(fields))
	for field, raw := range fields {
		var r models.TaskRunRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, &StorageError{Backend: backendRedis, Op: "load", Err: fmt.Errorf("decode field %s: %w", field, err)}
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *RedisStore) Save(ctx context.Context, records []models.TaskRunRecord) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(records)*2)
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return &StorageError{Backend: backendRedis, Op: "save", Err: err}
		}
		values = append(values, models.TaskKey(r.TaskID), string(data))
	}
	if err := s.Client.HSet(ctx, s.Key, values...).Err(); err != nil {
		return &StorageError{Backend: backendRedis, Op: "save", Err: err}
	}
	return nil
}
