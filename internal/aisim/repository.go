package aisim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrJobNotFound = errors.New("job not found")

const jobTTL = 24 * time.Hour

// Repository stores job state between the HTTP handlers and the worker
type Repository interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
}

// RedisRepository keeps jobs under aijob:{id} for a day
type RedisRepository struct {
	redis *redis.Client
}

func NewRedisRepository(redisClient *redis.Client) *RedisRepository {
	return &RedisRepository{redis: redisClient}
}

func jobKey(jobID string) string {
	return fmt.Sprintf("aijob:%s", jobID)
}

func (r *RedisRepository) Save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.redis.Set(ctx, jobKey(job.ID), data, jobTTL).Err()
}

func (r *RedisRepository) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := r.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
