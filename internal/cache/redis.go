package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reflowline/internal/domain"
)

const defaultNamespace = "reflowline"

// Redis is a PreviewCache shared between API replicas.
type Redis struct {
	client    *redis.Client
	namespace string
}

// NewRedis connects to redisURL (redis://host:port/db) and verifies the connection.
func NewRedis(ctx context.Context, redisURL, namespace string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Redis{client: client, namespace: namespace}, nil
}

func (r *Redis) key(runID string) string {
	return r.namespace + ":preview:" + runID
}

func (r *Redis) Put(ctx context.Context, run domain.ReflowRun, ttl time.Duration) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal preview: %w", err)
	}
	return r.client.Set(ctx, r.key(run.ID), data, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, runID string) (domain.ReflowRun, error) {
	data, err := r.client.Get(ctx, r.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ReflowRun{}, ErrMiss
	}
	if err != nil {
		return domain.ReflowRun{}, err
	}
	var run domain.ReflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return domain.ReflowRun{}, fmt.Errorf("decode preview %s: %w", runID, err)
	}
	return run, nil
}

func (r *Redis) Delete(ctx context.Context, runID string) error {
	return r.client.Del(ctx, r.key(runID)).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
