// Package rediscache implements the store's best-effort cache tier on
// Redis. Entities are stored as JSON under typed key prefixes; worker
// liveness is tracked with a short-TTL heartbeat key.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zjrosen/cascade/internal/state"
	"github.com/zjrosen/cascade/internal/workflow"
)

// HeartbeatTTL bounds how long a worker's liveness key survives
// without a refresh.
const HeartbeatTTL = 30 * time.Second

// DefaultEntityTTL keeps cached entities from outliving their
// usefulness after a coordinator crash.
const DefaultEntityTTL = time.Hour

// Cache is the Redis-backed cache tier.
type Cache struct {
	client    *redis.Client
	entityTTL time.Duration
}

var _ state.Cache = (*Cache)(nil)

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Cache{client: client, entityTTL: DefaultEntityTTL}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client, entityTTL: DefaultEntityTTL}
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func workflowKey(id workflow.WorkflowID) string {
	return "workflow:" + string(id)
}

func jobKey(id string) string {
	return "job:" + id
}

func heartbeatKey(workerID string) string {
	return "worker:heartbeat:" + workerID
}

func (c *Cache) SetWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	return c.setJSON(ctx, workflowKey(wf.ID), wf)
}

func (c *Cache) GetWorkflow(ctx context.Context, id workflow.WorkflowID) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := c.getJSON(ctx, workflowKey(id), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (c *Cache) DeleteWorkflow(ctx context.Context, id workflow.WorkflowID) error {
	return c.client.Del(ctx, workflowKey(id)).Err()
}

func (c *Cache) SetJob(ctx context.Context, job *workflow.Job) error {
	return c.setJSON(ctx, jobKey(job.ID), job)
}

func (c *Cache) GetJob(ctx context.Context, id string) (*workflow.Job, error) {
	var job workflow.Job
	if err := c.getJSON(ctx, jobKey(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Cache) DeleteJob(ctx context.Context, id string) error {
	return c.client.Del(ctx, jobKey(id)).Err()
}

// TouchWorkerHeartbeat refreshes the worker's liveness key. The value
// is the refresh time; readers only care about key existence.
func (c *Cache) TouchWorkerHeartbeat(ctx context.Context, workerID string) error {
	return c.client.Set(ctx, heartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339), HeartbeatTTL).Err()
}

// WorkerAlive reports whether the worker's heartbeat key is still live.
func (c *Cache) WorkerAlive(ctx context.Context, workerID string) (bool, error) {
	n, err := c.client.Exists(ctx, heartbeatKey(workerID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Cache) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.client.Set(ctx, key, data, c.entityTTL).Err()
}

func (c *Cache) getJSON(ctx context.Context, key string, v any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return state.ErrCacheMiss
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
