package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/zjrosen/cascade/internal/workflow"
)

// Executor runs one job and produces its result payload.
type Executor interface {
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f(ctx, params)
}

// SimulatedExecutors builds demo executors for every job type. Delays
// scale with unit so tests can run them instantly; roll decides
// simulated failures (nil uses the global source).
func SimulatedExecutors(unit time.Duration, roll func() float64) map[workflow.JobType]Executor {
	if roll == nil {
		roll = rand.Float64
	}
	return map[workflow.JobType]Executor{
		workflow.JobTypeValidation:  &validationExecutor{delay: unit, roll: roll},
		workflow.JobTypeProcessing:  &processingExecutor{unit: unit},
		workflow.JobTypeIntegration: &integrationExecutor{delay: 2 * unit, roll: roll},
		workflow.JobTypeCleanup:     &cleanupExecutor{delay: unit},
	}
}

// validationExecutor checks input against a schema. Fails 20% of the
// time to exercise retry handling.
type validationExecutor struct {
	delay time.Duration
	roll  func() float64
}

func (e *validationExecutor) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	schema := stringParam(params, "schema", "default")

	if err := simulateWork(ctx, e.delay); err != nil {
		return nil, err
	}
	if e.roll() <= 0.2 {
		return nil, errors.New("validation failed")
	}
	return map[string]any{
		"schema":    schema,
		"valid":     true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// processingExecutor performs a long-running transform. Duration comes
// from the job parameters, in units.
type processingExecutor struct {
	unit time.Duration
}

func (e *processingExecutor) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	operation := stringParam(params, "operation", "transform")
	duration := intParam(params, "duration", 5)

	if err := simulateWork(ctx, time.Duration(duration)*e.unit); err != nil {
		return nil, err
	}
	return map[string]any{
		"operation":       operation,
		"processed_items": 100,
		"duration":        duration,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// integrationExecutor calls an external endpoint. Fails 40% of the
// time to exercise failure paths.
type integrationExecutor struct {
	delay time.Duration
	roll  func() float64
}

func (e *integrationExecutor) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	endpoint := stringParam(params, "endpoint", "external-api")
	recipient := stringParam(params, "recipient", "")

	if err := simulateWork(ctx, e.delay); err != nil {
		return nil, err
	}
	if e.roll() <= 0.4 {
		return nil, errors.New("integration call failed")
	}
	return map[string]any{
		"endpoint":  endpoint,
		"recipient": recipient,
		"status":    "sent",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// cleanupExecutor removes intermediate artifacts. Never fails.
type cleanupExecutor struct {
	delay time.Duration
}

func (e *cleanupExecutor) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	target := stringParam(params, "target", "temp-files")

	if err := simulateWork(ctx, e.delay); err != nil {
		return nil, err
	}
	return map[string]any{
		"target":    target,
		"cleaned":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func simulateWork(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
