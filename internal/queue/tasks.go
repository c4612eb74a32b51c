package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/deliverkit/bundler/internal/model"
)

const (
	// TypeGenerateBundle is scheduled each time an artifact claim wins.
	TypeGenerateBundle = "bundle:generate"
	// TypeSweepStale reconciles in-flight records older than the generation
	// window, for example after a worker crash.
	TypeSweepStale = "bundle:sweep"
)

// GeneratePayload carries everything the worker needs. The media list is
// resolved at request time and embedded so the generated bundle always
// matches the fingerprint that was claimed, even if the catalog changes
// before the worker picks the task up.
type GeneratePayload struct {
	ArtifactID string            `json:"artifact_id"`
	ScopeID    string            `json:"scope_id"`
	ScopeLabel string            `json:"scope_label"`
	Items      []model.MediaItem `json:"items"`
}

// Enqueuer is what the orchestrator depends on; tests substitute a recorder.
type Enqueuer interface {
	EnqueueGenerate(ctx context.Context, payload GeneratePayload) error
}

// Client wraps an asynq client for bundle tasks.
type Client struct {
	inner *asynq.Client
}

// NewClient constructs a Client.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

// EnqueueGenerate submits one generation task. The artifact id doubles as
// the asynq task id, so a duplicate submission for the same artifact is
// rejected at the queue instead of generating twice.
func (c *Client) EnqueueGenerate(ctx context.Context, payload GeneratePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(TypeGenerateBundle, data)
	_, err = c.inner.EnqueueContext(ctx, task, asynq.TaskID(payload.ArtifactID), asynq.MaxRetry(3))
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue generate task: %w", err)
	}
	return nil
}

// NewSweepTask builds the periodic reconciliation task registered with the
// scheduler.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweepStale, nil)
}
