package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/deliverkit/bundler/internal/generate"
	"github.com/deliverkit/bundler/internal/queue"
	"github.com/deliverkit/bundler/internal/store"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	gen              *generate.Generator
	artifacts        store.ArtifactStore
	generationWindow time.Duration
	log              zerolog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(gen *generate.Generator, artifacts store.ArtifactStore, generationWindow time.Duration, log zerolog.Logger) *Processor {
	return &Processor{
		gen:              gen,
		artifacts:        artifacts,
		generationWindow: generationWindow,
		log:              log,
	}
}

// Handler registers the bundle task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerateBundle, p.handleGenerate)
	mux.HandleFunc(queue.TypeSweepStale, p.handleSweep)
	return mux
}

func (p *Processor) handleGenerate(ctx context.Context, task *asynq.Task) error {
	var payload queue.GeneratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := p.gen.Run(ctx, payload.ArtifactID, payload.ScopeLabel, payload.Items); err != nil {
		// The failure is already persisted on the record; retrying would
		// pull a terminal artifact back into generating.
		return fmt.Errorf("generate %s: %v: %w", payload.ArtifactID, err, asynq.SkipRetry)
	}
	return nil
}

// handleSweep marks abandoned in-flight records failed so a later request
// with the same fingerprint can claim again, and purges records past TTL.
func (p *Processor) handleSweep(ctx context.Context, _ *asynq.Task) error {
	now := time.Now().UTC()
	stale, err := p.artifacts.MarkStaleFailed(ctx, now.Add(-p.generationWindow))
	if err != nil {
		return fmt.Errorf("sweep stale: %w", err)
	}
	purged, err := p.artifacts.DeleteExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("purge expired: %w", err)
	}
	if stale > 0 || purged > 0 {
		p.log.Info().Int64("stale_failed", stale).Int64("purged", purged).Msg("artifact sweep")
	}
	return nil
}
