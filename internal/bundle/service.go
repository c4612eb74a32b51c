// Package bundle is the request-facing orchestrator: cache lookup, in-flight
// dedup, claim-and-enqueue, and the status-poll contract.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deliverkit/bundler/internal/fetch"
	"github.com/deliverkit/bundler/internal/fingerprint"
	"github.com/deliverkit/bundler/internal/media"
	"github.com/deliverkit/bundler/internal/model"
	"github.com/deliverkit/bundler/internal/queue"
	"github.com/deliverkit/bundler/internal/store"
)

// ErrNoMediaAvailable means the selection resolved to zero items. This is
// the only failure RequestArtifact itself reports; everything later in the
// pipeline surfaces through the status poll.
var ErrNoMediaAvailable = errors.New("no media available for selection")

// Windows carries the reuse tunables.
type Windows struct {
	// Freshness is how long a ready artifact is reused as-is.
	Freshness time.Duration
	// Generation is how long an in-flight artifact is reported instead of
	// re-triggering work.
	Generation time.Duration
	// TTL bounds the record's total lifetime.
	TTL time.Duration
}

// Service coordinates the artifact store, media source, and task queue.
type Service struct {
	artifacts store.ArtifactStore
	source    media.Source
	tasks     queue.Enqueuer
	fetcher   *fetch.Fetcher
	windows   Windows
	log       zerolog.Logger
}

// New constructs the orchestrator. The fetcher is used only by the
// uncached direct-stream path.
func New(artifacts store.ArtifactStore, source media.Source, tasks queue.Enqueuer, fetcher *fetch.Fetcher, windows Windows, log zerolog.Logger) *Service {
	return &Service{
		artifacts: artifacts,
		source:    source,
		tasks:     tasks,
		fetcher:   fetcher,
		windows:   windows,
		log:       log,
	}
}

// Result is what both entry points hand back to the caller.
type Result struct {
	ArtifactID string               `json:"artifactId"`
	Status     model.ArtifactStatus `json:"status"`
	PublicURL  string               `json:"publicUrl,omitempty"`
	FileName   string               `json:"fileName,omitempty"`
	Error      string               `json:"error,omitempty"`
}

func resultOf(a *model.Artifact) *Result {
	r := &Result{ArtifactID: a.ID, Status: a.Status}
	if a.PublicURL != nil {
		r.PublicURL = *a.PublicURL
	}
	if a.FileName != nil {
		r.FileName = *a.FileName
	}
	if a.ErrorMessage != nil {
		r.Error = *a.ErrorMessage
	}
	return r
}

// RequestArtifact resolves the selection, reuses a fresh ready artifact or
// an in-flight one, and otherwise claims a new record and enqueues the
// generation task. It returns as soon as that decision is made; the caller
// polls Status until a terminal state.
func (s *Service) RequestArtifact(ctx context.Context, scopeID string, sel model.Selector) (*Result, error) {
	items, err := s.source.ListMedia(ctx, scopeID, sel)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNoMediaAvailable
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	fp := fingerprint.Compute(ids)
	now := time.Now().UTC()

	if a, err := s.artifacts.FindReady(ctx, scopeID, sel, fp, now.Add(-s.windows.Freshness)); err != nil {
		return nil, err
	} else if a != nil {
		s.log.Debug().Str("artifact_id", a.ID).Msg("bundle cache hit")
		return resultOf(a), nil
	}
	if a, err := s.artifacts.FindInFlight(ctx, scopeID, sel, fp, now.Add(-s.windows.Generation)); err != nil {
		return nil, err
	} else if a != nil {
		return resultOf(a), nil
	}

	a, claimed, err := s.claim(ctx, scopeID, sel, fp, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost the claim race; report the winner's state.
		return resultOf(a), nil
	}
	// Only the claim winner pays for the label lookup.
	label, err := s.source.ScopeLabel(ctx, scopeID)
	if err != nil {
		s.log.Warn().Err(err).Str("scope_id", scopeID).Msg("scope label unavailable")
	}
	payload := queue.GeneratePayload{
		ArtifactID: a.ID,
		ScopeID:    scopeID,
		ScopeLabel: label,
		Items:      items,
	}
	if err := s.tasks.EnqueueGenerate(ctx, payload); err != nil {
		// Without a task the record would sit pending until the sweep; fail
		// it now so the caller sees the truth on the first poll.
		if markErr := s.artifacts.MarkFailed(ctx, a.ID, "enqueue generation: "+err.Error()); markErr != nil {
			s.log.Error().Err(markErr).Str("artifact_id", a.ID).Msg("persist enqueue failure")
		}
		return nil, fmt.Errorf("enqueue generation: %w", err)
	}
	s.log.Info().Str("artifact_id", a.ID).Str("scope_id", scopeID).
		Int("items", len(items)).Msg("bundle generation enqueued")
	return resultOf(a), nil
}

// claim inserts the pending record, resolving conflicts against concurrent
// requesters and against stale in-flight rows the sweeper has not reached
// yet.
func (s *Service) claim(ctx context.Context, scopeID string, sel model.Selector, fp string, now time.Time) (*model.Artifact, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		a := &model.Artifact{
			ID:          uuid.NewString(),
			ScopeID:     scopeID,
			Selector:    sel,
			Fingerprint: fp,
			ExpiresAt:   now.Add(s.windows.TTL),
		}
		claimed, err := s.artifacts.Claim(ctx, a)
		if err != nil {
			return nil, false, err
		}
		if claimed {
			return a, true, nil
		}
		// Someone holds the in-flight slot. If they are within the
		// generation window, report them; otherwise fail the stale rows the
		// same way the sweep would and try once more.
		inflight, err := s.artifacts.FindInFlight(ctx, scopeID, sel, fp, now.Add(-s.windows.Generation))
		if err != nil {
			return nil, false, err
		}
		if inflight != nil {
			return inflight, false, nil
		}
		if _, err := s.artifacts.MarkStaleFailedFor(ctx, scopeID, sel, fp, now.Add(-s.windows.Generation)); err != nil {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("claim artifact for scope %s: conflict persisted", scopeID)
}

// Status answers the poll contract. ErrNotFound covers both unknown ids and
// scope mismatches.
func (s *Service) Status(ctx context.Context, scopeID, artifactID string) (*Result, error) {
	a, err := s.artifacts.Get(ctx, scopeID, artifactID)
	if err != nil {
		return nil, err
	}
	return resultOf(a), nil
}

// Direct resolves and fetches the selection for the uncached stream path.
// No record is created and nothing is deduplicated; the caller streams the
// files straight into its response.
func (s *Service) Direct(ctx context.Context, scopeID string, sel model.Selector) (string, []fetch.File, error) {
	items, err := s.source.ListMedia(ctx, scopeID, sel)
	if err != nil {
		return "", nil, fmt.Errorf("list media: %w", err)
	}
	if len(items) == 0 {
		return "", nil, ErrNoMediaAvailable
	}
	files, err := s.fetcher.FetchAll(ctx, items)
	if err != nil {
		return "", nil, err
	}
	label, err := s.source.ScopeLabel(ctx, scopeID)
	if err != nil || label == "" {
		label = scopeID
	}
	name := fetch.SanitizeName(label)
	if name == "" {
		name = "bundle"
	}
	return name + "-media.zip", files, nil
}
