// Package store persists artifact records. It is the single coordination
// point between concurrent requesters: the conditional insert in Claim is
// what prevents two callers from generating the same bundle twice.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/deliverkit/bundler/internal/model"
)

// ErrNotFound is returned when an artifact does not exist or does not belong
// to the requesting scope.
var ErrNotFound = errors.New("artifact not found")

// ErrTerminal is returned when a status update targets a record already in
// READY or FAILED. Terminal states are final; a generation task that raced
// the sweeper must stand down instead of resurrecting the record.
var ErrTerminal = errors.New("artifact already in a terminal state")

// ArtifactStore is implemented by the Postgres store and the in-memory store.
type ArtifactStore interface {
	// Claim atomically inserts a pending artifact unless another in-flight
	// record already exists for the same (scope, selector, fingerprint).
	// It reports whether the insert won.
	Claim(ctx context.Context, a *model.Artifact) (bool, error)

	// Get returns the artifact only if it belongs to scopeID.
	Get(ctx context.Context, scopeID, artifactID string) (*model.Artifact, error)

	// FindReady returns a ready artifact for the triple created after the
	// cutoff, or nil when there is nothing to reuse.
	FindReady(ctx context.Context, scopeID string, sel model.Selector, fingerprint string, createdAfter time.Time) (*model.Artifact, error)

	// FindInFlight returns a pending/generating artifact for the triple
	// created after the cutoff, or nil.
	FindInFlight(ctx context.Context, scopeID string, sel model.Selector, fingerprint string, createdAfter time.Time) (*model.Artifact, error)

	// Mark* only touch in-flight records; updating a READY or FAILED record
	// returns ErrTerminal and leaves it untouched.
	MarkGenerating(ctx context.Context, artifactID string) error
	MarkReady(ctx context.Context, artifactID, storageKey, publicURL, fileName string, sizeBytes int64) error
	MarkFailed(ctx context.Context, artifactID, message string) error

	// MarkStaleFailed fails every in-flight record created before the cutoff
	// so abandoned generations become retryable. Returns the count.
	MarkStaleFailed(ctx context.Context, createdBefore time.Time) (int64, error)

	// MarkStaleFailedFor is the triple-scoped variant used on claim
	// conflicts, so a request never mutates records outside its own
	// (scope, selector, fingerprint).
	MarkStaleFailedFor(ctx context.Context, scopeID string, sel model.Selector, fingerprint string, createdBefore time.Time) (int64, error)

	// DeleteExpired purges records past their TTL. Returns the count.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
