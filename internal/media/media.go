// Package media exposes the read-only collaborator that owns the catalog of
// source files. The bundle pipeline only ever reads from it.
package media

import (
	"context"

	"github.com/deliverkit/bundler/internal/model"
)

// Source lists the media belonging to a scope. Implementations must be
// side-effect free from the pipeline's point of view.
type Source interface {
	// ListMedia returns the scope's items filtered by selector. An empty
	// result is valid; the orchestrator decides how to react.
	ListMedia(ctx context.Context, scopeID string, sel model.Selector) ([]model.MediaItem, error)

	// ScopeLabel returns descriptive metadata (address, organisation name)
	// used to derive the bundle's display filename. Empty when unknown.
	ScopeLabel(ctx context.Context, scopeID string) (string, error)
}
