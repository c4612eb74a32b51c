// Package generate runs one artifact's bundle generation to a terminal
// state. It is always invoked detached from the request that triggered it,
// so every failure ends up in the persisted record instead of a response.
package generate

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/deliverkit/bundler/internal/archive"
	"github.com/deliverkit/bundler/internal/fetch"
	"github.com/deliverkit/bundler/internal/model"
	"github.com/deliverkit/bundler/internal/store"
)

// ErrStorageNotConfigured means no durable storage backend was selected.
// Generation fails hard rather than silently serving from ephemeral disk.
var ErrStorageNotConfigured = errors.New("durable storage not configured")

// ObjectStore is the pluggable durable-storage capability. The S3 and local
// implementations both satisfy it; a nil store means unconfigured.
type ObjectStore interface {
	Configured() bool
	Upload(ctx context.Context, localPath, filename string) (key, publicURL string, err error)
}

// Generator owns the PENDING -> GENERATING -> {READY, FAILED} transition.
type Generator struct {
	artifacts store.ArtifactStore
	fetcher   *fetch.Fetcher
	objects   ObjectStore
	tmpDir    string
	log       zerolog.Logger
}

// New constructs a Generator. tmpDir falls back to the system temp dir.
func New(artifacts store.ArtifactStore, fetcher *fetch.Fetcher, objects ObjectStore, tmpDir string, log zerolog.Logger) *Generator {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Generator{
		artifacts: artifacts,
		fetcher:   fetcher,
		objects:   objects,
		tmpDir:    tmpDir,
		log:       log,
	}
}

// Run generates the bundle for one claimed artifact. The returned error is
// the terminal failure already persisted on the record; callers must not
// surface it to an unrelated request.
func (g *Generator) Run(ctx context.Context, artifactID, scopeLabel string, items []model.MediaItem) error {
	log := g.log.With().Str("artifact_id", artifactID).Logger()
	fail := func(err error) error {
		log.Warn().Err(err).Msg("bundle generation failed")
		markErr := g.artifacts.MarkFailed(ctx, artifactID, err.Error())
		if markErr != nil && !errors.Is(markErr, store.ErrTerminal) {
			log.Error().Err(markErr).Msg("persist failure state")
		}
		return err
	}

	if err := g.artifacts.MarkGenerating(ctx, artifactID); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			// The sweeper settled this record before work started; any
			// retry now belongs to a newer claim on the same triple.
			log.Warn().Msg("record already terminal, skipping generation")
			return nil
		}
		return fail(fmt.Errorf("mark generating: %w", err))
	}

	files, err := g.fetcher.FetchAll(ctx, items)
	if err != nil {
		return fail(err)
	}

	path, size, err := archive.Build(g.tmpDir, artifactID, files)
	if err != nil {
		return fail(err)
	}
	// The temp archive is released on every exit path from here on:
	// upload failure, status-update failure, or success.
	defer func() {
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("remove temp archive")
		}
	}()

	if g.objects == nil || !g.objects.Configured() {
		return fail(ErrStorageNotConfigured)
	}
	filename := bundleFileName(scopeLabel, artifactID)
	key, publicURL, err := g.objects.Upload(ctx, path, filename)
	if err != nil {
		return fail(fmt.Errorf("upload bundle: %w", err))
	}

	if err := g.artifacts.MarkReady(ctx, artifactID, key, publicURL, filename, size); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			// Swept mid-generation. The record's FAILED outcome stands;
			// the uploaded object is orphaned and ages out with the bucket.
			log.Warn().Msg("record settled during generation, discarding result")
			return nil
		}
		return fail(fmt.Errorf("mark ready: %w", err))
	}
	log.Info().Int("files", len(files)).Int64("size_bytes", size).Msg("bundle ready")
	return nil
}

// bundleFileName derives the display name from the scope's descriptive
// metadata, sanitized for filesystem safety.
func bundleFileName(scopeLabel, artifactID string) string {
	base := fetch.SanitizeName(scopeLabel)
	if base == "" {
		base = "bundle-" + artifactID
	}
	return base + "-media.zip"
}
