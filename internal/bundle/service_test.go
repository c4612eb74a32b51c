package bundle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverkit/bundler/internal/fetch"
	"github.com/deliverkit/bundler/internal/fingerprint"
	"github.com/deliverkit/bundler/internal/model"
	"github.com/deliverkit/bundler/internal/queue"
	"github.com/deliverkit/bundler/internal/store"
)

type fakeSource struct {
	items      map[string][]model.MediaItem
	label      string
	labelCalls int
}

func (f *fakeSource) ListMedia(_ context.Context, scopeID string, sel model.Selector) ([]model.MediaItem, error) {
	var out []model.MediaItem
	for _, item := range f.items[scopeID] {
		if item.Kind.Matches(sel) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeSource) ScopeLabel(context.Context, string) (string, error) {
	f.labelCalls++
	return f.label, nil
}

type recordingEnqueuer struct {
	payloads []queue.GeneratePayload
	err      error
}

func (r *recordingEnqueuer) EnqueueGenerate(_ context.Context, p queue.GeneratePayload) error {
	if r.err != nil {
		return r.err
	}
	r.payloads = append(r.payloads, p)
	return nil
}

type staticGetter struct{}

func (staticGetter) Get(_ context.Context, url string) ([]byte, error) {
	return []byte("data:" + url), nil
}

func scopeItems(n int) []model.MediaItem {
	out := make([]model.MediaItem, 0, n)
	for i := 0; i < n; i++ {
		kind := model.MediaPhoto
		if i%2 == 1 {
			kind = model.MediaVideo
		}
		out = append(out, model.MediaItem{
			ID:        fmt.Sprintf("m%d", i),
			ScopeID:   "scope-1",
			RemoteURL: fmt.Sprintf("http://cdn/m%d", i),
			FileName:  fmt.Sprintf("file-%d", i),
			Kind:      kind,
		})
	}
	return out
}

func newService(source *fakeSource, tasks *recordingEnqueuer) (*Service, *store.MemoryStore) {
	artifacts := store.NewMemoryStore()
	fetcher := fetch.New(staticGetter{}, 5, time.Second, zerolog.Nop())
	windows := Windows{Freshness: time.Hour, Generation: 10 * time.Minute, TTL: 24 * time.Hour}
	return New(artifacts, source, tasks, fetcher, windows, zerolog.Nop()), artifacts
}

func TestRequestArtifactNoMedia(t *testing.T) {
	tasks := &recordingEnqueuer{}
	svc, artifacts := newService(&fakeSource{items: map[string][]model.MediaItem{}}, tasks)

	_, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	assert.ErrorIs(t, err, ErrNoMediaAvailable)
	assert.Empty(t, tasks.payloads)

	// No record may exist for a selection that failed fast.
	n, err := artifacts.DeleteExpired(context.Background(), time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequestArtifactCreatesPendingAndEnqueues(t *testing.T) {
	tasks := &recordingEnqueuer{}
	source := &fakeSource{items: map[string][]model.MediaItem{"scope-1": scopeItems(3)}, label: "Oak Ave 42"}
	svc, _ := newService(source, tasks)

	res, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, res.Status)
	assert.NotEmpty(t, res.ArtifactID)

	require.Len(t, tasks.payloads, 1)
	p := tasks.payloads[0]
	assert.Equal(t, res.ArtifactID, p.ArtifactID)
	assert.Equal(t, "scope-1", p.ScopeID)
	assert.Equal(t, "Oak Ave 42", p.ScopeLabel)
	assert.Len(t, p.Items, 3)
}

func TestRequestArtifactDedupsInFlight(t *testing.T) {
	tasks := &recordingEnqueuer{}
	source := &fakeSource{items: map[string][]model.MediaItem{"scope-1": scopeItems(3)}}
	svc, _ := newService(source, tasks)

	first, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	second, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)

	assert.Equal(t, first.ArtifactID, second.ArtifactID)
	assert.Equal(t, model.StatusPending, second.Status)
	assert.Len(t, tasks.payloads, 1, "in-flight dedup must not enqueue twice")
}

func TestRequestArtifactCacheHit(t *testing.T) {
	tasks := &recordingEnqueuer{}
	source := &fakeSource{items: map[string][]model.MediaItem{"scope-1": scopeItems(3)}}
	svc, artifacts := newService(source, tasks)

	first, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	require.NoError(t, artifacts.MarkGenerating(context.Background(), first.ArtifactID))
	require.NoError(t, artifacts.MarkReady(context.Background(), first.ArtifactID,
		"bundles/k", "http://storage/bundle.zip", "bundle.zip", 123))

	second, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	assert.Equal(t, first.ArtifactID, second.ArtifactID)
	assert.Equal(t, model.StatusReady, second.Status)
	assert.Equal(t, "http://storage/bundle.zip", second.PublicURL)
	assert.Len(t, tasks.payloads, 1, "cache hit must not trigger new work")
}

func TestRequestArtifactSelectorsAreIndependent(t *testing.T) {
	tasks := &recordingEnqueuer{}
	source := &fakeSource{items: map[string][]model.MediaItem{"scope-1": scopeItems(4)}}
	svc, _ := newService(source, tasks)

	all, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	photos, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorPhotos)
	require.NoError(t, err)

	assert.NotEqual(t, all.ArtifactID, photos.ArtifactID)
	require.Len(t, tasks.payloads, 2)
	assert.Len(t, tasks.payloads[1].Items, 2, "photos selector must filter videos out")
}

func TestRequestArtifactChangedSelectionRegenerates(t *testing.T) {
	tasks := &recordingEnqueuer{}
	source := &fakeSource{items: map[string][]model.MediaItem{"scope-1": scopeItems(3)}}
	svc, artifacts := newService(source, tasks)

	first, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	require.NoError(t, artifacts.MarkGenerating(context.Background(), first.ArtifactID))
	require.NoError(t, artifacts.MarkReady(context.Background(), first.ArtifactID, "k", "u", "f", 1))

	// A new item changes the fingerprint, so the ready artifact no longer
	// matches and a fresh generation starts.
	source.items["scope-1"] = scopeItems(4)
	second, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	assert.NotEqual(t, first.ArtifactID, second.ArtifactID)
	assert.Equal(t, model.StatusPending, second.Status)
	assert.Len(t, tasks.payloads, 2)
}

func TestRequestArtifactDedupSkipsLabelLookup(t *testing.T) {
	tasks := &recordingEnqueuer{}
	source := &fakeSource{items: map[string][]model.MediaItem{"scope-1": scopeItems(3)}, label: "Oak Ave 42"}
	svc, _ := newService(source, tasks)

	_, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	require.Equal(t, 1, source.labelCalls)

	// Dedup losers report the winner's state without another catalog query.
	_, err = svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	assert.Equal(t, 1, source.labelCalls)
}

func TestClaimConflictFailsOnlyOwnTriple(t *testing.T) {
	tasks := &recordingEnqueuer{}
	source := &fakeSource{items: map[string][]model.MediaItem{
		"scope-1": scopeItems(3),
		"scope-2": scopeItems(2),
	}}
	artifacts := store.NewMemoryStore()
	fetcher := fetch.New(staticGetter{}, 5, time.Second, zerolog.Nop())
	// Zero generation window: every in-flight record is immediately stale,
	// so the second request hits the claim-conflict path.
	windows := Windows{Freshness: time.Hour, Generation: 0, TTL: 24 * time.Hour}
	svc := New(artifacts, source, tasks, fetcher, windows, zerolog.Nop())

	stale, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	other, err := svc.RequestArtifact(context.Background(), "scope-2", model.SelectorAll)
	require.NoError(t, err)

	fresh, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	assert.NotEqual(t, stale.ArtifactID, fresh.ArtifactID)

	got, err := artifacts.Get(context.Background(), "scope-1", stale.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)

	// The conflict cleanup is scoped: the other tenant's equally stale
	// record stays untouched.
	got, err = artifacts.Get(context.Background(), "scope-2", other.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestRequestArtifactEnqueueFailureFailsRecord(t *testing.T) {
	tasks := &recordingEnqueuer{err: errors.New("redis down")}
	source := &fakeSource{items: map[string][]model.MediaItem{"scope-1": scopeItems(2)}}
	svc, artifacts := newService(source, tasks)

	_, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.Error(t, err)

	// The claimed record must not be left pending forever.
	inflight, err := artifacts.FindInFlight(context.Background(), "scope-1", model.SelectorAll,
		fingerprintOf(scopeItems(2)), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, inflight)
}

func TestStatusNotFound(t *testing.T) {
	tasks := &recordingEnqueuer{}
	source := &fakeSource{items: map[string][]model.MediaItem{"scope-1": scopeItems(2)}}
	svc, _ := newService(source, tasks)

	res, err := svc.RequestArtifact(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)

	_, err = svc.Status(context.Background(), "scope-2", res.ArtifactID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Status(context.Background(), "scope-1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := svc.Status(context.Background(), "scope-1", res.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestDirectStream(t *testing.T) {
	tasks := &recordingEnqueuer{}
	source := &fakeSource{items: map[string][]model.MediaItem{"scope-1": scopeItems(3)}, label: "Oak Ave 42"}
	svc, _ := newService(source, tasks)

	name, files, err := svc.Direct(context.Background(), "scope-1", model.SelectorAll)
	require.NoError(t, err)
	assert.Equal(t, "Oak_Ave_42-media.zip", name)
	assert.Len(t, files, 3)
	assert.Empty(t, tasks.payloads, "direct path must not touch the queue")

	_, _, err = svc.Direct(context.Background(), "scope-9", model.SelectorAll)
	assert.ErrorIs(t, err, ErrNoMediaAvailable)
}

func fingerprintOf(items []model.MediaItem) string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return fingerprint.Compute(ids)
}
