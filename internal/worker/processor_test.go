package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverkit/bundler/internal/fetch"
	"github.com/deliverkit/bundler/internal/generate"
	"github.com/deliverkit/bundler/internal/model"
	"github.com/deliverkit/bundler/internal/queue"
	"github.com/deliverkit/bundler/internal/store"
)

type stubGetter struct{ err error }

func (g *stubGetter) Get(context.Context, string) ([]byte, error) {
	if g.err != nil {
		return nil, g.err
	}
	return []byte("bytes"), nil
}

type stubObjects struct{}

func (stubObjects) Configured() bool { return true }
func (stubObjects) Upload(context.Context, string, string) (string, string, error) {
	return "key", "http://storage/bundle.zip", nil
}

func newProcessor(t *testing.T, s store.ArtifactStore, getter fetch.Getter) *Processor {
	t.Helper()
	fetcher := fetch.New(getter, 2, time.Second, zerolog.Nop())
	gen := generate.New(s, fetcher, stubObjects{}, t.TempDir(), zerolog.Nop())
	return NewProcessor(gen, s, 10*time.Minute, zerolog.Nop())
}

func generateTask(t *testing.T, artifactID string) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(queue.GeneratePayload{
		ArtifactID: artifactID,
		ScopeID:    "scope-1",
		Items: []model.MediaItem{
			{ID: "m1", RemoteURL: "http://cdn/m1", FileName: "a.jpg"},
		},
	})
	require.NoError(t, err)
	return asynq.NewTask(queue.TypeGenerateBundle, data)
}

func claim(t *testing.T, s store.ArtifactStore) string {
	t.Helper()
	a := &model.Artifact{
		ID: uuid.NewString(), ScopeID: "scope-1", Selector: model.SelectorAll,
		Fingerprint: "fp", ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	claimed, err := s.Claim(context.Background(), a)
	require.NoError(t, err)
	require.True(t, claimed)
	return a.ID
}

func TestHandleGenerateSuccess(t *testing.T) {
	s := store.NewMemoryStore()
	id := claim(t, s)
	p := newProcessor(t, s, &stubGetter{})

	require.NoError(t, p.Handler().ProcessTask(context.Background(), generateTask(t, id)))

	got, err := s.Get(context.Background(), "scope-1", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
}

func TestHandleGenerateTerminalFailureSkipsRetry(t *testing.T) {
	s := store.NewMemoryStore()
	id := claim(t, s)
	p := newProcessor(t, s, &stubGetter{err: errors.New("cdn down")})

	err := p.Handler().ProcessTask(context.Background(), generateTask(t, id))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	got, getErr := s.Get(context.Background(), "scope-1", id)
	require.NoError(t, getErr)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestHandleGenerateBadPayload(t *testing.T) {
	s := store.NewMemoryStore()
	p := newProcessor(t, s, &stubGetter{})
	task := asynq.NewTask(queue.TypeGenerateBundle, []byte("{not json"))

	err := p.Handler().ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleSweep(t *testing.T) {
	s := store.NewMemoryStore()
	id := claim(t, s)
	require.NoError(t, s.MarkGenerating(context.Background(), id))

	// Zero window: everything in flight is immediately stale.
	p := NewProcessor(nil, s, 0, zerolog.Nop())
	require.NoError(t, p.Handler().ProcessTask(context.Background(), queue.NewSweepTask()))

	got, err := s.Get(context.Background(), "scope-1", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
}
