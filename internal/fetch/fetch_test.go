package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverkit/bundler/internal/model"
)

// instrumentedGetter records peak concurrency and serves canned responses.
type instrumentedGetter struct {
	mu       sync.Mutex
	inflight int
	peak     int
	calls    int
	delay    time.Duration
	fail     map[string]error
	hang     map[string]bool
}

func (g *instrumentedGetter) Get(ctx context.Context, url string) ([]byte, error) {
	g.mu.Lock()
	g.calls++
	g.inflight++
	if g.inflight > g.peak {
		g.peak = g.inflight
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
	}()

	if g.hang[url] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if err := g.fail[url]; err != nil {
		return nil, err
	}
	return []byte("data:" + url), nil
}

func items(n int) []model.MediaItem {
	out := make([]model.MediaItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.MediaItem{
			ID:        fmt.Sprintf("m%d", i),
			RemoteURL: fmt.Sprintf("http://cdn/m%d", i),
			FileName:  fmt.Sprintf("photo-%d.jpg", i),
			Kind:      model.MediaPhoto,
		})
	}
	return out
}

func TestFetchAllRespectsConcurrencyLimit(t *testing.T) {
	getter := &instrumentedGetter{delay: 20 * time.Millisecond}
	f := New(getter, 3, time.Second, zerolog.Nop())

	files, err := f.FetchAll(context.Background(), items(10))
	require.NoError(t, err)
	assert.Len(t, files, 10)
	assert.Equal(t, 10, getter.calls)
	assert.LessOrEqual(t, getter.peak, 3)
	assert.GreaterOrEqual(t, getter.peak, 2)
}

func TestFetchAllDropsFailuresAndKeepsRest(t *testing.T) {
	getter := &instrumentedGetter{fail: map[string]error{
		"http://cdn/m1": errors.New("connection reset"),
		"http://cdn/m3": errors.New("404"),
	}}
	f := New(getter, 5, time.Second, zerolog.Nop())

	files, err := f.FetchAll(context.Background(), items(5))
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestFetchAllTimeoutDropsItem(t *testing.T) {
	getter := &instrumentedGetter{hang: map[string]bool{"http://cdn/m0": true}}
	f := New(getter, 5, 30*time.Millisecond, zerolog.Nop())

	files, err := f.FetchAll(context.Background(), items(3))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	for _, file := range files {
		assert.NotEqual(t, "data:http://cdn/m0", string(file.Data))
	}
}

func TestFetchAllAllFailed(t *testing.T) {
	getter := &instrumentedGetter{fail: map[string]error{
		"http://cdn/m0": errors.New("boom"),
		"http://cdn/m1": errors.New("boom"),
	}}
	f := New(getter, 2, time.Second, zerolog.Nop())

	_, err := f.FetchAll(context.Background(), items(2))
	assert.ErrorIs(t, err, ErrNoFilesDownloaded)
}

func TestFetchAllEmptyInput(t *testing.T) {
	f := New(&instrumentedGetter{}, 2, time.Second, zerolog.Nop())
	files, err := f.FetchAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFetchAllDeduplicatesNames(t *testing.T) {
	getter := &instrumentedGetter{}
	f := New(getter, 1, time.Second, zerolog.Nop())

	in := []model.MediaItem{
		{ID: "a", RemoteURL: "http://cdn/a", FileName: "house.jpg"},
		{ID: "b", RemoteURL: "http://cdn/b", FileName: "house.jpg"},
		{ID: "c", RemoteURL: "http://cdn/c", FileName: "house.jpg"},
	}
	files, err := f.FetchAll(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, files, 3)

	names := map[string]bool{}
	for _, file := range files {
		names[file.Name] = true
	}
	assert.Len(t, names, 3)
	assert.True(t, names["house.jpg"])
	assert.True(t, names["house-2.jpg"])
	assert.True(t, names["house-3.jpg"])
}

func TestFetchAllCompletionOrderWithSerialGetter(t *testing.T) {
	// With limit 1 the completion order equals the input order, which keeps
	// archive layout deterministic for a deterministic getter.
	getter := &instrumentedGetter{}
	f := New(getter, 1, time.Second, zerolog.Nop())

	files, err := f.FetchAll(context.Background(), items(4))
	require.NoError(t, err)
	require.Len(t, files, 4)
	for i, file := range files {
		assert.Equal(t, fmt.Sprintf("photo-%d.jpg", i), file.Name)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"photo.jpg":          "photo.jpg",
		"my photo (1).jpg":   "my_photo_1.jpg",
		"../../etc/passwd":   "_.._etc_passwd",
		"über straße.png":    "ber_strae.png",
		"normal-file_2.webm": "normal-file_2.webm",
		"...hidden":          "hidden",
		"":                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}
