// Package fetch downloads source files under a bounded concurrency budget.
// It replaces the old fixed-size worker pool: admission slides, so a slot
// freed by any completed download is immediately handed to the next item.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/deliverkit/bundler/internal/model"
)

// ErrNoFilesDownloaded means every fetch of a non-empty selection failed.
// Callers must treat the whole operation as a failure.
var ErrNoFilesDownloaded = errors.New("no files could be downloaded")

// File is one successfully fetched source file with an archive-safe name.
type File struct {
	Name string
	Data []byte
}

// Getter retrieves the raw bytes behind one media URL. The HTTP client is
// the production implementation; tests substitute deterministic fakes.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Fetcher runs the bounded downloads. The concurrency budget belongs to one
// generation run: concurrently running tasks each get their own Fetcher
// budget rather than sharing a global limiter.
type Fetcher struct {
	getter  Getter
	limit   int
	timeout time.Duration
	log     zerolog.Logger
}

// New constructs a Fetcher. A non-positive limit falls back to serial fetches.
func New(getter Getter, limit int, timeout time.Duration, log zerolog.Logger) *Fetcher {
	if limit <= 0 {
		limit = 1
	}
	return &Fetcher{getter: getter, limit: limit, timeout: timeout, log: log}
}

// FetchAll downloads every item, dropping individual failures. Results are
// appended in completion order, which is deterministic under a deterministic
// getter. Names are sanitized and de-duplicated so the archive never sees a
// collision.
func (f *Fetcher) FetchAll(ctx context.Context, items []model.MediaItem) ([]File, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var (
		mu    sync.Mutex
		files []File
		seen  = make(map[string]int)
	)
	g := new(errgroup.Group)
	g.SetLimit(f.limit)
	for _, item := range items {
		item := item
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			data, err := f.getter.Get(fetchCtx, item.RemoteURL)
			if err != nil {
				// A dropped file never fails the run; partial success is success.
				f.log.Warn().Str("media_id", item.ID).Str("url", item.RemoteURL).
					Err(err).Msg("fetch dropped")
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			files = append(files, File{Name: uniqueName(seen, archiveName(item)), Data: data})
			return nil
		})
	}
	_ = g.Wait()
	if len(files) == 0 {
		return nil, ErrNoFilesDownloaded
	}
	return files, nil
}

func archiveName(item model.MediaItem) string {
	name := SanitizeName(item.FileName)
	if name == "" {
		name = SanitizeName(item.ID)
	}
	if name == "" {
		name = "file"
	}
	return name
}

// uniqueName suffixes duplicates before the extension: photo.jpg, photo-2.jpg.
// Callers must hold the collection lock.
func uniqueName(seen map[string]int, name string) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	base, ext := splitExt(name)
	return fmt.Sprintf("%s-%d%s", base, n+1, ext)
}

func splitExt(name string) (string, string) {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i:]
		}
	}
	return name, ""
}

// SanitizeName strips everything that is not alphanumeric, dot, dash, or
// underscore so the entry is safe inside any zip tool and filesystem.
func SanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		case c == '.' || c == '-' || c == '_':
			out = append(out, c)
		case c == ' ' || c == '/':
			out = append(out, '_')
		}
	}
	// Never emit hidden or traversal-looking entries.
	trimmed := string(out)
	for len(trimmed) > 0 && trimmed[0] == '.' {
		trimmed = trimmed[1:]
	}
	return trimmed
}
