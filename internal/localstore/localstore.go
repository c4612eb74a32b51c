// Package localstore is the explicitly selected local/dev object store. It
// copies finished bundles into a serving directory and hands out HMAC-signed
// download URLs delivered by the API's /download handler. It is never a
// fallback: the backend has to be chosen in configuration.
package localstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deliverkit/bundler/internal/signing"
)

// Store serves bundles from a local directory.
type Store struct {
	dir     string
	baseURL string
	signer  *signing.Signer
	urlTTL  time.Duration
}

// New prepares the serving directory.
func New(dir, baseURL string, signer *signing.Signer, urlTTL time.Duration) (*Store, error) {
	if dir == "" || baseURL == "" {
		return nil, fmt.Errorf("local storage selected but dir or base url missing")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		signer:  signer,
		urlTTL:  urlTTL,
	}, nil
}

// Configured reports whether uploads can proceed.
func (s *Store) Configured() bool {
	return s != nil && s.dir != ""
}

// Upload copies the archive under a fresh key and returns a signed URL.
func (s *Store) Upload(_ context.Context, localPath, filename string) (string, string, error) {
	key := fmt.Sprintf("%s/%s", uuid.NewString(), filename)
	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", "", fmt.Errorf("create bundle dir: %w", err)
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", "", fmt.Errorf("store bundle: %w", err)
	}
	expires := time.Now().Add(s.urlTTL).Unix()
	q := url.Values{}
	q.Set("key", key)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.signer.Sign(key, expires))
	return key, s.baseURL + "/download?" + q.Encode(), nil
}

// Open returns the stored bundle for the download handler. The key is
// cleaned and re-rooted so it cannot escape the serving directory.
func (s *Store) Open(key string) (*os.File, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid bundle key %q", key)
	}
	return os.Open(filepath.Join(s.dir, clean))
}

// Validate checks a download URL's signature and expiry parameters.
func (s *Store) Validate(key, expires, signature string) bool {
	return s.signer.Validate(key, expires, signature)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
