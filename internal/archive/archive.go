// Package archive streams fetched files into zip bundles. Output goes to a
// local temp file so memory stays bounded for large selections; the sibling
// Stream writes straight into a response for the uncached path.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"

	"github.com/deliverkit/bundler/internal/fetch"
)

// compressionLevel favors speed over ratio; media files are mostly already
// compressed, so deeper searching buys nothing.
const compressionLevel = 3

func newZipWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, compressionLevel)
	})
	return zw
}

// Build writes the files into dir/bundle-<artifactID>.zip. The path is
// derived from the artifact id so parallel generations never collide on
// disk. On any error the partial file is removed before returning; on
// success the caller owns cleanup.
func Build(dir, artifactID string, files []fetch.File) (string, int64, error) {
	path := filepath.Join(dir, "bundle-"+artifactID+".zip")
	out, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create archive: %w", err)
	}
	if err := writeAll(out, files); err != nil {
		out.Close()
		os.Remove(path)
		return "", 0, err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("close archive: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("stat archive: %w", err)
	}
	return path, info.Size(), nil
}

// Stream writes a complete zip directly into w, entry order matching the
// order files finished fetching.
func Stream(w io.Writer, files []fetch.File) error {
	return writeAll(w, files)
}

func writeAll(w io.Writer, files []fetch.File) error {
	zw := newZipWriter(w)
	for _, f := range files {
		entry, err := zw.Create(f.Name)
		if err != nil {
			return fmt.Errorf("create entry %s: %w", f.Name, err)
		}
		if _, err := entry.Write(f.Data); err != nil {
			return fmt.Errorf("write entry %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}
