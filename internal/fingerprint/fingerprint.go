// Package fingerprint derives the cache key for a media selection.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

// Compute hashes the set of media ids into a stable, order-independent key.
// Two requests covering the same ids always share a fingerprint, regardless
// of the order the media source returned them in. MD5 is sufficient here:
// the digest is a cache key, not a security boundary.
func Compute(mediaIDs []string) string {
	sorted := make([]string, len(mediaIDs))
	copy(sorted, mediaIDs)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}
