// Package model contains the struct definitions shared across packages.
package model

import (
	"fmt"
	"time"
)

// Selector classifies which subset of a scope's media a bundle covers.
type Selector string

const (
	SelectorAll    Selector = "all"
	SelectorPhotos Selector = "photos"
	SelectorVideos Selector = "videos"
)

// ParseSelector validates a raw selector string. An empty value defaults to
// SelectorAll so callers can omit the query parameter.
func ParseSelector(raw string) (Selector, error) {
	switch Selector(raw) {
	case "":
		return SelectorAll, nil
	case SelectorAll, SelectorPhotos, SelectorVideos:
		return Selector(raw), nil
	}
	return "", fmt.Errorf("unknown selector %q", raw)
}

// ArtifactStatus describes the bundle generation lifecycle.
type ArtifactStatus string

const (
	StatusPending    ArtifactStatus = "pending"
	StatusGenerating ArtifactStatus = "generating"
	StatusReady      ArtifactStatus = "ready"
	StatusFailed     ArtifactStatus = "failed"
)

// Terminal reports whether the status can no longer change. Expiry is not a
// status: a ready artifact simply stops being reusable once past its horizon.
func (s ArtifactStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Artifact is a row in the artifacts table: one generated (or in-progress)
// downloadable bundle for a specific media selection.
type Artifact struct {
	ID           string         `json:"id"`
	ScopeID      string         `json:"scopeId"`
	Selector     Selector       `json:"selector"`
	Fingerprint  string         `json:"fingerprint"`
	Status       ArtifactStatus `json:"status"`
	StorageKey   *string        `json:"storageKey,omitempty"`
	PublicURL    *string        `json:"publicUrl,omitempty"`
	FileName     *string        `json:"fileName,omitempty"`
	SizeBytes    *int64         `json:"sizeBytes,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
}

// MediaKind is the declared type of a source file.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Matches reports whether an item of this kind belongs to the selection.
func (k MediaKind) Matches(sel Selector) bool {
	switch sel {
	case SelectorPhotos:
		return k == MediaPhoto
	case SelectorVideos:
		return k == MediaVideo
	}
	return true
}

// MediaItem is the read-only view of one source file owned by a scope. The
// size is advisory; the authoritative size is whatever the fetch returns.
type MediaItem struct {
	ID        string    `json:"id"`
	ScopeID   string    `json:"scopeId"`
	RemoteURL string    `json:"remoteUrl"`
	FileName  string    `json:"fileName"`
	SizeBytes int64     `json:"sizeBytes"`
	Kind      MediaKind `json:"kind"`
}
