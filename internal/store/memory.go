package store

import (
	"context"
	"sync"
	"time"

	"github.com/deliverkit/bundler/internal/model"
)

// MemoryStore is the in-process ArtifactStore used by tests and local
// development. A single mutex serializes the check-and-claim, which gives it
// the same dedup guarantee the Postgres partial index provides.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*model.Artifact
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]*model.Artifact)}
}

func (m *MemoryStore) Claim(_ context.Context, a *model.Artifact) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.artifacts {
		if existing.ScopeID == a.ScopeID && existing.Selector == a.Selector &&
			existing.Fingerprint == a.Fingerprint && !existing.Status.Terminal() {
			return false, nil
		}
	}
	now := time.Now().UTC()
	a.Status = model.StatusPending
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	m.artifacts[a.ID] = &cp
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, scopeID, artifactID string) (*model.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[artifactID]
	if !ok || a.ScopeID != scopeID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) FindReady(_ context.Context, scopeID string, sel model.Selector, fingerprint string, createdAfter time.Time) (*model.Artifact, error) {
	return m.find(scopeID, sel, fingerprint, createdAfter, func(s model.ArtifactStatus) bool {
		return s == model.StatusReady
	}), nil
}

func (m *MemoryStore) FindInFlight(_ context.Context, scopeID string, sel model.Selector, fingerprint string, createdAfter time.Time) (*model.Artifact, error) {
	return m.find(scopeID, sel, fingerprint, createdAfter, func(s model.ArtifactStatus) bool {
		return s == model.StatusPending || s == model.StatusGenerating
	}), nil
}

func (m *MemoryStore) find(scopeID string, sel model.Selector, fingerprint string, createdAfter time.Time, match func(model.ArtifactStatus) bool) *model.Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *model.Artifact
	for _, a := range m.artifacts {
		if a.ScopeID != scopeID || a.Selector != sel || a.Fingerprint != fingerprint {
			continue
		}
		if !match(a.Status) || !a.CreatedAt.After(createdAfter) {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	if newest == nil {
		return nil
	}
	cp := *newest
	return &cp
}

func (m *MemoryStore) MarkGenerating(_ context.Context, artifactID string) error {
	return m.mutate(artifactID, func(a *model.Artifact) {
		a.Status = model.StatusGenerating
	})
}

func (m *MemoryStore) MarkReady(_ context.Context, artifactID, storageKey, publicURL, fileName string, sizeBytes int64) error {
	return m.mutate(artifactID, func(a *model.Artifact) {
		a.Status = model.StatusReady
		a.StorageKey = &storageKey
		a.PublicURL = &publicURL
		a.FileName = &fileName
		a.SizeBytes = &sizeBytes
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, artifactID, message string) error {
	return m.mutate(artifactID, func(a *model.Artifact) {
		a.Status = model.StatusFailed
		a.ErrorMessage = &message
	})
}

func (m *MemoryStore) mutate(artifactID string, fn func(*model.Artifact)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[artifactID]
	if !ok {
		return ErrNotFound
	}
	if a.Status.Terminal() {
		return ErrTerminal
	}
	fn(a)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkStaleFailed(_ context.Context, createdBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := "generation timed out"
	var n int64
	for _, a := range m.artifacts {
		if !a.Status.Terminal() && a.CreatedAt.Before(createdBefore) {
			a.Status = model.StatusFailed
			a.ErrorMessage = &msg
			a.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkStaleFailedFor(_ context.Context, scopeID string, sel model.Selector, fingerprint string, createdBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := "generation timed out"
	var n int64
	for _, a := range m.artifacts {
		if a.ScopeID != scopeID || a.Selector != sel || a.Fingerprint != fingerprint {
			continue
		}
		if !a.Status.Terminal() && a.CreatedAt.Before(createdBefore) {
			a.Status = model.StatusFailed
			a.ErrorMessage = &msg
			a.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, a := range m.artifacts {
		if a.ExpiresAt.Before(now) {
			delete(m.artifacts, id)
			n++
		}
	}
	return n, nil
}
