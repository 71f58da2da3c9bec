// Package cache keeps preview runs between preview and apply.
//
// A preview is only appliable while it is cached; expiry forces a fresh
// preview against the current plan.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"reflowline/internal/domain"
)

var ErrMiss = errors.New("preview not found or expired")

// PreviewCache stores preview runs by run id.
type PreviewCache interface {
	Put(ctx context.Context, run domain.ReflowRun, ttl time.Duration) error
	Get(ctx context.Context, runID string) (domain.ReflowRun, error)
	Delete(ctx context.Context, runID string) error
	Close() error
}

type memoryEntry struct {
	run     domain.ReflowRun
	expires time.Time
}

// Memory is the in-process PreviewCache used when no Redis URL is configured.
type Memory struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]memoryEntry{}}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Put(_ context.Context, run domain.ReflowRun, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	m.entries[run.ID] = memoryEntry{run: run, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, runID string) (domain.ReflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[runID]
	if !ok || !m.now().Before(e.expires) {
		delete(m.entries, runID)
		return domain.ReflowRun{}, ErrMiss
	}
	return e.run, nil
}

func (m *Memory) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	delete(m.entries, runID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) sweepLocked() {
	now := m.now()
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, id)
		}
	}
}
