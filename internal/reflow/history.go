package reflow

import (
	"context"
	"sync"

	"reflowline/internal/domain"
)

// RunHistory is the append-only log of applied runs owned by the caller.
type RunHistory interface {
	AppendRun(ctx context.Context, run domain.ReflowRun) error
	ListRuns(ctx context.Context) ([]domain.ReflowRun, error)
}

// MemoryHistory keeps runs in process memory.
type MemoryHistory struct {
	mu   sync.Mutex
	runs []domain.ReflowRun
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) AppendRun(_ context.Context, run domain.ReflowRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

func (h *MemoryHistory) ListRuns(_ context.Context) ([]domain.ReflowRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ReflowRun(nil), h.runs...), nil
}
