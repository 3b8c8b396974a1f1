// Package db stores the history of jobs that reached a terminal state. The
// stats aggregator reads from it; nothing else does.
package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"PulseFlow/internal/models"
)

type History interface {
	Record(ctx context.Context, job models.Job) error

	// Terminal returns jobs whose FinishedAt falls in [from, to].
	Terminal(ctx context.Context, from, to time.Time) ([]models.Job, error)
}

var (
	_ History = (*Store)(nil)
	_ History = (*MemoryHistory)(nil)
)

// MemoryHistory is the single-node history used when no database is
// configured.
type MemoryHistory struct {
	mu   sync.RWMutex
	jobs []models.Job
	seen map[string]struct{}
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{seen: make(map[string]struct{})}
}

func (h *MemoryHistory) Record(_ context.Context, job models.Job) error {
	if !job.State.Terminal() || job.FinishedAt == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.seen[job.ID]; ok {
		return nil
	}
	h.seen[job.ID] = struct{}{}
	h.jobs = append(h.jobs, job.Clone())
	return nil
}

func (h *MemoryHistory) Terminal(_ context.Context, from, to time.Time) ([]models.Job, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []models.Job
	for _, job := range h.jobs {
		at := *job.FinishedAt
		if at.Before(from) || at.After(to) {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinishedAt.Before(*out[j].FinishedAt)
	})
	return out, nil
}
