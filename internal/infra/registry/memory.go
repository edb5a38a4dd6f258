package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/revelium-studio/action-mesh/internal/domain/entity"
)

// Memory is the default in-process job registry: a map behind a single lock.
// It is authoritative only for the process lifetime; a restart drops all
// jobs. Every value crossing the boundary is a deep copy, so a reader never
// observes a half-written record.
type Memory struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*entity.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[uuid.UUID]*entity.Job)}
}

func (m *Memory) Create(_ context.Context, job *entity.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id uuid.UUID, mutate func(*entity.Job)) (*entity.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	mutate(job)
	return job.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return entity.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) List(_ context.Context) ([]*entity.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*entity.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs, nil
}
