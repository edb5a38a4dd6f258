package port

import (
	"context"

	"github.com/google/uuid"

	"github.com/revelium-studio/action-mesh/internal/domain/entity"
)

// JobRegistry is the single-writer record store for jobs. All mutations are
// funneled through the scheduler; Update applies the mutator atomically so a
// concurrent reader never observes a half-written record. Implementations
// return entity.ErrNotFound for unknown ids and must hand out snapshots, not
// aliases of stored state.
type JobRegistry interface {
	Create(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Update(ctx context.Context, id uuid.UUID, mutate func(*entity.Job)) (*entity.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*entity.Job, error)
}
