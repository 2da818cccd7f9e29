package repository

import (
	"context"

	"taskhub/internal/domain"
)

// TaskRepository exposes owner-scoped persistence operations for tasks.
// Every lookup and mutation is keyed by the (id, owner username) pair.
type TaskRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, task *domain.Task) (int64, error)
	GetOwned(ctx context.Context, id int64, username string) (*domain.Task, error)
	ListByOwner(ctx context.Context, username string) ([]domain.Task, error)
	UpdateOwned(ctx context.Context, task *domain.Task, username string) error
	DeleteOwned(ctx context.Context, id int64, username string) error
}
