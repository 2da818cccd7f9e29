package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"taskhub/internal/domain"
	"taskhub/internal/repository"
)

// MaxTitleLength bounds task titles, in characters.
const MaxTitleLength = 200

// ErrTaskNotFound is returned both for missing tasks and for tasks owned by
// someone else.
var ErrTaskNotFound = errors.New("task not found or access denied")

// TaskInput carries the mutable fields of a task.
type TaskInput struct {
	Title       string
	Description string
	Status      domain.TaskStatus
}

// TaskService coordinates owner-scoped task operations.
type TaskService interface {
	CreateTask(ctx context.Context, owner domain.Identity, input TaskInput) (*domain.Task, error)
	ListTasks(ctx context.Context, owner domain.Identity) ([]domain.Task, error)
	UpdateTask(ctx context.Context, owner domain.Identity, id int64, input TaskInput) (*domain.Task, error)
	DeleteTask(ctx context.Context, owner domain.Identity, id int64) error
}

type taskService struct {
	tasks repository.TaskRepository
}

func NewTaskService(tasks repository.TaskRepository) TaskService {
	return &taskService{tasks: tasks}
}

func (s *taskService) CreateTask(ctx context.Context, owner domain.Identity, input TaskInput) (*domain.Task, error) {
	input, err := normalizeTaskInput(input)
	if err != nil {
		return nil, err
	}

	task := &domain.Task{
		UserID:      owner.UserID,
		Title:       input.Title,
		Description: input.Description,
		Status:      input.Status,
	}
	if _, err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, owner domain.Identity) ([]domain.Task, error) {
	return s.tasks.ListByOwner(ctx, owner.Username)
}

func (s *taskService) UpdateTask(ctx context.Context, owner domain.Identity, id int64, input TaskInput) (*domain.Task, error) {
	input, err := normalizeTaskInput(input)
	if err != nil {
		return nil, err
	}

	task, err := s.tasks.GetOwned(ctx, id, owner.Username)
	if err != nil {
		return nil, mapTaskErr(err)
	}

	task.Title = input.Title
	task.Description = input.Description
	task.Status = input.Status
	if err := s.tasks.UpdateOwned(ctx, task, owner.Username); err != nil {
		return nil, mapTaskErr(err)
	}
	return task, nil
}

func (s *taskService) DeleteTask(ctx context.Context, owner domain.Identity, id int64) error {
	return mapTaskErr(s.tasks.DeleteOwned(ctx, id, owner.Username))
}

func normalizeTaskInput(input TaskInput) (TaskInput, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return input, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(input.Title) > MaxTitleLength {
		return input, fmt.Errorf("%w: title must be at most %d characters", ErrInvalidInput, MaxTitleLength)
	}
	if input.Status == "" {
		input.Status = domain.TaskStatusTodo
	}
	if !input.Status.Valid() {
		return input, fmt.Errorf("%w: status must be: todo, in-progress, or done", ErrInvalidInput)
	}
	return input, nil
}

func mapTaskErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrTaskNotFound
	}
	return err
}
