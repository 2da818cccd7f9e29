package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskhub/internal/domain"
	"taskhub/internal/repository"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'todo',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
`

// ownerClause restricts a statement to rows owned by the username bound last.
const ownerClause = `user_id = (SELECT id FROM users WHERE username = ?)`

type TaskRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db, now: time.Now}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return nil
}

func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) (int64, error) {
	now := r.now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = domain.TaskStatusTodo
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (user_id, title, description, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		task.UserID,
		task.Title,
		task.Description,
		string(task.Status),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	task.ID = id
	return id, nil
}

func (r *TaskRepository) GetOwned(ctx context.Context, id int64, username string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, user_id, title, description, status, created_at, updated_at
FROM tasks
WHERE id = ? AND `+ownerClause,
		id,
		username,
	)
	return scanTask(row)
}

func (r *TaskRepository) ListByOwner(ctx context.Context, username string) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, title, description, status, created_at, updated_at
FROM tasks
WHERE `+ownerClause+`
ORDER BY created_at DESC, id DESC`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}

	return tasks, rows.Err()
}

// UpdateOwned writes title, description and status. The update timestamp is
// always moved strictly past its previous value; created_at is never written.
func (r *TaskRepository) UpdateOwned(ctx context.Context, task *domain.Task, username string) error {
	updatedAt := r.now().UTC()
	if !updatedAt.After(task.UpdatedAt) {
		updatedAt = task.UpdatedAt.Add(time.Nanosecond)
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET title = ?, description = ?, status = ?, updated_at = ?
WHERE id = ? AND `+ownerClause,
		task.Title,
		task.Description,
		string(task.Status),
		updatedAt,
		task.ID,
		username,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task update rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	task.UpdatedAt = updatedAt
	return nil
}

// DeleteOwned removes the task in one statement so there is no window between
// the ownership check and the delete.
func (r *TaskRepository) DeleteOwned(ctx context.Context, id int64, username string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND `+ownerClause, id, username)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task delete rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task      domain.Task
		status    string
		createdAt time.Time
		updatedAt time.Time
	)

	if err := scanner.Scan(
		&task.ID,
		&task.UserID,
		&task.Title,
		&task.Description,
		&status,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.CreatedAt = createdAt.UTC()
	task.UpdatedAt = updatedAt.UTC()
	return &task, nil
}
