// Package postgres provides a PostgreSQL implementation of the Store interface.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/erennakbas/tasksync/migrations"
	"github.com/erennakbas/tasksync/store"
	"github.com/erennakbas/tasksync/types"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// Config configures the PostgreSQL store.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New creates a new PostgreSQL store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB creates a new PostgreSQL store with an existing database connection.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := migrations.Apply(ctx, s.db); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// SaveTask upserts the confirmed state of a task.
func (s *Store) SaveTask(ctx context.Context, task types.Task) error {
	query := `
		INSERT INTO tasksync_tasks (
			id, local_id, title, done, revision, created_at, updated_at, synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			local_id   = COALESCE(EXCLUDED.local_id, tasksync_tasks.local_id),
			title      = EXCLUDED.title,
			done       = EXCLUDED.done,
			revision   = EXCLUDED.revision,
			created_at = COALESCE(EXCLUDED.created_at, tasksync_tasks.created_at),
			updated_at = COALESCE(EXCLUDED.updated_at, tasksync_tasks.updated_at),
			synced_at  = NOW()
		WHERE tasksync_tasks.revision <= EXCLUDED.revision
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		nullString(task.LocalID),
		task.Title,
		task.Done,
		task.Revision,
		nullTime(task.CreatedAt),
		nullTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	return nil
}

// DeleteTask removes a task by remote id.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasksync_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by remote id.
func (s *Store) GetTask(ctx context.Context, id string) (types.Task, error) {
	query := `
		SELECT id, local_id, title, done, revision, created_at, updated_at
		FROM tasksync_tasks WHERE id = $1
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, store.ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// LoadTasks returns every stored task in creation order.
func (s *Store) LoadTasks(ctx context.Context) ([]types.Task, error) {
	query := `
		SELECT id, local_id, title, done, revision, created_at, updated_at
		FROM tasksync_tasks
		ORDER BY created_at ASC NULLS LAST, synced_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

// Ping checks if the store is healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the store connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (types.Task, error) {
	var (
		task                 types.Task
		localID              sql.NullString
		createdAt, updatedAt sql.NullTime
	)

	err := row.Scan(&task.ID, &localID, &task.Title, &task.Done, &task.Revision, &createdAt, &updatedAt)
	if err != nil {
		return types.Task{}, err
	}

	task.LocalID = localID.String
	if createdAt.Valid {
		task.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		task.UpdatedAt = updatedAt.Time
	}
	task.SyncState = types.SyncStateSynced

	return task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
