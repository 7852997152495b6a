package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"checkout_engine/internal/model"
)

var ErrNotFound = errors.New("not found")

// UpsertTask stores a task definition. Runtime fields are cleared; they are
// only written by SaveTaskRuntime.
func (s *Store) UpsertTask(ctx context.Context, t model.Task) (model.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := model.ValidateTask(t); err != nil {
		return model.Task{}, err
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t = definitionOf(t)

	b, err := json.Marshal(t)
	if err != nil {
		return model.Task{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, platform, store_url, schedule, task_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			store_url = excluded.store_url,
			schedule = excluded.schedule,
			task_json = excluded.task_json,
			updated_at = excluded.updated_at
	`, t.ID, t.Name, string(t.Store.Platform), t.Store.URL, t.Schedule, string(b), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return model.Task{}, err
	}
	return s.GetTask(ctx, t.ID)
}

// SaveTaskRuntime records the runtime view of a task pushed by its worker.
// Tasks deleted in the meantime are not recreated.
func (s *Store) SaveTaskRuntime(ctx context.Context, t model.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	running := 0
	if t.Running {
		running = 1
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, severity = ?, outcome = ?, order_number = ?, running = ?,
			task_json = ?, updated_at = ?
		WHERE id = ?
	`, t.Status.Message, string(t.Status.Severity), string(t.Outcome), t.OrderNumber, running,
		string(b), time.Now().UnixMilli(), t.ID)
	return err
}

// SaveTaskState applies a supervisor state change to the stored row.
func (s *Store) SaveTaskState(ctx context.Context, st model.TaskState) error {
	running := 0
	if st.Running {
		running = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			running = ?,
			status = CASE WHEN ? = '' THEN status ELSE ? END,
			severity = CASE WHEN ? = '' THEN severity ELSE ? END,
			outcome = CASE WHEN ? = '' THEN outcome ELSE ? END,
			updated_at = ?
		WHERE id = ?
	`, running,
		st.Status.Message, st.Status.Message,
		string(st.Status.Severity), string(st.Status.Severity),
		string(st.Outcome), string(st.Outcome),
		time.Now().UnixMilli(), st.TaskID)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_json, status, severity, outcome, order_number, running, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_json, status, severity, outcome, order_number, running, created_at, updated_at
		FROM tasks ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListScheduledTasks returns tasks carrying a cron schedule.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]model.Task, error) {
	all, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Task
	for _, t := range all {
		if t.Schedule != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// MarkAllStopped clears the running flag left behind by an unclean exit.
func (s *Store) MarkAllStopped(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET running = 0 WHERE running = 1`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (model.Task, error) {
	var row struct {
		taskJSON    string
		status      string
		severity    string
		outcome     string
		orderNumber string
		running     int
		createdAt   int64
		updatedAt   int64
	}
	if err := sc.Scan(&row.taskJSON, &row.status, &row.severity, &row.outcome, &row.orderNumber, &row.running, &row.createdAt, &row.updatedAt); err != nil {
		return model.Task{}, err
	}
	var t model.Task
	if err := json.Unmarshal([]byte(row.taskJSON), &t); err != nil {
		return model.Task{}, err
	}
	t.Status = model.Status{Message: row.status, Severity: model.Severity(row.severity)}
	t.Outcome = model.ExitOutcome(row.outcome)
	t.OrderNumber = row.orderNumber
	t.Running = row.running == 1
	t.CreatedAt = time.UnixMilli(row.createdAt)
	t.UpdatedAt = time.UnixMilli(row.updatedAt)
	return t, nil
}

func definitionOf(t model.Task) model.Task {
	t.Status = model.Status{}
	t.Signal = ""
	t.Running = false
	t.Outcome = model.ExitNone
	t.StartedAt = time.Time{}
	t.Product = nil
	t.Variant = nil
	t.OrderNumber = ""
	return t
}
