package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

// Store persists task definitions, profiles, proxy groups and settings,
// plus the runtime columns the engine reports while tasks run.
type Store struct {
	db *sql.DB
}

var pragmas = []string{
	"busy_timeout = 5000",
	"journal_mode = WAL",
	"synchronous = NORMAL",
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, "PRAGMA "+p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %s: %w", p, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Watch persists task updates and supervisor state changes published on
// bus until ctx ends or the bus closes.
func (s *Store) Watch(ctx context.Context, bus *logbus.Bus) {
	ch, cancel := bus.Subscribe(1024, logbus.TypeTaskUpdate, logbus.TypeEngineState)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var err error
			var taskID string
			switch data := msg.Data.(type) {
			case model.Task:
				taskID = data.ID
				err = s.SaveTaskRuntime(ctx, data)
			case model.TaskState:
				taskID = data.TaskID
				err = s.SaveTaskState(ctx, data)
			default:
				continue
			}
			if err != nil && ctx.Err() == nil {
				bus.Log(logbus.LevelWarn, "persist task failed", map[string]any{"taskId": taskID, "error": err.Error()})
			}
		}
	}
}
