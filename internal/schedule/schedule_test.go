package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout_engine/internal/model"
)

type starter struct {
	mu      sync.Mutex
	started []string
	running map[string]bool
	err     error
}

func (s *starter) Start(_ context.Context, task model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.started = append(s.started, task.ID)
	return nil
}

func (s *starter) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

func (s *starter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func TestAddRejectsBadExpression(t *testing.T) {
	s := New(&starter{}, nil)
	err := s.Add(model.Task{ID: "t1", Schedule: "not a schedule"})
	require.Error(t, err)
	assert.Empty(t, s.Entries())
}

func TestAddReplacesAndEmptyRemoves(t *testing.T) {
	s := New(&starter{}, nil)
	require.NoError(t, s.Add(model.Task{ID: "t1", Schedule: "0 9 * * *"}))
	require.NoError(t, s.Add(model.Task{ID: "t1", Schedule: "30 10 * * 5"}))
	require.NoError(t, s.Add(model.Task{ID: "t2", Schedule: "@hourly"}))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "t1", entries[0].TaskID)
	assert.Equal(t, "30 10 * * 5", entries[0].Schedule)

	require.NoError(t, s.Add(model.Task{ID: "t1"}))
	entries = s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].TaskID)
}

func TestFireSkipsRunningTask(t *testing.T) {
	st := &starter{running: map[string]bool{"busy": true}}
	s := New(st, nil)
	require.NoError(t, s.Add(model.Task{ID: "busy", Schedule: "@daily"}))
	require.NoError(t, s.Add(model.Task{ID: "idle", Schedule: "@daily"}))

	s.fire("busy")
	s.fire("idle")
	s.fire("unknown")

	assert.Equal(t, []string{"idle"}, st.started)
}

func TestFireRecordsStartError(t *testing.T) {
	st := &starter{err: errors.New("worker limit reached")}
	s := New(st, nil)
	require.NoError(t, s.Add(model.Task{ID: "t1", Schedule: "@daily"}))

	s.fire("t1")

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "worker limit reached", entries[0].LastError)
	assert.False(t, entries[0].LastRun.IsZero())
}

func TestCronStartsTask(t *testing.T) {
	st := &starter{}
	s := New(st, nil)
	require.NoError(t, s.Add(model.Task{ID: "t1", Schedule: "@every 1s"}))
	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return st.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("*/5 * * * *"))
	assert.NoError(t, Validate("@every 30s"))
	assert.Error(t, Validate("61 * * * *"))
}
