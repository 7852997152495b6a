// Package schedule starts tasks on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

// Starter is the part of the supervisor the scheduler drives.
type Starter interface {
	Start(ctx context.Context, task model.Task) error
	Running(taskID string) bool
}

type entry struct {
	task    model.Task
	cronID  cron.EntryID
	lastRun time.Time
	lastErr string
}

// Entry describes one scheduled task.
type Entry struct {
	TaskID    string    `json:"taskId"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type Scheduler struct {
	starter Starter
	bus     logbus.Publisher
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

func New(starter Starter, bus logbus.Publisher) *Scheduler {
	if bus == nil {
		bus = logbus.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		starter: starter,
		bus:     bus,
		cron:    cron.New(),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Validate checks a standard five field cron expression or descriptor.
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("schedule %q: %w", expr, err)
	}
	return nil
}

// Add registers or replaces the cron entry for task. A task with an empty
// schedule is removed instead.
func (s *Scheduler) Add(task model.Task) error {
	if task.Schedule == "" {
		s.Remove(task.ID)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[task.ID]; ok {
		s.cron.Remove(old.cronID)
		delete(s.entries, task.ID)
	}
	id := task.ID
	cronID, err := s.cron.AddFunc(task.Schedule, func() { s.fire(id) })
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", task.ID, err)
	}
	s.entries[task.ID] = &entry{task: task.Clone(), cronID: cronID}

	s.bus.Log(logbus.LevelInfo, "task scheduled", map[string]any{
		"taskId":   task.ID,
		"schedule": task.Schedule,
	})
	return nil
}

func (s *Scheduler) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return
	}
	s.cron.Remove(e.cronID)
	delete(s.entries, taskID)
}

func (s *Scheduler) fire(taskID string) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	task := e.task.Clone()
	e.lastRun = time.Now()
	s.mu.Unlock()

	if s.starter.Running(taskID) {
		s.bus.Log(logbus.LevelDebug, "scheduled start skipped, task already running", map[string]any{"taskId": taskID})
		return
	}
	err := s.starter.Start(s.ctx, task)

	s.mu.Lock()
	if e, ok := s.entries[taskID]; ok {
		e.lastErr = ""
		if err != nil {
			e.lastErr = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.bus.Log(logbus.LevelError, "scheduled start failed", map[string]any{"taskId": taskID, "error": err.Error()})
		return
	}
	s.bus.Log(logbus.LevelInfo, "scheduled start", map[string]any{"taskId": taskID})
}

// Entries lists scheduled tasks ordered by task id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, Entry{
			TaskID:    id,
			Schedule:  e.task.Schedule,
			Next:      s.cron.Entry(e.cronID).Next,
			LastRun:   e.lastRun,
			LastError: e.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop and waits for running starts to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
